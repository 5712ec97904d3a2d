package alert

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// player owns the audio sink on behalf of the scheduler: one long-lived
// goroutine fed through a single-slot request channel.
//
// Policy (at most one playback in flight):
//   - a request while idle starts playback
//   - a request while playing interrupts the current sound (Stop) and restarts it
//   - requests that arrive while one is already pending coalesce into it
//
// Playback completion is detected by polling Sink.IsBusy.
type player struct {
	sink     Sink
	poll     time.Duration
	log      *slog.Logger
	fallback func()

	requests chan struct{} // cap 1: the single pending slot
	quit     chan struct{}
	done     chan struct{}

	playing     atomic.Bool
	started     atomic.Uint64 // playbacks started
	interrupted atomic.Uint64 // playbacks cut short by a newer request
	coalesced   atomic.Uint64 // requests merged into a pending one
	failures    atomic.Uint64

	stopOnce sync.Once
}

func newPlayer(sink Sink, poll time.Duration, log *slog.Logger, fallback func()) *player {
	p := &player{
		sink:     sink,
		poll:     poll,
		log:      log,
		fallback: fallback,
		requests: make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.loop()
	return p
}

// request asks for a playback without blocking the caller.
func (p *player) request() {
	select {
	case p.requests <- struct{}{}:
	default:
		p.coalesced.Add(1)
	}
}

func (p *player) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			return
		case <-p.requests:
			p.play()
		}
	}
}

// play runs one playback to completion, restarting it whenever a new
// request arrives mid-way.
func (p *player) play() {
	for {
		if p.sink.IsBusy() {
			_ = p.sink.Stop()
		}
		if err := p.sink.Play(); err != nil {
			p.failures.Add(1)
			p.playing.Store(false)
			p.log.Error("failed to play alert sound", "error", err)
			p.fallback()
			return
		}
		p.playing.Store(true)
		p.started.Add(1)

		if restart := p.wait(); !restart {
			p.playing.Store(false)
			return
		}
		p.interrupted.Add(1)
	}
}

// wait polls the sink until playback finishes. It returns true when a new
// request arrived and playback must restart.
func (p *player) wait() (restart bool) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			_ = p.sink.Stop()
			return false
		case <-p.requests:
			return true
		case <-ticker.C:
			if !p.sink.IsBusy() {
				return false
			}
		}
	}
}

// stopPlayback interrupts the current sound, if any, without stopping the
// worker.
func (p *player) stopPlayback() {
	if p.sink.IsBusy() {
		if err := p.sink.Stop(); err != nil {
			p.log.Error("failed to stop alert", "error", err)
		}
	}
	p.playing.Store(false)
}

// close stops the worker goroutine and waits for it.
func (p *player) close() {
	p.stopOnce.Do(func() {
		close(p.quit)
		<-p.done
	})
}
