// Package audio plays the alarm sound through the system speaker.
//
// Speaker implements alert.Sink on top of beep: the sound file is decoded
// once into memory and every Play streams a fresh copy of the buffer.
package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/wav"
)

var (
	// ErrNotLoaded is returned by Play before a successful Load.
	ErrNotLoaded = errors.New("audio: no sound loaded")
	// ErrUnsupportedFormat is returned by Load for unknown file extensions.
	ErrUnsupportedFormat = errors.New("audio: unsupported sound format")
)

// Speaker is an alert.Sink backed by the default output device.
type Speaker struct {
	mu     sync.Mutex
	buf    *beep.Buffer
	volume float64
	ctrl   *effects.Volume // current playback, nil when idle
	inited bool

	busy atomic.Bool
	gen  atomic.Uint64 // playback generation; stale callbacks are ignored
}

// NewSpeaker returns an unloaded speaker at full volume.
func NewSpeaker() *Speaker {
	return &Speaker{volume: 1}
}

// Load decodes path (.wav or .mp3) and opens the output device at the
// sound's sample rate.
func (s *Speaker) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open sound: %w", err)
	}

	var (
		stream beep.StreamSeekCloser
		format beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		stream, format, err = wav.Decode(f)
	case ".mp3":
		stream, format, err = mp3.Decode(f)
	default:
		_ = f.Close()
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("decode sound: %w", err)
	}
	defer stream.Close()

	buf := beep.NewBuffer(format)
	buf.Append(stream)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited {
		if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
			return fmt.Errorf("init speaker: %w", err)
		}
		s.inited = true
	}
	s.buf = buf
	return nil
}

// Play starts the sound and returns immediately.
func (s *Speaker) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil || !s.inited {
		return ErrNotLoaded
	}

	gen := s.gen.Add(1)
	ctrl := &effects.Volume{
		Streamer: s.buf.Streamer(0, s.buf.Len()),
		Base:     2,
		Volume:   gain(s.volume),
		Silent:   s.volume == 0,
	}
	s.ctrl = ctrl
	s.busy.Store(true)
	speaker.Play(beep.Seq(ctrl, beep.Callback(func() {
		if s.gen.Load() == gen {
			s.busy.Store(false)
		}
	})))
	return nil
}

// IsBusy reports whether the last Play is still sounding.
func (s *Speaker) IsBusy() bool {
	return s.busy.Load()
}

// SetVolume applies v in [0, 1], also to a sound already playing.
func (s *Speaker) SetVolume(v float64) error {
	if v < 0 || v > 1 || math.IsNaN(v) {
		return fmt.Errorf("audio: volume %v out of range [0, 1]", v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
	if s.ctrl != nil && s.inited {
		speaker.Lock()
		s.ctrl.Volume = gain(v)
		s.ctrl.Silent = v == 0
		speaker.Unlock()
	}
	return nil
}

// Stop drops everything queued on the speaker.
func (s *Speaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited {
		return nil
	}
	s.gen.Add(1)
	speaker.Clear()
	s.ctrl = nil
	s.busy.Store(false)
	return nil
}

// Close stops playback and releases the device.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited {
		return nil
	}
	s.gen.Add(1)
	speaker.Clear()
	speaker.Close()
	s.inited = false
	s.ctrl = nil
	s.buf = nil
	s.busy.Store(false)
	return nil
}

// gain maps a linear volume to the base-2 exponent used by effects.Volume.
func gain(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Log2(v)
}
