package alert

// Sink is the audio output device. Implementations wrap a real mixer (see
// internal/audio) or a fake in tests.
//
// Contract:
//   - Load is called once, before any Play.
//   - Play starts playback of the loaded sound and returns immediately.
//   - IsBusy reports whether a playback started by Play is still running.
//   - Stop interrupts playback; it is a no-op when idle.
//   - Close releases the device; no method is called after Close.
//   - Methods may be called from different goroutines (scheduler and player).
type Sink interface {
	Load(path string) error
	Play() error
	IsBusy() bool
	SetVolume(v float64) error
	Stop() error
	Close() error
}
