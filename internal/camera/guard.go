package camera

import "sync"

// readGuard lets Close return while a read is stuck in the driver. The
// device is released by Close when no read is running, otherwise by the
// last read to return.
type readGuard struct {
	mu       sync.Mutex
	closed   bool
	readers  int
	released bool
}

// enter registers a read. It returns false once the source is closed.
func (g *readGuard) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.readers++
	return true
}

// exit ends a read. It returns true when the caller must release the device.
func (g *readGuard) exit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readers--
	return g.takeRelease()
}

// close marks the source closed. first is false on repeated calls; release
// is true when the caller must release the device now.
func (g *readGuard) close() (first, release bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false, false
	}
	g.closed = true
	return true, g.takeRelease()
}

func (g *readGuard) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *readGuard) takeRelease() bool {
	if !g.closed || g.readers > 0 || g.released {
		return false
	}
	g.released = true
	return true
}
