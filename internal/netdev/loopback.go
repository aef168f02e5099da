package netdev

import "sync"

// Loopback is a Transport that reflects every written frame back to the
// reader unchanged. It exists for tests and for exercising the guest
// network path without host connectivity.
type Loopback struct {
	mu     sync.Mutex
	frames chan []byte
	closed bool
}

func NewLoopback() *Loopback {
	return &Loopback{frames: make(chan []byte, rxQueueDepth)}
}

func (l *Loopback) Read(buf []byte) (int, error) {
	frame, ok := <-l.frames
	if !ok {
		return 0, ErrClosed
	}
	return copy(buf, frame), nil
}

func (l *Loopback) Write(frame []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	out := append([]byte(nil), frame...)
	select {
	case l.frames <- out:
	default:
		// Queue full. Drop, as a real link would.
	}
	return len(frame), nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		close(l.frames)
	}
	return nil
}
