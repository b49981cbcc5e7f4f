package idscp2

import "sync"

// HandshakeResult is the write-once outcome observed by a caller
// blocking on connect.
type HandshakeResult int

const (
	HandshakeNotAvailable HandshakeResult = iota
	HandshakeSuccessful
	HandshakeFailed
)

func (r HandshakeResult) String() string {
	switch r {
	case HandshakeSuccessful:
		return "Successful"
	case HandshakeFailed:
		return "Failed"
	default:
		return "NotAvailable"
	}
}

// handshakeRendezvous is a write-once cell with a condition variable:
// once published, the result is visible to any goroutine waiting on it
// before ProcessEvent returns to its own caller.
type handshakeRendezvous struct {
	mu        sync.Mutex
	cond      *sync.Cond
	result    HandshakeResult
	published bool
}

func newHandshakeRendezvous() *handshakeRendezvous {
	h := &handshakeRendezvous{result: HandshakeNotAvailable}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// publish writes the result exactly once; subsequent calls are no-ops.
// Returns true if this call performed the publish.
func (h *handshakeRendezvous) publish(result HandshakeResult) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.published {
		return false
	}
	h.result = result
	h.published = true
	h.cond.Broadcast()
	return true
}

func (h *handshakeRendezvous) isPublished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published
}

// Wait blocks until the handshake result is published, then returns it.
func (h *handshakeRendezvous) Wait() HandshakeResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.published {
		h.cond.Wait()
	}
	return h.result
}

// connectionAvailability gates observer callbacks on the upper layer
// having bound (or explicitly declined to bind) a ConnectionObserver.
type connectionAvailability struct {
	mu        sync.Mutex
	cond      *sync.Cond
	available bool
	observer  ConnectionObserver
}

func newConnectionAvailability() *connectionAvailability {
	c := &connectionAvailability{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Bind attaches observer and flips the flag.
func (c *connectionAvailability) Bind(observer ConnectionObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = observer
	c.available = true
	c.cond.Broadcast()
}

// Decline flips the flag without attaching an observer, unblocking any
// waiter with a nil observer.
func (c *connectionAvailability) Decline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available = true
	c.cond.Broadcast()
}

// Wait blocks until Bind or Decline has been called, then returns the
// bound observer (nil if declined).
func (c *connectionAvailability) Wait() ConnectionObserver {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.available {
		c.cond.Wait()
	}
	return c.observer
}

// ConnectionObserver is the upper-layer callback contract: OnMessage
// for delivered application payloads, OnClose when the session has
// torn down.
type ConnectionObserver interface {
	OnMessage(payload []byte)
	OnClose()
}
