package idscp2

import (
	"io"
	"sync"
)

// SecureChannel is the opaque, already-authenticated transport the
// session core sits on top of. Its implementation (TLS handshake,
// socket, certificate validation) lives outside this package, which
// only consumes the contract.
type SecureChannel interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	Terminate() error
	PeerCertificate() []byte
}

// SecureChannelInterface wraps a SecureChannel with a receiver loop
// that decodes frames into events and injects them into the session,
// plus write/lock/unlock/stop.
//
// The gate (lock/unlock) guarantees no inbound event, decoded message
// or receive/decode error, is delivered before StartHandshake has been
// processed.
type SecureChannelInterface struct {
	channel  SecureChannel
	codec    Codec
	dispatch func(Event)

	mu       sync.Mutex
	cond     *sync.Cond
	unlocked bool
	stopped  bool
	wg       sync.WaitGroup
}

// NewSecureChannelInterface constructs the wrapper and immediately
// starts the receiver loop goroutine; the loop blocks on the lock gate
// before delivering its first event.
func NewSecureChannelInterface(channel SecureChannel, codec Codec, dispatch func(Event)) *SecureChannelInterface {
	s := &SecureChannelInterface{channel: channel, codec: codec, dispatch: dispatch}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.receiveLoop()
	return s
}

// Unlock opens the gate, letting previously-buffered and future
// decoded events reach dispatch.
func (s *SecureChannelInterface) Unlock() {
	s.mu.Lock()
	s.unlocked = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Lock closes the gate again. Not used by the happy path (the gate
// only ever needs to open once per session) but kept symmetric with
// Unlock.
func (s *SecureChannelInterface) Lock() {
	s.mu.Lock()
	s.unlocked = false
	s.mu.Unlock()
}

// Wait blocks until the receiver loop goroutine has exited. Only safe
// to call from outside the session lock (e.g. test teardown) — never
// from inside cleanup, see Stop.
func (s *SecureChannelInterface) Wait() {
	s.wg.Wait()
}

// Write sends bytes over the underlying channel. Safe to call while
// holding the session lock: there is no back-edge from Send into the
// session on the same call stack.
func (s *SecureChannelInterface) Write(data []byte) error {
	if err := s.channel.Send(data); err != nil {
		return IoError(err)
	}
	return nil
}

// PeerCertificate exposes the underlying channel's peer certificate,
// handed to RAT workers.
func (s *SecureChannelInterface) PeerCertificate() []byte {
	return s.channel.PeerCertificate()
}

// Stop terminates the underlying channel and signals the receiver loop
// to shut down. It does not join the loop: Stop is called from inside
// Session.cleanup, itself invoked while holding the session lock, and
// the receiver loop may at that moment be inside dispatch, which calls
// Session.ProcessEvent and waits for that same lock — joining here
// would deadlock against its own caller.
func (s *SecureChannelInterface) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()

	_ = s.channel.Terminate()
}

func (s *SecureChannelInterface) waitUnlockedOrStopped() (stopped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.unlocked && !s.stopped {
		s.cond.Wait()
	}
	return s.stopped
}

func (s *SecureChannelInterface) receiveLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.channel.Recv()
		if err != nil {
			if stopped := s.waitUnlockedOrStopped(); !stopped {
				s.deliverErrorOnce(err)
			}
			return
		}
		msg, err := s.codec.Decode(raw)
		if err != nil {
			if stopped := s.waitUnlockedOrStopped(); !stopped {
				s.deliverErrorOnce(err)
			}
			return
		}
		if stopped := s.waitUnlockedOrStopped(); stopped {
			return
		}
		s.dispatch(decodedToEvent(msg))
	}
}

func (s *SecureChannelInterface) deliverErrorOnce(err error) {
	if err == io.EOF {
		s.dispatch(Event{Kind: EventSecureChannelError, Message: "secure channel closed"})
		return
	}
	s.dispatch(Event{Kind: EventSecureChannelError, Message: err.Error()})
}

// decodedToEvent maps a decoded peer Message onto the corresponding
// Event discriminant.
func decodedToEvent(msg Message) Event {
	switch m := msg.(type) {
	case HelloMessage:
		return Event{Kind: EventHello, Dat: m.Dat, ExpectedRatSuite: m.ExpectedRatSuite, SupportedRatSuite: m.SupportedRatSuite}
	case CloseMessage:
		return Event{Kind: EventClose, CloseCause: m.Cause, Message: m.Message}
	case DatMessage:
		return Event{Kind: EventDat, DatToken: m.Token}
	case DatExpiredMessage:
		return Event{Kind: EventDatExpired}
	case RatProverMessage:
		return Event{Kind: EventRatProver, RatData: m.Data}
	case RatVerifierMessage:
		return Event{Kind: EventRatVerifier, RatData: m.Data}
	case ReRatMessage:
		return Event{Kind: EventReRat, ReRatCause: m.Cause}
	case DataMessage:
		return Event{Kind: EventDataMessage, Payload: m.Payload, Bit: m.AlternatingBit}
	case AckMessage:
		return Event{Kind: EventAck, Bit: m.AlternatingBit}
	default:
		return Event{Kind: EventSecureChannelError, Message: "undecodable message type"}
	}
}
