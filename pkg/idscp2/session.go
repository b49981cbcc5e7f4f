package idscp2

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Session is one IDSCP2 connection: the FSM plus every collaborator it
// owns.
type Session struct {
	ID uuid.UUID

	cfg     SessionConfig
	logger  Logger
	metrics *Metrics

	// mu is the single coarse session lock: every event source acquires
	// it before calling ProcessEvent.
	mu  sync.Mutex
	fsm *fsm.FSM

	currentState State

	ackFlag      AckFlag
	nextSend     AlternatingBit
	expectedRecv AlternatingBit

	handshakeTimer Timer
	proverTimer    Timer
	verifierTimer  Timer
	ratTimer       Timer
	ackTimer       Timer
	datTimer       Timer

	prover   *RatInterface
	verifier *RatInterface
	channel  *SecureChannelInterface
	daps     DapsDriver

	negotiated negotiatedMechanisms

	handshake *handshakeRendezvous
	connAvail *connectionAvailability

	// pendingErr is set by a before_event callback immediately before it
	// cancels the transition, and consumed by ProcessEvent right after
	// fsm.Event returns. It lets callbacks report a structured
	// *SessionError without depending on looplab/fsm's own error types.
	pendingErr error
	// pendingFatal, set alongside pendingErr, tells ProcessEvent the
	// cancellation must still be followed by a forced move to
	// Closed(Locked) plus cleanup (the table's "on failure ... move to
	// Closed(Locked)" clause) rather than leaving the state unchanged.
	pendingFatal bool
}

// NewSession constructs a Session wired to cfg's collaborators and
// starts it in Closed(Unlocked). The secure-channel receiver loop is
// already running but gated shut until StartHandshake is processed.
func NewSession(cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		ID:        uuid.New(),
		cfg:       cfg,
		metrics:   cfg.Metrics,
		daps:      cfg.Daps,
		handshake: newHandshakeRendezvous(),
		connAvail: newConnectionAvailability(),
	}
	s.logger = cfg.Logger.With(F("session", s.ID.String()))

	s.handshakeTimer = NewStaticTimer(func() { s.ProcessEvent(Event{Kind: EventHandshakeTimeout}) })
	s.proverTimer = NewStaticTimer(func() { s.ProcessEvent(Event{Kind: EventProverTimeout}) })
	s.verifierTimer = NewStaticTimer(func() { s.ProcessEvent(Event{Kind: EventVerifierTimeout}) })
	s.ratTimer = NewStaticTimer(func() { s.ProcessEvent(Event{Kind: EventRatTimeout}) })
	s.ackTimer = NewStaticTimer(func() { s.ProcessEvent(Event{Kind: EventAckTimeout}) })
	s.datTimer = NewDynamicTimer(func() { s.ProcessEvent(Event{Kind: EventDatTimeout}) })

	var peerCert []byte
	if cfg.Channel != nil {
		peerCert = cfg.Channel.PeerCertificate()
	}
	s.prover = NewRatInterface(RoleProver, cfg.ProverRegistry, peerCert, func(ev Event) { s.ProcessEvent(ev) })
	s.verifier = NewRatInterface(RoleVerifier, cfg.VerifierRegistry, peerCert, func(ev Event) { s.ProcessEvent(ev) })

	if cfg.Channel != nil {
		s.channel = NewSecureChannelInterface(cfg.Channel, cfg.Codec, func(ev Event) { s.ProcessEvent(ev) })
	}

	s.currentState = ClosedUnlocked
	s.fsm = buildFSM(s)
	return s
}

// BindObserver attaches the upper layer's ConnectionObserver, unblocking
// any goroutine waiting for connection availability.
func (s *Session) BindObserver(observer ConnectionObserver) {
	s.connAvail.Bind(observer)
}

// DeclineObserver explicitly records that no observer will ever be
// bound, unblocking waiters with a nil observer.
func (s *Session) DeclineObserver() {
	s.connAvail.Decline()
}

// WaitHandshakeResult blocks until the handshake result is published.
func (s *Session) WaitHandshakeResult() HandshakeResult {
	return s.handshake.Wait()
}

// State reports the current FSM state. Safe to call concurrently with
// ProcessEvent; it takes the session lock like any other event source.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentState
}

// ProcessEvent is the session's single serialized entry point. Every
// upper-layer call, decoded peer message, RAT worker callback and
// timer firing funnels through here.
func (s *Session) ProcessEvent(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentState == ClosedLocked {
		return wrapErr(CategoryState, ErrFsmLocked, nil)
	}
	if s.currentState == ClosedUnlocked {
		switch ev.Kind {
		case EventStop, EventDataRequest, EventRepeatRat:
			return wrapErr(CategoryState, ErrFsmNotStarted, nil)
		}
	}

	// These guards depend only on plain session fields, not on anything
	// the transition table needs to encode a destination for, so they
	// are resolved here rather than via a cancelled fsm transition.
	if ev.Kind == EventDataRequest {
		switch s.currentState {
		case WaitForAck:
			return wrapErr(CategoryState, ErrWouldBlock, nil)
		case Established:
			// falls through to the table.
		default:
			return wrapErr(CategoryState, ErrNotConnected, nil)
		}
	}
	if ev.Kind == EventAck && s.currentState == WaitForAck && ev.Bit != s.nextSend.Value() {
		return wrapErr(CategoryProtocol, ErrInvalidAck, nil)
	}
	if ev.Kind == EventAckTimeout && s.currentState == WaitForAck && !s.ackFlag.Active() {
		return wrapErr(CategoryInternal, ErrIdscpDataNotCached, nil)
	}

	name := s.fsmEventName(ev)

	s.pendingErr = nil
	s.pendingFatal = false
	from := s.currentState

	err := s.fsm.Event(context.Background(), name, ev)

	if s.pendingErr != nil {
		pending, fatal := s.pendingErr, s.pendingFatal
		s.pendingErr, s.pendingFatal = nil, false
		if fatal {
			s.fsm.SetState(ClosedLocked.String())
			s.landClosedLocked(from, false)
		}
		return pending
	}
	// looplab/fsm reports a row whose Dst equals its Src as
	// NoTransitionError after running its callbacks; such self-loop rows
	// are ordinary table entries, not unknown transitions.
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return wrapErr(CategoryProtocol, ErrUnknownTransition, nil)
	}

	to := s.parseState(s.fsm.Current())
	s.currentState = to
	s.metrics.RecordTransition(from, to)
	s.applyConditionalOverride(name, from)
	if to == ClosedLocked && from != ClosedLocked {
		s.landClosedLocked(from, name == "stop")
		return nil
	}
	s.maybePublishHandshakeResult()
	return nil
}

// landClosedLocked performs the table's shared "cleanup; notify;
// publish" tail for every transition that ends in Closed(Locked),
// whether reached as a normal table entry (stop/close/secure-channel
// error/handshake timeout/rat failure) or forced after a before_event
// callback cancelled a happy-path transition (Hello/Dat verification
// failure). stopPath suppresses the close notification the way the
// upper-layer Stop path requires.
func (s *Session) landClosedLocked(from State, stopPath bool) {
	s.currentState = ClosedLocked
	s.metrics.RecordTransition(from, ClosedLocked)
	s.cleanup()
	s.notifyConnectionAboutClose(stopPath)
	s.maybePublishHandshakeResult()
}

// applyConditionalOverride handles the two table rows whose destination
// depends on runtime state the static transition table cannot encode:
// ProverOK/VerifierOK from WaitForRatProver/WaitForRatVerifier land on
// Established normally, but on WaitForAck when AckFlag is already
// Active.
func (s *Session) applyConditionalOverride(eventName string, from State) {
	if !s.ackFlag.Active() {
		return
	}
	if (eventName == "prover_ok" && from == WaitForRatProver) ||
		(eventName == "verifier_ok" && from == WaitForRatVerifier) {
		if s.currentState == Established {
			s.fsm.SetState(WaitForAck.String())
			s.currentState = WaitForAck
			s.ackTimer.Start(s.cfg.AckTimeout)
		}
	}
}

func (s *Session) maybePublishHandshakeResult() {
	switch s.currentState {
	case Established:
		if s.handshake.publish(HandshakeSuccessful) {
			s.metrics.RecordHandshakeResult(HandshakeSuccessful)
		}
	case ClosedLocked:
		if s.handshake.publish(HandshakeFailed) {
			s.metrics.RecordHandshakeResult(HandshakeFailed)
		}
	}
}

// cleanup cancels all six timers, stops both RAT workers, and stops
// the secure-channel reader.
func (s *Session) cleanup() {
	s.handshakeTimer.Cancel()
	s.proverTimer.Cancel()
	s.verifierTimer.Cancel()
	s.ratTimer.Cancel()
	s.ackTimer.Cancel()
	s.datTimer.Cancel()
	s.prover.Stop()
	s.verifier.Stop()
	if s.channel != nil {
		s.channel.Stop()
	}
}

// notifyConnectionAboutClose calls the observer's OnClose, suppressed
// on the Stop path (the caller originated the close) and whenever no
// handshake result has ever been published (nothing was ever handed to
// the upper layer to notify).
func (s *Session) notifyConnectionAboutClose(stopPath bool) {
	if stopPath {
		return
	}
	if !s.handshake.isPublished() {
		return
	}
	if observer := s.connAvail.Wait(); observer != nil {
		observer.OnClose()
	}
}

// deliverData hands a received application payload to the bound
// observer, blocking until one has been bound or explicitly declined.
func (s *Session) deliverData(payload []byte) {
	if observer := s.connAvail.Wait(); observer != nil {
		observer.OnMessage(payload)
	}
}

func (s *Session) send(msg Message) error {
	if s.channel == nil {
		return nil
	}
	data, err := s.cfg.Codec.Encode(msg)
	if err != nil {
		return IoError(err)
	}
	return s.channel.Write(data)
}

func (s *Session) parseState(name string) State {
	for st, n := range stateNames {
		if n == name {
			return State(st)
		}
	}
	return ClosedLocked
}

// fail records a cancellation reason on the session for ProcessEvent to
// surface, and cancels the in-flight fsm transition. fatal additionally
// requests the post-cancel forced move to Closed(Locked): the callback
// must have already sent whatever Close/Dat message the row calls for,
// but cleanup/notify/publish are applied uniformly by landClosedLocked.
func (s *Session) fail(e *fsm.Event, err *SessionError, fatal bool) {
	s.pendingErr = err
	s.pendingFatal = fatal
	e.Cancel()
}
