package idscp2

import (
	"context"

	"github.com/looplab/fsm"
)

// fsmEventName maps an incoming Event onto the looplab/fsm event name
// that drives the transition table below. FromProver/FromVerifier
// carry a control token or raw bytes in the same EventKind, so they
// fan out into three distinct fsm events each.
func (s *Session) fsmEventName(ev Event) string {
	switch ev.Kind {
	case EventStartHandshake:
		return "start_handshake"
	case EventHello:
		return "hello"
	case EventHandshakeTimeout:
		return "handshake_timeout"
	case EventFromProver:
		switch ev.Outcome {
		case RatOutcomeOK:
			return "prover_ok"
		case RatOutcomeFailed:
			return "prover_failed"
		default:
			return "prover_raw"
		}
	case EventFromVerifier:
		switch ev.Outcome {
		case RatOutcomeOK:
			return "verifier_ok"
		case RatOutcomeFailed:
			return "verifier_failed"
		default:
			return "verifier_raw"
		}
	case EventRatProver:
		return "peer_rat_prover"
	case EventRatVerifier:
		return "peer_rat_verifier"
	case EventDatTimeout:
		return "dat_timeout"
	case EventDatExpired:
		return "dat_expired"
	case EventDat:
		return "peer_dat"
	case EventReRat:
		return "rerat"
	case EventRepeatRat:
		return "repeat_rat"
	case EventRatTimeout:
		return "rat_timeout"
	case EventProverTimeout:
		return "prover_timeout"
	case EventVerifierTimeout:
		return "verifier_timeout"
	case EventDataRequest:
		return "data_request"
	case EventDataMessage:
		return "data_message"
	case EventAck:
		return "ack"
	case EventAckTimeout:
		return "ack_timeout"
	case EventStop:
		return "stop"
	case EventClose:
		return "close"
	case EventSecureChannelError:
		return "secure_channel_error"
	default:
		return "unknown"
	}
}

// payloadOf extracts the originating Event from a looplab/fsm callback
// invocation, where it was passed as the sole Event() argument.
func payloadOf(e *fsm.Event) Event {
	if len(e.Args) == 0 {
		return Event{}
	}
	ev, _ := e.Args[0].(Event)
	return ev
}

// nonClosedStates lists every state other than the two Closed variants,
// used as the shared Src list for the Stop/Close/secure-channel-error
// rows: any of these events tears the session down regardless of which
// non-terminal state it is currently in.
var nonClosedStates = []string{
	WaitForHello.String(),
	WaitForRat.String(),
	WaitForRatProver.String(),
	WaitForRatVerifier.String(),
	WaitForDatAndRat.String(),
	WaitForDatAndRatVerifier.String(),
	WaitForAck.String(),
	Established.String(),
}

// buildFSM constructs the looplab/fsm transition table: one fsm.Events
// entry per (state, event) pair with a fixed destination, one
// before_<event> callback per event name performing the guarded
// action, switching internally on e.Src where the action differs by
// source state. Two rows (Hello, peer Dat) have a guard whose failure
// needs a destination other than the table's happy-path Dst; those
// callbacks call Session.fail with fatal=true, which cancels the
// looplab transition so ProcessEvent can force Closed(Locked) instead.
func buildFSM(s *Session) *fsm.FSM {
	return fsm.NewFSM(
		ClosedUnlocked.String(),
		fsm.Events{
			{Name: "start_handshake", Src: []string{ClosedUnlocked.String()}, Dst: WaitForHello.String()},

			{Name: "hello", Src: []string{WaitForHello.String()}, Dst: WaitForRat.String()},
			{Name: "handshake_timeout", Src: []string{
				WaitForHello.String(), WaitForDatAndRat.String(), WaitForDatAndRatVerifier.String(),
			}, Dst: ClosedLocked.String()},

			{Name: "prover_timeout", Src: []string{
				WaitForRat.String(), WaitForRatProver.String(),
			}, Dst: ClosedLocked.String()},
			{Name: "verifier_timeout", Src: []string{
				WaitForRat.String(), WaitForRatVerifier.String(),
			}, Dst: ClosedLocked.String()},

			{Name: "prover_ok", Src: []string{WaitForRat.String()}, Dst: WaitForRatVerifier.String()},
			{Name: "prover_ok", Src: []string{WaitForRatProver.String()}, Dst: Established.String()},
			{Name: "prover_ok", Src: []string{WaitForDatAndRat.String()}, Dst: WaitForDatAndRatVerifier.String()},

			{Name: "verifier_ok", Src: []string{WaitForRat.String()}, Dst: WaitForRatProver.String()},
			{Name: "verifier_ok", Src: []string{WaitForRatVerifier.String()}, Dst: Established.String()},

			{Name: "prover_failed", Src: []string{
				WaitForRat.String(), WaitForRatProver.String(), WaitForDatAndRat.String(),
			}, Dst: ClosedLocked.String()},
			{Name: "verifier_failed", Src: []string{
				WaitForRat.String(), WaitForRatVerifier.String(), WaitForDatAndRatVerifier.String(),
			}, Dst: ClosedLocked.String()},

			{Name: "prover_raw", Src: []string{WaitForRat.String()}, Dst: WaitForRat.String()},
			{Name: "prover_raw", Src: []string{WaitForRatProver.String()}, Dst: WaitForRatProver.String()},
			{Name: "prover_raw", Src: []string{WaitForDatAndRat.String()}, Dst: WaitForDatAndRat.String()},

			{Name: "verifier_raw", Src: []string{WaitForRat.String()}, Dst: WaitForRat.String()},
			{Name: "verifier_raw", Src: []string{WaitForRatVerifier.String()}, Dst: WaitForRatVerifier.String()},
			{Name: "verifier_raw", Src: []string{WaitForDatAndRatVerifier.String()}, Dst: WaitForDatAndRatVerifier.String()},

			{Name: "peer_rat_prover", Src: []string{WaitForRat.String()}, Dst: WaitForRat.String()},
			{Name: "peer_rat_prover", Src: []string{WaitForRatVerifier.String()}, Dst: WaitForRatVerifier.String()},
			{Name: "peer_rat_prover", Src: []string{WaitForDatAndRatVerifier.String()}, Dst: WaitForDatAndRatVerifier.String()},

			{Name: "peer_rat_verifier", Src: []string{WaitForRat.String()}, Dst: WaitForRat.String()},
			{Name: "peer_rat_verifier", Src: []string{WaitForRatProver.String()}, Dst: WaitForRatProver.String()},
			{Name: "peer_rat_verifier", Src: []string{WaitForDatAndRat.String()}, Dst: WaitForDatAndRat.String()},

			{Name: "dat_timeout", Src: []string{WaitForRat.String()}, Dst: WaitForDatAndRat.String()},
			{Name: "dat_timeout", Src: []string{WaitForRatProver.String()}, Dst: WaitForDatAndRat.String()},
			{Name: "dat_timeout", Src: []string{WaitForRatVerifier.String()}, Dst: WaitForDatAndRatVerifier.String()},
			{Name: "dat_timeout", Src: []string{Established.String()}, Dst: WaitForDatAndRatVerifier.String()},
			{Name: "dat_timeout", Src: []string{WaitForAck.String()}, Dst: WaitForDatAndRatVerifier.String()},

			{Name: "dat_expired", Src: []string{WaitForRat.String()}, Dst: WaitForRat.String()},
			{Name: "dat_expired", Src: []string{WaitForRatVerifier.String()}, Dst: WaitForRat.String()},
			{Name: "dat_expired", Src: []string{WaitForDatAndRat.String()}, Dst: WaitForDatAndRat.String()},
			{Name: "dat_expired", Src: []string{WaitForDatAndRatVerifier.String()}, Dst: WaitForDatAndRat.String()},
			{Name: "dat_expired", Src: []string{Established.String()}, Dst: WaitForRatProver.String()},
			{Name: "dat_expired", Src: []string{WaitForAck.String()}, Dst: WaitForRatProver.String()},

			{Name: "peer_dat", Src: []string{WaitForDatAndRat.String()}, Dst: WaitForRat.String()},
			{Name: "peer_dat", Src: []string{WaitForDatAndRatVerifier.String()}, Dst: WaitForRatVerifier.String()},

			{Name: "rerat", Src: []string{WaitForRatProver.String()}, Dst: WaitForRatProver.String()},
			{Name: "rerat", Src: []string{WaitForRatVerifier.String()}, Dst: WaitForRat.String()},
			{Name: "rerat", Src: []string{WaitForDatAndRatVerifier.String()}, Dst: WaitForDatAndRat.String()},
			{Name: "rerat", Src: []string{Established.String()}, Dst: WaitForRatProver.String()},

			{Name: "repeat_rat", Src: []string{WaitForRatProver.String()}, Dst: WaitForRat.String()},
			{Name: "repeat_rat", Src: []string{Established.String()}, Dst: WaitForRatVerifier.String()},
			{Name: "repeat_rat", Src: []string{WaitForAck.String()}, Dst: WaitForRatVerifier.String()},

			{Name: "rat_timeout", Src: []string{WaitForRatProver.String()}, Dst: WaitForRat.String()},
			{Name: "rat_timeout", Src: []string{Established.String()}, Dst: WaitForRatVerifier.String()},
			{Name: "rat_timeout", Src: []string{WaitForAck.String()}, Dst: WaitForRatVerifier.String()},

			{Name: "data_request", Src: []string{Established.String()}, Dst: WaitForAck.String()},

			{Name: "data_message", Src: []string{Established.String()}, Dst: Established.String()},
			{Name: "data_message", Src: []string{WaitForAck.String()}, Dst: WaitForAck.String()},

			{Name: "ack", Src: []string{WaitForAck.String()}, Dst: Established.String()},
			{Name: "ack_timeout", Src: []string{WaitForAck.String()}, Dst: WaitForAck.String()},

			{Name: "stop", Src: nonClosedStates, Dst: ClosedLocked.String()},
			{Name: "close", Src: nonClosedStates, Dst: ClosedLocked.String()},
			{Name: "secure_channel_error", Src: nonClosedStates, Dst: ClosedLocked.String()},
		},
		fsm.Callbacks{
			"before_start_handshake":        func(_ context.Context, e *fsm.Event) { s.actionStartHandshake(e) },
			"before_hello":                  func(_ context.Context, e *fsm.Event) { s.actionHello(e) },
			"before_handshake_timeout":      func(_ context.Context, e *fsm.Event) { s.actionHandshakeTimeout(e) },
			"before_prover_timeout":         func(_ context.Context, e *fsm.Event) { s.actionHandshakeTimeout(e) },
			"before_verifier_timeout":       func(_ context.Context, e *fsm.Event) { s.actionHandshakeTimeout(e) },
			"before_prover_ok":              func(_ context.Context, e *fsm.Event) { s.actionProverOK(e) },
			"before_verifier_ok":            func(_ context.Context, e *fsm.Event) { s.actionVerifierOK(e) },
			"before_prover_failed":          func(_ context.Context, e *fsm.Event) { s.actionRatFailed(e, RoleProver) },
			"before_verifier_failed":        func(_ context.Context, e *fsm.Event) { s.actionRatFailed(e, RoleVerifier) },
			"before_prover_raw":             func(_ context.Context, e *fsm.Event) { s.actionForwardRaw(e, RoleProver) },
			"before_verifier_raw":           func(_ context.Context, e *fsm.Event) { s.actionForwardRaw(e, RoleVerifier) },
			"before_peer_rat_prover":        func(_ context.Context, e *fsm.Event) { s.actionPeerRat(e, RoleVerifier) },
			"before_peer_rat_verifier":      func(_ context.Context, e *fsm.Event) { s.actionPeerRat(e, RoleProver) },
			"before_dat_timeout":            func(_ context.Context, e *fsm.Event) { s.actionDatTimeout(e) },
			"before_dat_expired":            func(_ context.Context, e *fsm.Event) { s.actionDatExpired(e) },
			"before_peer_dat":               func(_ context.Context, e *fsm.Event) { s.actionPeerDat(e) },
			"before_rerat":                  func(_ context.Context, e *fsm.Event) { s.actionReRat(e) },
			"before_repeat_rat":             func(_ context.Context, e *fsm.Event) { s.actionRepeatRatOrTimeout(e) },
			"before_rat_timeout":            func(_ context.Context, e *fsm.Event) { s.actionRepeatRatOrTimeout(e) },
			"before_data_request":           func(_ context.Context, e *fsm.Event) { s.actionDataRequest(e) },
			"before_data_message":           func(_ context.Context, e *fsm.Event) { s.actionDataMessage(e) },
			"before_ack":                    func(_ context.Context, e *fsm.Event) { s.actionAck(e) },
			"before_ack_timeout":            func(_ context.Context, e *fsm.Event) { s.actionAckTimeout(e) },
			"before_stop":                   func(_ context.Context, e *fsm.Event) { s.actionStop(e) },
			"before_close":                  func(_ context.Context, e *fsm.Event) { s.actionPeerTeardown(e) },
			"before_secure_channel_error":   func(_ context.Context, e *fsm.Event) { s.actionPeerTeardown(e) },
		},
	)
}

// --- guarded actions, one per row group of the transition table ---

func (s *Session) actionStartHandshake(e *fsm.Event) {
	var dat []byte
	if s.daps != nil {
		dat, _ = s.daps.GetToken()
	}
	_ = s.send(HelloMessage{
		Dat:               dat,
		ExpectedRatSuite:  s.cfg.Attestation.ExpectedAttestationSuite,
		SupportedRatSuite: s.cfg.Attestation.SupportedAttestationSuite,
	})
	if s.channel != nil {
		s.channel.Unlock()
	}
	s.handshakeTimer.Start(s.cfg.Attestation.RatTimeout)
}

func (s *Session) actionHello(e *fsm.Event) {
	ev := payloadOf(e)

	if len(ev.Dat) == 0 {
		_ = s.send(CloseMessage{Cause: CloseNoValidDat, Message: "no dat presented"})
		s.fail(e, wrapErr(CategoryDaps, ErrMissingDat, nil), true)
		return
	}
	remaining, ok, err := s.daps.VerifyToken(ev.Dat)
	if err != nil || !ok {
		_ = s.send(CloseMessage{Cause: CloseNoValidDat, Message: "dat verification failed"})
		s.fail(e, wrapErr(CategoryDaps, ErrInvalidDat, err), true)
		return
	}

	negotiated, err := negotiateMechanisms(
		ev.ExpectedRatSuite, ev.SupportedRatSuite,
		s.cfg.Attestation.SupportedAttestationSuite, s.cfg.Attestation.ExpectedAttestationSuite,
	)
	if err != nil {
		_ = s.send(CloseMessage{Cause: CloseError, Message: err.Error()})
		s.fail(e, wrapErr(CategoryRat, ErrNoRatMechanismMatch, err), true)
		return
	}
	s.negotiated = negotiated

	if err := s.prover.Start(negotiated.proverMechanism); err != nil {
		_ = s.send(CloseMessage{Cause: CloseError, Message: err.Error()})
		s.fail(e, wrapErr(CategoryRat, ErrUnknownRatDriver, err), true)
		return
	}
	if err := s.verifier.Start(negotiated.verifierMechanism); err != nil {
		_ = s.send(CloseMessage{Cause: CloseError, Message: err.Error()})
		s.fail(e, wrapErr(CategoryRat, ErrUnknownRatDriver, err), true)
		return
	}

	s.handshakeTimer.Cancel()
	s.proverTimer.Start(s.cfg.Attestation.RatTimeout)
	s.verifierTimer.Start(s.cfg.Attestation.RatTimeout)
	s.datTimer.Start(remaining)
}

func (s *Session) actionHandshakeTimeout(e *fsm.Event) {
	_ = s.send(CloseMessage{Cause: CloseTimeout, Message: "handshake timed out"})
}

func (s *Session) actionProverOK(e *fsm.Event) {
	s.proverTimer.Cancel()
}

// actionVerifierOK handles both VerifierOK rows: WaitForRat ->
// WaitForRatProver and WaitForRatVerifier -> Established/WaitForAck.
// Both start the RAT (re-attestation) timer — it is tied to the
// verifier side completing, regardless of which path got here.
func (s *Session) actionVerifierOK(e *fsm.Event) {
	s.verifierTimer.Cancel()
	s.ratTimer.Start(s.cfg.Attestation.RatTimeout)
}

func (s *Session) actionRatFailed(e *fsm.Event, role RatRole) {
	s.metrics.RecordRatFailure(role)
	cause := CloseRatProverFailed
	if role == RoleVerifier {
		cause = CloseRatVerifierFailed
	}
	_ = s.send(CloseMessage{Cause: cause, Message: role.String() + " attestation failed"})
}

func (s *Session) actionForwardRaw(e *fsm.Event, role RatRole) {
	ev := payloadOf(e)
	if role == RoleProver {
		_ = s.send(RatProverMessage{Data: ev.RawBytes})
		return
	}
	_ = s.send(RatVerifierMessage{Data: ev.RawBytes})
}

// actionPeerRat forwards a decoded RatProver/RatVerifier peer message
// into the opposite local worker: peer prover bytes feed our verifier,
// peer verifier bytes feed our prover.
func (s *Session) actionPeerRat(e *fsm.Event, target RatRole) {
	ev := payloadOf(e)
	var iface *RatInterface
	if target == RoleProver {
		iface = s.prover
	} else {
		iface = s.verifier
	}
	if err := iface.WriteToDriver(ev.RatData); err != nil {
		s.logger.Warn("dropped rat bytes for inactive worker", F("role", target.String()), F("err", err))
	}
}

func (s *Session) actionDatTimeout(e *fsm.Event) {
	switch e.Src {
	case WaitForRat.String(), WaitForRatProver.String():
		s.verifier.Stop()
		s.ratTimer.Cancel()
		_ = s.send(DatExpiredMessage{})
		s.handshakeTimer.Start(s.cfg.Attestation.RatTimeout)
	case WaitForRatVerifier.String():
		_ = s.send(DatExpiredMessage{})
		s.handshakeTimer.Start(s.cfg.Attestation.RatTimeout)
	case Established.String():
		_ = s.send(DatExpiredMessage{})
		s.handshakeTimer.Start(s.cfg.Attestation.RatTimeout)
	case WaitForAck.String():
		s.ackTimer.Cancel()
		_ = s.send(DatExpiredMessage{})
		s.handshakeTimer.Start(s.cfg.Attestation.RatTimeout)
	}
}

func (s *Session) actionDatExpired(e *fsm.Event) {
	if e.Src == WaitForAck.String() {
		s.ackTimer.Cancel()
	}
	s.sendFreshDat()
	if err := s.prover.Restart(); err != nil {
		s.logger.Warn("prover restart on dat_expired failed", F("err", err))
	}
	s.proverTimer.Start(s.cfg.Attestation.RatTimeout)
}

func (s *Session) actionPeerDat(e *fsm.Event) {
	ev := payloadOf(e)
	if len(ev.DatToken) == 0 {
		_ = s.send(CloseMessage{Cause: CloseNoValidDat, Message: "no dat presented"})
		s.fail(e, wrapErr(CategoryDaps, ErrMissingDat, nil), true)
		return
	}
	remaining, ok, err := s.daps.VerifyToken(ev.DatToken)
	if err != nil || !ok {
		_ = s.send(CloseMessage{Cause: CloseNoValidDat, Message: "dat verification failed"})
		s.fail(e, wrapErr(CategoryDaps, ErrInvalidDat, err), true)
		return
	}
	s.handshakeTimer.Cancel()
	if err := s.verifier.Restart(); err != nil {
		s.logger.Warn("verifier restart on peer dat failed", F("err", err))
	}
	s.verifierTimer.Start(s.cfg.Attestation.RatTimeout)
	s.datTimer.Start(remaining)
	s.metrics.RecordDatRefresh()
}

func (s *Session) actionReRat(e *fsm.Event) {
	if err := s.prover.Restart(); err != nil {
		s.logger.Warn("prover restart on rerat failed", F("err", err))
	}
	s.proverTimer.Start(s.cfg.Attestation.RatTimeout)
}

func (s *Session) actionRepeatRatOrTimeout(e *fsm.Event) {
	if e.Src == WaitForAck.String() {
		s.ackTimer.Cancel()
	}
	_ = s.send(ReRatMessage{Cause: "repeat_rat"})
	if err := s.verifier.Restart(); err != nil {
		s.logger.Warn("verifier restart on repeat_rat failed", F("err", err))
	}
	s.verifierTimer.Start(s.cfg.Attestation.RatTimeout)
	s.ratTimer.Cancel()
}

func (s *Session) actionDataRequest(e *fsm.Event) {
	ev := payloadOf(e)
	bit := s.nextSend.Value()
	_ = s.send(DataMessage{Payload: ev.Payload, AlternatingBit: bit})
	s.ackFlag = ActiveAckFlag(ev.Payload)
	s.ackTimer.Start(s.cfg.AckTimeout)
}

// actionDataMessage delivers payloads whose alternating bit matches
// what is expected, advancing the receive bit and acking. On a bit
// mismatch it re-emits Ack(1 XOR expected_recv) instead of silently
// dropping, so a sender that lost its previous Ack can still make
// progress.
func (s *Session) actionDataMessage(e *fsm.Event) {
	ev := payloadOf(e)
	if ev.Bit == s.expectedRecv.Value() {
		_ = s.send(AckMessage{AlternatingBit: ev.Bit})
		s.expectedRecv = s.expectedRecv.Flip()
		s.deliverData(ev.Payload)
		return
	}
	_ = s.send(AckMessage{AlternatingBit: !s.expectedRecv.Value()})
}

func (s *Session) actionAck(e *fsm.Event) {
	s.ackFlag = InactiveAckFlag
	s.ackTimer.Cancel()
	s.nextSend = s.nextSend.Flip()
}

func (s *Session) actionAckTimeout(e *fsm.Event) {
	s.metrics.RecordAckRetransmit()
	_ = s.send(DataMessage{Payload: s.ackFlag.Payload(), AlternatingBit: s.nextSend.Value()})
	s.ackTimer.Start(s.cfg.AckTimeout)
}

func (s *Session) actionStop(e *fsm.Event) {
	_ = s.send(CloseMessage{Cause: CloseUserShutdown, Message: "session stopped locally"})
}

func (s *Session) actionPeerTeardown(e *fsm.Event) {
	// Peer already told us (Close) or the channel is already broken
	// (secure-channel error): nothing to send, ProcessEvent's shared
	// landClosedLocked tail runs cleanup/notify/publish.
}

func (s *Session) sendFreshDat() {
	var dat []byte
	if s.daps != nil {
		dat, _ = s.daps.GetToken()
	}
	_ = s.send(DatMessage{Token: dat})
}
