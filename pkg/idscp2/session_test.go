package idscp2

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingObserver is a ConnectionObserver test double that records
// delivered payloads and whether OnClose fired, funneling async
// callbacks into a structure the test goroutine can inspect.
type recordingObserver struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (o *recordingObserver) OnMessage(payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, payload)
}

func (o *recordingObserver) OnClose() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}

func (o *recordingObserver) messageCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

func (o *recordingObserver) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// waitForState polls s.State() until it matches want or the timeout
// elapses, then asserts. A poll loop instead of a single fixed sleep
// since the fired timer's exact latency isn't something a test should
// hardcode.
func waitForState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, want, s.State())
}

func nullRatConfig(channel SecureChannel, daps DapsDriver) SessionConfig {
	registry := RatRegistry{"NullRat": NullRatDriver{}}
	return SessionConfig{
		Attestation: AttestationConfig{
			ExpectedAttestationSuite:  []string{"NullRat"},
			SupportedAttestationSuite: []string{"NullRat"},
			RatTimeout:                200 * time.Millisecond,
		},
		Daps:             daps,
		ProverRegistry:   registry,
		VerifierRegistry: registry,
		Channel:          channel,
		Codec:            JSONCodec{},
		AckTimeout:       200 * time.Millisecond,
	}
}

func TestHappyHandshakeReachesEstablished(t *testing.T) {
	chanA, chanB := NewLoopbackPair([]byte("cert-a"), []byte("cert-b"))
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)

	alice := NewSession(nullRatConfig(chanA, daps))
	bob := NewSession(nullRatConfig(chanB, daps))
	alice.DeclineObserver()
	bob.DeclineObserver()

	resultA := make(chan HandshakeResult, 1)
	resultB := make(chan HandshakeResult, 1)
	go func() { resultA <- alice.WaitHandshakeResult() }()
	go func() { resultB <- bob.WaitHandshakeResult() }()

	require.NoError(t, alice.ProcessEvent(Event{Kind: EventStartHandshake}))
	require.NoError(t, bob.ProcessEvent(Event{Kind: EventStartHandshake}))

	select {
	case r := <-resultA:
		assert.Equal(t, HandshakeSuccessful, r)
	case <-time.After(2 * time.Second):
		t.Fatal("alice handshake result never published")
	}
	select {
	case r := <-resultB:
		assert.Equal(t, HandshakeSuccessful, r)
	case <-time.After(2 * time.Second):
		t.Fatal("bob handshake result never published")
	}

	assert.Equal(t, Established, alice.State())
	assert.Equal(t, Established, bob.State())
}

func TestHandshakeTimeoutPublishesFailureWithoutNotifyingObserver(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	cfg := nullRatConfig(chanA, daps)
	cfg.Attestation.RatTimeout = 20 * time.Millisecond

	s := NewSession(cfg)
	observer := &recordingObserver{}
	s.BindObserver(observer)

	resultCh := make(chan HandshakeResult, 1)
	go func() { resultCh <- s.WaitHandshakeResult() }()

	require.NoError(t, s.ProcessEvent(Event{Kind: EventStartHandshake}))

	select {
	case r := <-resultCh:
		assert.Equal(t, HandshakeFailed, r)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake timeout never fired")
	}

	assert.Equal(t, ClosedLocked, s.State())
	// No handshake result had been published yet when cleanup ran the
	// close notification, so the observer must not have seen OnClose.
	assert.False(t, observer.isClosed())
}

func TestClosedLockedIsAbsorbing(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	cfg := nullRatConfig(chanA, daps)
	cfg.Attestation.RatTimeout = 20 * time.Millisecond

	s := NewSession(cfg)
	s.DeclineObserver()
	require.NoError(t, s.ProcessEvent(Event{Kind: EventStartHandshake}))
	waitForState(t, s, ClosedLocked, 2*time.Second)

	err := s.ProcessEvent(Event{Kind: EventDataRequest, Payload: []byte("too late")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFsmLocked)
	assert.Equal(t, ClosedLocked, s.State())
}

func TestMechanismMismatchClosesWithError(t *testing.T) {
	chanA, peer := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	cfg := nullRatConfig(chanA, daps)
	cfg.Attestation.ExpectedAttestationSuite = []string{"AliceOnly"}
	cfg.Attestation.SupportedAttestationSuite = []string{"AliceOnly"}

	s := NewSession(cfg)
	s.DeclineObserver()

	require.NoError(t, s.ProcessEvent(Event{Kind: EventStartHandshake}))
	_, err := peer.Recv() // our own Hello, irrelevant to this test
	require.NoError(t, err)

	err = s.ProcessEvent(Event{
		Kind:              EventHello,
		Dat:               []byte("dat-token"),
		ExpectedRatSuite:  []string{"BobOnly"},
		SupportedRatSuite: []string{"BobOnly"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRatMechanismMatch)
	assert.Equal(t, ClosedLocked, s.State())

	raw, err := peer.Recv()
	require.NoError(t, err)
	msg, err := (JSONCodec{}).Decode(raw)
	require.NoError(t, err)
	closeMsg, ok := msg.(CloseMessage)
	require.True(t, ok, "expected a CloseMessage, got %T", msg)
	assert.Equal(t, CloseError, closeMsg.Cause)
}

func TestMissingDatClosesSession(t *testing.T) {
	chanA, peer := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	s := NewSession(nullRatConfig(chanA, daps))
	s.DeclineObserver()

	require.NoError(t, s.ProcessEvent(Event{Kind: EventStartHandshake}))
	_, _ = peer.Recv()

	err := s.ProcessEvent(Event{Kind: EventHello})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingDat)
	assert.Equal(t, ClosedLocked, s.State())
}

func forceState(s *Session, st State) {
	s.mu.Lock()
	s.currentState = st
	s.fsm.SetState(st.String())
	s.mu.Unlock()
}

func TestDataRequestWouldBlockWhileAckPending(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	s := NewSession(nullRatConfig(chanA, daps))
	s.DeclineObserver()
	forceState(s, WaitForAck)

	err := s.ProcessEvent(Event{Kind: EventDataRequest, Payload: []byte("x")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, WaitForAck, s.State())
}

func TestDataRequestNotConnectedOutsideEstablished(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	s := NewSession(nullRatConfig(chanA, daps))
	s.DeclineObserver()
	forceState(s, WaitForRat)

	err := s.ProcessEvent(Event{Kind: EventDataRequest, Payload: []byte("x")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, WaitForRat, s.State())
}

func TestAckRetransmitsOnTimeout(t *testing.T) {
	chanA, peer := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	cfg := nullRatConfig(chanA, daps)
	cfg.AckTimeout = 20 * time.Millisecond
	s := NewSession(cfg)
	s.DeclineObserver()
	forceState(s, Established)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventDataRequest, Payload: []byte("hello")}))
	assert.Equal(t, WaitForAck, s.State())
	assert.True(t, s.ackFlag.Active())

	first, err := peer.Recv()
	require.NoError(t, err)
	msg1, err := (JSONCodec{}).Decode(first)
	require.NoError(t, err)
	data1, ok := msg1.(DataMessage)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), data1.Payload)
	assert.False(t, data1.AlternatingBit)

	second, err := peer.Recv()
	require.NoError(t, err)
	msg2, err := (JSONCodec{}).Decode(second)
	require.NoError(t, err)
	data2, ok := msg2.(DataMessage)
	require.True(t, ok)
	assert.Equal(t, data1.Payload, data2.Payload)
	assert.Equal(t, data1.AlternatingBit, data2.AlternatingBit)
	assert.Equal(t, WaitForAck, s.State())
}

func TestInvalidAckBitIsRejectedWithoutStateChange(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	cfg := nullRatConfig(chanA, daps)
	cfg.AckTimeout = time.Second
	s := NewSession(cfg)
	s.DeclineObserver()
	forceState(s, Established)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventDataRequest, Payload: []byte("hello")}))
	require.Equal(t, WaitForAck, s.State())

	err := s.ProcessEvent(Event{Kind: EventAck, Bit: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAck)
	assert.Equal(t, WaitForAck, s.State())
	assert.True(t, s.ackFlag.Active())

	require.NoError(t, s.ProcessEvent(Event{Kind: EventAck, Bit: false}))
	assert.Equal(t, Established, s.State())
	assert.False(t, s.ackFlag.Active())
}

func TestAckTimeoutWithoutPendingDataIsRejected(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	s := NewSession(nullRatConfig(chanA, daps))
	s.DeclineObserver()
	forceState(s, WaitForAck)

	err := s.ProcessEvent(Event{Kind: EventAckTimeout})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdscpDataNotCached)
	assert.Equal(t, WaitForAck, s.State())
}

func TestDataMessageWithWrongBitIsNotDelivered(t *testing.T) {
	chanA, peer := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	s := NewSession(nullRatConfig(chanA, daps))
	observer := &recordingObserver{}
	s.BindObserver(observer)
	forceState(s, Established)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventDataMessage, Bit: true, Payload: []byte("unexpected")}))

	assert.Equal(t, 0, observer.messageCount())
	assert.False(t, s.expectedRecv.Value())
	assert.Equal(t, Established, s.State())

	raw, err := peer.Recv()
	require.NoError(t, err)
	msg, err := (JSONCodec{}).Decode(raw)
	require.NoError(t, err)
	ack, ok := msg.(AckMessage)
	require.True(t, ok, "expected the mismatch to re-emit an Ack, got %T", msg)
	assert.True(t, ack.AlternatingBit)
}

func TestDataMessageWithExpectedBitIsDelivered(t *testing.T) {
	chanA, peer := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	s := NewSession(nullRatConfig(chanA, daps))
	observer := &recordingObserver{}
	s.BindObserver(observer)
	forceState(s, Established)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventDataMessage, Bit: false, Payload: []byte("hi")}))

	require.Equal(t, 1, observer.messageCount())
	assert.True(t, s.expectedRecv.Value())

	raw, err := peer.Recv()
	require.NoError(t, err)
	msg, err := (JSONCodec{}).Decode(raw)
	require.NoError(t, err)
	ack, ok := msg.(AckMessage)
	require.True(t, ok)
	assert.False(t, ack.AlternatingBit)
}

func TestDatRefreshMidSession(t *testing.T) {
	chanA, peer := NewLoopbackPair(nil, nil)
	token := []byte("dat-v2")
	daps := NewStaticDapsDriver(token, time.Minute)
	s := NewSession(nullRatConfig(chanA, daps))
	s.DeclineObserver()
	forceState(s, Established)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventDatTimeout}))
	assert.Equal(t, WaitForDatAndRatVerifier, s.State())

	raw, err := peer.Recv()
	require.NoError(t, err)
	msg, err := (JSONCodec{}).Decode(raw)
	require.NoError(t, err)
	_, ok := msg.(DatExpiredMessage)
	require.True(t, ok, "expected DatExpired, got %T", msg)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventDat, DatToken: token}))
	assert.Equal(t, WaitForRatVerifier, s.State())

	require.NoError(t, s.ProcessEvent(Event{Kind: EventFromVerifier, Outcome: RatOutcomeOK}))
	assert.Equal(t, Established, s.State())
}

func TestHandshakeTimerCancelledOnDatRefresh(t *testing.T) {
	chanA, peer := NewLoopbackPair(nil, nil)
	token := []byte("dat-v2")
	daps := NewStaticDapsDriver(token, time.Minute)
	cfg := nullRatConfig(chanA, daps)
	cfg.Attestation.RatTimeout = 30 * time.Millisecond
	s := NewSession(cfg)
	s.DeclineObserver()
	forceState(s, Established)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventDatTimeout}))
	require.Equal(t, WaitForDatAndRatVerifier, s.State())
	_, _ = peer.Recv()

	require.NoError(t, s.ProcessEvent(Event{Kind: EventDat, DatToken: token}))
	require.Equal(t, WaitForRatVerifier, s.State())

	// dat_timeout armed the handshake timer on entry to
	// WaitForDatAndRatVerifier; peer_dat must have cancelled it, so
	// waiting past RatTimeout here must NOT drive the session to
	// Closed(Locked).
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, WaitForRatVerifier, s.State())
}

func TestVerifierOKStartsRatTimerFromWaitForRat(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	cfg := nullRatConfig(chanA, daps)
	cfg.Attestation.RatTimeout = 20 * time.Millisecond
	s := NewSession(cfg)
	s.DeclineObserver()
	forceState(s, WaitForRat)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventFromVerifier, Outcome: RatOutcomeOK}))
	assert.Equal(t, WaitForRatProver, s.State())

	// The rat timer armed by verifier_ok on this path should fire and
	// move the session back to WaitForRat via rat_timeout, proving it
	// was started here and not only on the WaitForRatVerifier path.
	waitForState(t, s, WaitForRat, 500*time.Millisecond)
}

func TestProverTimeoutClosesSessionWithTimeoutCause(t *testing.T) {
	chanA, peer := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	s := NewSession(nullRatConfig(chanA, daps))
	s.DeclineObserver()
	forceState(s, WaitForRat)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventProverTimeout}))
	assert.Equal(t, ClosedLocked, s.State())

	raw, err := peer.Recv()
	require.NoError(t, err)
	msg, err := (JSONCodec{}).Decode(raw)
	require.NoError(t, err)
	closeMsg, ok := msg.(CloseMessage)
	require.True(t, ok, "expected a CloseMessage, got %T", msg)
	assert.Equal(t, CloseTimeout, closeMsg.Cause)
}

func TestVerifierTimeoutClosesSessionWithTimeoutCause(t *testing.T) {
	chanA, peer := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	s := NewSession(nullRatConfig(chanA, daps))
	s.DeclineObserver()
	forceState(s, WaitForRatVerifier)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventVerifierTimeout}))
	assert.Equal(t, ClosedLocked, s.State())

	raw, err := peer.Recv()
	require.NoError(t, err)
	msg, err := (JSONCodec{}).Decode(raw)
	require.NoError(t, err)
	closeMsg, ok := msg.(CloseMessage)
	require.True(t, ok, "expected a CloseMessage, got %T", msg)
	assert.Equal(t, CloseTimeout, closeMsg.Cause)
}

func TestPeerDatArmsVerifierTimerFromWaitForDatAndRatVerifier(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	token := []byte("dat-v2")
	daps := NewStaticDapsDriver(token, time.Minute)
	cfg := nullRatConfig(chanA, daps)
	cfg.Attestation.RatTimeout = 20 * time.Millisecond
	s := NewSession(cfg)
	s.DeclineObserver()
	forceState(s, WaitForDatAndRatVerifier)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventDat, DatToken: token}))
	require.Equal(t, WaitForRatVerifier, s.State())

	// peer_dat must arm verifierTimer unconditionally; if it didn't, this
	// session would wedge in WaitForRatVerifier forever.
	waitForState(t, s, ClosedLocked, 500*time.Millisecond)
}

func TestPeerDatArmsDatTimerFromWaitForDatAndRatVerifier(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	token := []byte("dat-v2")
	daps := NewStaticDapsDriver(token, 20*time.Millisecond)
	cfg := nullRatConfig(chanA, daps)
	cfg.Attestation.RatTimeout = 2 * time.Second
	s := NewSession(cfg)
	s.DeclineObserver()
	forceState(s, WaitForDatAndRatVerifier)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventDat, DatToken: token}))
	require.Equal(t, WaitForRatVerifier, s.State())

	// peer_dat must restart datTimer unconditionally (previously gated
	// to the WaitForDatAndRat source only), so the freshly issued DAT's
	// remaining validity still drives a dat_timeout here too.
	waitForState(t, s, WaitForDatAndRatVerifier, 500*time.Millisecond)
}

func TestReRatArmsProverTimerFromEstablished(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	cfg := nullRatConfig(chanA, daps)
	cfg.Attestation.RatTimeout = 20 * time.Millisecond
	s := NewSession(cfg)
	s.DeclineObserver()
	forceState(s, Established)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventReRat, ReRatCause: "peer requested"}))
	require.Equal(t, WaitForRatProver, s.State())

	waitForState(t, s, ClosedLocked, 500*time.Millisecond)
}

func TestRepeatRatArmsVerifierTimerFromEstablished(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	cfg := nullRatConfig(chanA, daps)
	cfg.Attestation.RatTimeout = 20 * time.Millisecond
	s := NewSession(cfg)
	s.DeclineObserver()
	forceState(s, Established)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventRepeatRat}))
	require.Equal(t, WaitForRatVerifier, s.State())

	waitForState(t, s, ClosedLocked, 500*time.Millisecond)
}

func TestDatExpiredArmsProverTimerFromEstablished(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	cfg := nullRatConfig(chanA, daps)
	cfg.Attestation.RatTimeout = 20 * time.Millisecond
	s := NewSession(cfg)
	s.DeclineObserver()
	forceState(s, Established)

	require.NoError(t, s.ProcessEvent(Event{Kind: EventDatExpired}))
	require.Equal(t, WaitForRatProver, s.State())

	waitForState(t, s, ClosedLocked, 500*time.Millisecond)
}

func TestStopSendsCloseAndSuppressesObserverNotification(t *testing.T) {
	chanA, peer := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	s := NewSession(nullRatConfig(chanA, daps))
	observer := &recordingObserver{}
	s.BindObserver(observer)
	forceState(s, Established)
	require.True(t, s.handshake.publish(HandshakeSuccessful))

	require.NoError(t, s.ProcessEvent(Event{Kind: EventStop}))
	assert.Equal(t, ClosedLocked, s.State())
	assert.False(t, observer.isClosed(), "Stop is locally initiated, the observer should not be told OnClose")

	raw, err := peer.Recv()
	require.NoError(t, err)
	msg, err := (JSONCodec{}).Decode(raw)
	require.NoError(t, err)
	closeMsg, ok := msg.(CloseMessage)
	require.True(t, ok)
	assert.Equal(t, CloseUserShutdown, closeMsg.Cause)
}

func TestPeerCloseNotifiesObserver(t *testing.T) {
	chanA, _ := NewLoopbackPair(nil, nil)
	daps := NewStaticDapsDriver([]byte("dat-token"), time.Minute)
	s := NewSession(nullRatConfig(chanA, daps))
	observer := &recordingObserver{}
	s.BindObserver(observer)
	forceState(s, Established)
	require.True(t, s.handshake.publish(HandshakeSuccessful))

	require.NoError(t, s.ProcessEvent(Event{Kind: EventClose, CloseCause: CloseUserShutdown, Message: "peer done"}))
	assert.Equal(t, ClosedLocked, s.State())
	assert.True(t, observer.isClosed())
}
