package idscp2

// State is the nine-valued FSM state tag of a Session.
//
// ClosedLocked is absorbing: once reached, every subsequent event
// returns ErrFsmLocked and the state never changes again.
type State int

const (
	// ClosedUnlocked is the initial state before StartHandshake.
	ClosedUnlocked State = iota

	// ClosedLocked is the terminal state. No transitions leave it.
	ClosedLocked

	// WaitForHello is entered after StartHandshake, waiting for the
	// peer's Hello message.
	WaitForHello

	// WaitForRat is the steady attestation state: both prover and
	// verifier workers are running.
	WaitForRat

	// WaitForRatProver is entered once the local verifier has
	// confirmed the peer (VerifierOK); waiting on the local prover.
	WaitForRatProver

	// WaitForRatVerifier is entered once the local prover has
	// satisfied the peer (ProverOK); waiting on the local verifier.
	WaitForRatVerifier

	// WaitForDatAndRat is entered when the peer's DAT expired while the
	// local prover was still in flight; the local verifier is stopped
	// until the peer sends a fresh DAT.
	WaitForDatAndRat

	// WaitForDatAndRatVerifier is entered when the peer's DAT expired
	// after the local prover had already finished.
	WaitForDatAndRatVerifier

	// WaitForAck is entered after sending an application Data message,
	// until the matching Ack arrives or is retransmitted for.
	WaitForAck

	// Established is the steady data-exchange state: attestation is
	// current, DAT is valid, and no ack is outstanding.
	Established
)

var stateNames = [...]string{
	ClosedUnlocked:           "Closed(Unlocked)",
	ClosedLocked:             "Closed(Locked)",
	WaitForHello:             "WaitForHello",
	WaitForRat:               "WaitForRat",
	WaitForRatProver:         "WaitForRatProver",
	WaitForRatVerifier:       "WaitForRatVerifier",
	WaitForDatAndRat:         "WaitForDatAndRat",
	WaitForDatAndRatVerifier: "WaitForDatAndRatVerifier",
	WaitForAck:               "WaitForAck",
	Established:              "Established",
}

// String implements fmt.Stringer for logging and the FSM library's
// state-name keys.
func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}
