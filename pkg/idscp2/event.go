package idscp2

// EventKind discriminates the Event union.
type EventKind int

const (
	// Upper-layer commands.
	EventStartHandshake EventKind = iota
	EventStop
	EventRepeatRat
	EventDataRequest // upper-layer "send this application payload"

	// Decoded peer messages.
	EventHello
	EventClose
	EventDat
	EventDatExpired
	EventRatProver
	EventRatVerifier
	EventReRat
	EventDataMessage // peer Data message
	EventAck
	EventSecureChannelError

	// RAT worker output.
	EventFromProver
	EventFromVerifier

	// Timer expiry.
	EventHandshakeTimeout
	EventDatTimeout
	EventRatTimeout
	EventAckTimeout
	EventProverTimeout
	EventVerifierTimeout
)

var eventNames = map[EventKind]string{
	EventStartHandshake:     "StartHandshake",
	EventStop:               "Stop",
	EventRepeatRat:          "RepeatRat",
	EventDataRequest:        "DataRequest",
	EventHello:              "Hello",
	EventClose:              "Close",
	EventDat:                "Dat",
	EventDatExpired:         "DatExpired",
	EventRatProver:          "RatProver",
	EventRatVerifier:        "RatVerifier",
	EventReRat:              "ReRat",
	EventDataMessage:        "Data",
	EventAck:                "Ack",
	EventSecureChannelError: "SecureChannelError",
	EventFromProver:         "FromProver",
	EventFromVerifier:       "FromVerifier",
	EventHandshakeTimeout:   "HandshakeTimeout",
	EventDatTimeout:         "DatTimeout",
	EventRatTimeout:         "RatTimeout",
	EventAckTimeout:         "AckTimeout",
	EventProverTimeout:      "ProverTimeout",
	EventVerifierTimeout:    "VerifierTimeout",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "Unknown"
}

// RatOutcome is the control token carried by FromProver/FromVerifier
// events, or zero-value RatOutcomeNone when the event instead carries
// raw worker bytes.
type RatOutcome int

const (
	RatOutcomeNone RatOutcome = iota
	RatOutcomeOK
	RatOutcomeFailed
)

// Event is the tagged union consumed by Session.ProcessEvent. Only the
// fields relevant to Kind are populated; it is the job of the
// transition table to read the right ones.
type Event struct {
	Kind EventKind

	// EventDataRequest, EventDataMessage
	Payload []byte

	// EventDataMessage, EventAck
	Bit bool

	// EventHello
	Dat                []byte
	ExpectedRatSuite   []string
	SupportedRatSuite  []string

	// EventClose
	CloseCause CloseCause
	Message    string

	// EventDat
	DatToken []byte

	// EventRatProver, EventRatVerifier: raw bytes forwarded between peers
	RatData []byte

	// EventReRat
	ReRatCause string

	// EventFromProver, EventFromVerifier
	Outcome  RatOutcome
	RawBytes []byte
}
