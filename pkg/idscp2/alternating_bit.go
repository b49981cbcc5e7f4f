package idscp2

// AlternatingBit is a single-bit sequence number used by the
// stop-and-wait ARQ sublayer. Both the send and receive bits a Session
// holds start at false and only ever change via Flip, called exactly
// once per valid Ack/Data by the transition table — never directly by
// the bit's holder.
type AlternatingBit struct {
	value bool
}

// Value reports the current bit.
func (b AlternatingBit) Value() bool { return b.value }

// Flip returns the bit with its value inverted.
func (b AlternatingBit) Flip() AlternatingBit {
	return AlternatingBit{value: !b.value}
}

// AckFlag tracks whether an application message is outstanding,
// awaiting acknowledgement. The zero value is Inactive.
type AckFlag struct {
	active  bool
	payload []byte
}

// InactiveAckFlag is the zero AckFlag, exported for readability at call
// sites that reset it.
var InactiveAckFlag = AckFlag{}

// ActiveAckFlag constructs an Active(payload) flag.
func ActiveAckFlag(payload []byte) AckFlag {
	return AckFlag{active: true, payload: payload}
}

// Active reports whether a message is pending acknowledgement.
func (f AckFlag) Active() bool { return f.active }

// Payload returns the pending message bytes. Only meaningful when
// Active() is true.
func (f AckFlag) Payload() []byte { return f.payload }
