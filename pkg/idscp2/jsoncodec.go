package idscp2

import (
	"encoding/json"
	"fmt"
)

// JSONCodec is a reference Codec implementation used by tests and as
// the default when SessionConfig.Codec is nil. The real IDSCP2 wire
// format is an external schema this package does not define; JSONCodec
// gives the message union defined here one concrete, round-trippable
// encoding to exercise end to end.
type JSONCodec struct{}

type wireEnvelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

func (JSONCodec) Encode(msg Message) ([]byte, error) {
	var typ string
	switch msg.(type) {
	case HelloMessage:
		typ = "hello"
	case CloseMessage:
		typ = "close"
	case DatMessage:
		typ = "dat"
	case DatExpiredMessage:
		typ = "dat_expired"
	case RatProverMessage:
		typ = "rat_prover"
	case RatVerifierMessage:
		typ = "rat_verifier"
	case ReRatMessage:
		typ = "rerat"
	case DataMessage:
		typ = "data"
	case AckMessage:
		typ = "ack"
	default:
		return nil, fmt.Errorf("jsoncodec: unknown message type %T", msg)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Type: typ, Body: body})
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case "hello":
		var m HelloMessage
		return m, json.Unmarshal(env.Body, &m)
	case "close":
		var m CloseMessage
		return m, json.Unmarshal(env.Body, &m)
	case "dat":
		var m DatMessage
		return m, json.Unmarshal(env.Body, &m)
	case "dat_expired":
		return DatExpiredMessage{}, nil
	case "rat_prover":
		var m RatProverMessage
		return m, json.Unmarshal(env.Body, &m)
	case "rat_verifier":
		var m RatVerifierMessage
		return m, json.Unmarshal(env.Body, &m)
	case "rerat":
		var m ReRatMessage
		return m, json.Unmarshal(env.Body, &m)
	case "data":
		var m DataMessage
		return m, json.Unmarshal(env.Body, &m)
	case "ack":
		var m AckMessage
		return m, json.Unmarshal(env.Body, &m)
	default:
		return nil, fmt.Errorf("jsoncodec: unknown wire type %q", env.Type)
	}
}
