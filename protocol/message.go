package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the tag of a wire message.
type Type string

const (
	TypeStartDecision Type = "startDecision"
	TypeDiceResult    Type = "diceResult"
)

// Lowest and highest value of a die face.
const (
	MinDiceValue = 1
	MaxDiceValue = 6
)

var (
	ErrMalformed       = errors.New("malformed message")
	ErrValueOutOfRange = fmt.Errorf("dice value must be between %d and %d", MinDiceValue, MaxDiceValue)
	errMissingFromPeer = errors.New("diceResult without fromPeer")
	errUnexpectedData  = errors.New("startDecision carries data")
)

// Message is the tagged union carried by the transport. Only one of its
// payload fields is meaningful, selected by Type.
type Message struct {
	Type Type
	Dice DiceResult
}

// DiceResult is the vote of a single device.
type DiceResult struct {
	Value    int    `json:"value"`
	FromPeer string `json:"fromPeer"`
}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StartDecision builds the message that opens a round.
func StartDecision() Message {
	return Message{Type: TypeStartDecision}
}

// NewDiceResult builds a vote message, validating the value.
func NewDiceResult(value int, fromPeer string) (Message, error) {
	d := DiceResult{Value: value, FromPeer: fromPeer}
	if err := d.validate(); err != nil {
		return Message{}, err
	}
	return Message{Type: TypeDiceResult, Dice: d}, nil
}

// ValidDiceValue reports whether v is a face of a six-sided die.
func ValidDiceValue(v int) bool {
	return v >= MinDiceValue && v <= MaxDiceValue
}

func (d DiceResult) validate() error {
	if !ValidDiceValue(d.Value) {
		return ErrValueOutOfRange
	}
	if d.FromPeer == "" {
		return errMissingFromPeer
	}
	return nil
}

// Encode serializes m into the payload handed to the transport.
func Encode(m Message) ([]byte, error) {
	switch m.Type {
	case TypeStartDecision:
		return json.Marshal(envelope{Type: m.Type, Data: json.RawMessage("null")})
	case TypeDiceResult:
		if err := m.Dice.validate(); err != nil {
			return nil, err
		}
		data, err := json.Marshal(m.Dice)
		if err != nil {
			return nil, err
		}
		return json.Marshal(envelope{Type: m.Type, Data: data})
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
}

// Decode parses a payload received from the transport. Every failure wraps
// ErrMalformed.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	data, err := unwrapData(env.Data)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeStartDecision:
		if data != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, errUnexpectedData)
		}
		return StartDecision(), nil
	case TypeDiceResult:
		if data == nil {
			return Message{}, fmt.Errorf("%w: diceResult without data", ErrMalformed)
		}
		var d DiceResult
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&d); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := d.validate(); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Message{Type: TypeDiceResult, Dice: d}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}

// unwrapData returns the JSON object carried by data, or nil when data is
// absent or null. Older mobile clients send the object base64-encoded inside
// a JSON string; both forms are accepted.
func unwrapData(data json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
