// internal/protocol/command.go
package protocol

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotEncodable is returned for kinds that have no wire encoding
	ErrNotEncodable = errors.New("protocol: command has no wire encoding")
	// ErrInvalidValue is returned when a set value cannot be sent to the device
	ErrInvalidValue = errors.New("protocol: invalid set value")
	// ErrStopped is returned after Stop
	ErrStopped = errors.New("protocol: engine stopped")
	// ErrUnrecognizedDevice is the reason given to the link when the identity check fails
	ErrUnrecognizedDevice = errors.New("protocol: unrecognized device identity")
)

// Kind identifies a request the engine can issue
type Kind int

const (
	KindNone Kind = iota
	KindIdentity
	KindStatus
	KindVoltageSetQuery
	KindVoltageSet
	KindVoltageOutQuery
	KindCurrentSetQuery
	KindCurrentSet
	KindCurrentOutQuery
	KindOutputOff
	KindOutputOn
	KindOVPOff
	KindOVPOn
	KindOCPOff
	KindOCPOn
	KindRecall
	KindSave
	KindTrack
)

// answerUnknown marks a query whose answer is complete when its deadline fires
const answerUnknown = 0

type command struct {
	name      string
	wire      string
	query     bool
	answerLen int
	encodable bool
}

var commands = map[Kind]command{
	KindIdentity:        {name: "IDN", wire: "*IDN?", query: true, answerLen: answerUnknown, encodable: true},
	KindStatus:          {name: "STATUSQ", wire: "STATUS?", query: true, answerLen: 1, encodable: true},
	KindVoltageSetQuery: {name: "VSET1Q", wire: "VSET1?", query: true, answerLen: 5, encodable: true},
	KindVoltageSet:      {name: "VSET1", wire: "VSET1:", encodable: true},
	KindVoltageOutQuery: {name: "VOUT1Q", wire: "VOUT1?", query: true, answerLen: 5, encodable: true},
	KindCurrentSetQuery: {name: "ISET1Q", wire: "ISET1?", query: true, answerLen: 5, encodable: true},
	KindCurrentSet:      {name: "ISET1"},
	KindCurrentOutQuery: {name: "IOUT1Q", wire: "IOUT1?", query: true, answerLen: 5, encodable: true},
	KindOutputOff:       {name: "OUT0"},
	KindOutputOn:        {name: "OUT1"},
	KindOVPOff:          {name: "OVP0"},
	KindOVPOn:           {name: "OVP1"},
	KindOCPOff:          {name: "OCP0"},
	KindOCPOn:           {name: "OCP1"},
	KindRecall:          {name: "RCL1"},
	KindSave:            {name: "SAV1"},
	KindTrack:           {name: "TRACK0"},
}

// String returns the command mnemonic
func (k Kind) String() string {
	if c, ok := commands[k]; ok {
		return c.name
	}
	if k == KindNone {
		return "NONE"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText lets kinds appear by name in JSON payloads
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// IsQuery reports whether the device answers this kind
func (k Kind) IsQuery() bool {
	return commands[k].query
}

// AnswerLen returns the expected answer length; 0 means unknown or no answer
func (k Kind) AnswerLen() int {
	return commands[k].answerLen
}

// Encodable reports whether the kind can be put on the wire
func (k Kind) Encodable() bool {
	return commands[k].encodable
}

// Kinds returns every declared kind except KindNone
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(commands))
	for k := KindIdentity; k <= KindTrack; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Encode returns the wire bytes for kind. value is only used by set commands and
// is always rendered with two fractional digits and a dot separator.
func Encode(kind Kind, value decimal.Decimal) ([]byte, error) {
	c, ok := commands[kind]
	if !ok || !c.encodable {
		return nil, fmt.Errorf("%s: %w", kind, ErrNotEncodable)
	}
	if c.query {
		return []byte(c.wire), nil
	}
	if value.IsNegative() {
		return nil, fmt.Errorf("%s %s: %w", kind, value, ErrInvalidValue)
	}
	return []byte(c.wire + value.StringFixed(2)), nil
}
