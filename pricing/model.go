// Package pricing implements the bonding curves that price scarce token
// supply, together with their discrete cost sums and inverses.
//
// All amounts are integers in the smallest unit. Unit prices round up, so
// every unit costs at least 1.
package pricing

import (
	"fmt"
	"strings"
)

// Model identifies a pricing curve.
type Model uint8

const (
	// SqrtDecay prices a unit at ceil(base / sqrt(remaining+1)).
	SqrtDecay Model = iota + 1
	// InverseLinear prices a unit at ceil(base / (remaining+1)).
	InverseLinear
	// Flat prices every unit at base.
	Flat
)

// MaxBasePrice bounds the base price so that base² fits in 64 bits.
const MaxBasePrice = uint64(1) << 31

var modelNames = map[Model]string{
	SqrtDecay:     "sqrt_decay",
	InverseLinear: "inverse_linear",
	Flat:          "flat",
}

// String returns the canonical tag of the model.
func (m Model) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return fmt.Sprintf("model(%d)", uint8(m))
}

// Valid reports whether m is one of the supported curves.
func (m Model) Valid() bool {
	_, ok := modelNames[m]
	return ok
}

// ParseModel parses a model tag such as "sqrt_decay".
func ParseModel(s string) (Model, error) {
	tag := strings.ToLower(strings.TrimSpace(s))
	tag = strings.ReplaceAll(tag, "-", "_")
	for m, name := range modelNames {
		if name == tag {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownModel, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Model) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownModel, uint8(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Model) UnmarshalText(text []byte) error {
	parsed, err := ParseModel(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
