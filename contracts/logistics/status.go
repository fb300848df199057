package logistics

import (
	"errors"
	"fmt"
	"strings"
)

// Status mirrors the on-chain ContractStatus enum.
type Status uint8

const (
	StatusInitiated Status = iota
	StatusAgentAssigned
	StatusPickedUp
	StatusDelivered
	StatusFailed
)

// ErrUnknownStatus is returned for ordinals outside the enum.
var ErrUnknownStatus = errors.New("logistics: unknown contract status")

var statusNames = [...]string{
	StatusInitiated:     "INITIATED",
	StatusAgentAssigned: "AGENT_ASSIGNED",
	StatusPickedUp:      "PICKED_UP",
	StatusDelivered:     "DELIVERED",
	StatusFailed:        "FAILED",
}

// Valid reports whether the status is one of the enum members.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
	return statusNames[s]
}

// Terminal reports whether no further transition can follow.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Precedes reports whether s comes strictly before other on the forward path.
// FAILED is off the path and never precedes or follows anything.
func (s Status) Precedes(other Status) bool {
	if s == StatusFailed || other == StatusFailed {
		return false
	}
	return s < other
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus accepts the enum name in any case.
func ParseStatus(raw string) (Status, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	for i, name := range statusNames {
		if name == normalized {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}
