package flowcache

import (
	"fmt"
	"strings"
	"time"
)

// Key identifies a flow within a (database, switch) bucket. Actions never
// take part in identity.
type Key struct {
	Cookie   uint64 `json:"cookie"`
	Priority uint16 `json:"priority"`
	Match    Match  `json:"match"`
}

func NewKey(cookie uint64, priority uint16, match Match) Key {
	return Key{Cookie: cookie, Priority: priority, Match: match.Normalize()}
}

func (k Key) String() string {
	return fmt.Sprintf("cookie=0x%x,priority=%d,%s", k.Cookie, k.Priority, k.Match)
}

type Status uint8

const (
	StatusPending Status = iota
	StatusActive
	StatusRemoved
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusRemoved:
		return "REMOVED"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return StatusPending, nil
	case "ACTIVE":
		return StatusActive, nil
	case "REMOVED":
		return StatusRemoved, nil
	}
	return 0, fmt.Errorf("%w: status %q", ErrInvalidArgument, s)
}

func (s Status) MarshalText() ([]byte, error) {
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

// Record is one cached flow entry on one switch.
type Record struct {
	Switch DPID `json:"switch"`
	Key
	// Actions is nil when unknown and empty for drop.
	Actions   []Action  `json:"actions"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	PathID    *uint64   `json:"pathId,omitempty"`
}

// Clone returns a copy sharing no mutable state with r.
func (r Record) Clone() Record {
	out := r
	if r.Actions != nil {
		out.Actions = make([]Action, len(r.Actions))
		copy(out.Actions, r.Actions)
	}
	if r.PathID != nil {
		id := *r.PathID
		out.PathID = &id
	}
	return out
}

// Reported is a flow as a switch reports it: identity plus actions.
type Reported struct {
	Key
	Actions []Action `json:"actions"`
}
