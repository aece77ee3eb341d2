package flowcache

import (
	"fmt"
	"strconv"
	"strings"
)

type ActionType string

const (
	ActionOutput    ActionType = "output"
	ActionSetVLAN   ActionType = "set_vlan_id"
	ActionStripVLAN ActionType = "strip_vlan"
	ActionSetNWTOS  ActionType = "set_nw_tos"
	ActionEnqueue   ActionType = "enqueue"
)

// Action is a single instruction applied to matched packets. Only the fields
// relevant to Type are meaningful.
type Action struct {
	Type  ActionType
	Port  uint32
	VLAN  uint16
	TOS   uint8
	Queue uint32
}

func Output(port uint32) Action {
	return Action{Type: ActionOutput, Port: port}
}

func SetVLAN(vid uint16) Action {
	return Action{Type: ActionSetVLAN, VLAN: vid}
}

func StripVLAN() Action {
	return Action{Type: ActionStripVLAN}
}

func SetNWTOS(tos uint8) Action {
	return Action{Type: ActionSetNWTOS, TOS: tos}
}

func Enqueue(port, queue uint32) Action {
	return Action{Type: ActionEnqueue, Port: port, Queue: queue}
}

func (a Action) String() string {
	switch a.Type {
	case ActionOutput:
		return fmt.Sprintf("output:%d", a.Port)
	case ActionSetVLAN:
		return fmt.Sprintf("set_vlan_id:%d", a.VLAN)
	case ActionStripVLAN:
		return string(ActionStripVLAN)
	case ActionSetNWTOS:
		return fmt.Sprintf("set_nw_tos:%d", a.TOS)
	case ActionEnqueue:
		return fmt.Sprintf("enqueue:%d:%d", a.Port, a.Queue)
	}
	return string(a.Type)
}

func ParseAction(s string) (Action, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	invalid := fmt.Errorf("%w: action %q", ErrInvalidArgument, s)
	arg := func(i, bits int) (uint64, error) {
		if len(parts) <= i {
			return 0, invalid
		}
		v, err := strconv.ParseUint(parts[i], 0, bits)
		if err != nil {
			return 0, invalid
		}
		return v, nil
	}
	switch ActionType(strings.ToLower(parts[0])) {
	case ActionOutput:
		if len(parts) != 2 {
			return Action{}, invalid
		}
		port, err := arg(1, 32)
		return Output(uint32(port)), err
	case ActionSetVLAN:
		if len(parts) != 2 {
			return Action{}, invalid
		}
		vid, err := arg(1, 12)
		return SetVLAN(uint16(vid)), err
	case ActionStripVLAN:
		if len(parts) != 1 {
			return Action{}, invalid
		}
		return StripVLAN(), nil
	case ActionSetNWTOS:
		if len(parts) != 2 {
			return Action{}, invalid
		}
		tos, err := arg(1, 8)
		return SetNWTOS(uint8(tos)), err
	case ActionEnqueue:
		if len(parts) != 3 {
			return Action{}, invalid
		}
		port, err := arg(1, 32)
		if err != nil {
			return Action{}, err
		}
		queue, err := arg(2, 32)
		return Enqueue(uint32(port), uint32(queue)), err
	}
	return Action{}, invalid
}

// ParseActions parses a comma separated action list. "drop" and the empty
// string yield an empty, non-nil list.
func ParseActions(s string) ([]Action, error) {
	s = strings.TrimSpace(s)
	actions := []Action{}
	if s == "" || strings.EqualFold(s, "drop") {
		return actions, nil
	}
	for _, part := range strings.Split(s, ",") {
		a, err := ParseAction(part)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// FormatActions renders an action list the way switches print it.
func FormatActions(actions []Action) string {
	if actions == nil {
		return "unknown"
	}
	if len(actions) == 0 {
		return "drop"
	}
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = a.String()
	}
	return "actions=" + strings.Join(parts, ",")
}

// ContainsActions reports whether every action of want appears in have.
func ContainsActions(have, want []Action) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
