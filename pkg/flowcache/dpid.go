package flowcache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// DPID is the datapath identifier of a switch. Zero is not a valid switch.
type DPID uint64

func (d DPID) Validate() error {
	if d == 0 {
		return fmt.Errorf("%w: switch id 0", ErrInvalidArgument)
	}
	return nil
}

// String renders the id as colon separated hex octets,
// e.g. 00:00:00:00:00:00:00:01.
func (d DPID) String() string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(d))
	parts := make([]string, len(buf))
	for i, b := range buf {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

func (d DPID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DPID) UnmarshalText(text []byte) error {
	parsed, err := ParseDPID(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDPID accepts the colon separated form, 0x prefixed hex or a decimal
// number.
func ParseDPID(s string) (DPID, error) {
	s = strings.TrimSpace(s)
	var (
		v   uint64
		err error
	)
	switch {
	case strings.Contains(s, ":"):
		raw, decodeErr := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
		if decodeErr != nil || len(raw) == 0 || len(raw) > 8 {
			return 0, fmt.Errorf("%w: switch id %q", ErrInvalidArgument, s)
		}
		var buf [8]byte
		copy(buf[8-len(raw):], raw)
		v = binary.BigEndian.Uint64(buf[:])
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		v, err = strconv.ParseUint(s[2:], 16, 64)
	default:
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: switch id %q", ErrInvalidArgument, s)
	}
	id := DPID(v)
	if err := id.Validate(); err != nil {
		return 0, err
	}
	return id, nil
}
