package device

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Domain names one independent bus segment.
type Domain string

// Mode distinguishes application firmware from the recovery bootloader.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeRecovery
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeRecovery:
		return "recovery"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Identity is the logical address of a device within a domain.
type Identity struct {
	Mode   Mode
	Serial uint32
}

// Normal returns the identity of a device running application firmware.
func Normal(serial uint32) Identity {
	return Identity{Mode: ModeNormal, Serial: serial}
}

// Recovery returns the identity of a device running its recovery bootloader.
func Recovery(serial uint32) Identity {
	return Identity{Mode: ModeRecovery, Serial: serial}
}

// Counterpart returns the identity of the same serial in the other mode.
func (id Identity) Counterpart() Identity {
	if id.Mode == ModeRecovery {
		return Normal(id.Serial)
	}
	return Recovery(id.Serial)
}

// Compare orders identities Normal before Recovery, then by serial.
func (id Identity) Compare(other Identity) int {
	if c := cmp.Compare(id.Mode, other.Mode); c != 0 {
		return c
	}
	return cmp.Compare(id.Serial, other.Serial)
}

// String formats the identity as "<mode>:<serial>".
func (id Identity) String() string {
	return id.Mode.String() + ":" + strconv.FormatUint(uint64(id.Serial), 10)
}

// ParseIdentity parses the output of Identity.String.
func ParseIdentity(s string) (Identity, error) {
	mode, serial, ok := strings.Cut(s, ":")
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}

	n, err := strconv.ParseUint(serial, 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}

	switch mode {
	case "normal":
		return Normal(uint32(n)), nil
	case "recovery":
		return Recovery(uint32(n)), nil
	default:
		return Identity{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidIdentity, mode)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
