package dongle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command is one request understood by the dongle firmware. The set is
// closed: only the types in this file implement it.
type Command interface {
	json.Marshaler
	command()
}

// screamingKebab renders a Go style identifier the way the firmware expects
// command tags: upper-case, with a hyphen at every internal capital.
// "FactoryReset" becomes "FACTORY-RESET".
func screamingKebab(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strings.ToUpper(string(r)))
	}
	return b.String()
}

// singleEntry encodes {"TAG": value} with TAG derived from the variant name.
func singleEntry(variant string, value any) ([]byte, error) {
	return json.Marshal(map[string]any{screamingKebab(variant): value})
}

// DongleCommand is a lifecycle command addressed to the dongle itself.
type DongleCommand int

const (
	DongleAlive DongleCommand = iota
	DongleResetHW
	DongleFactoryReset
	DongleBCheck
	DongleBStart
)

var dongleCommandNames = [...]string{
	DongleAlive:        "Alive",
	DongleResetHW:      "Resethw",
	DongleFactoryReset: "FactoryReset",
	DongleBCheck:       "Bcheck",
	DongleBStart:       "Bstart",
}

// Tag is the wire token, e.g. "FACTORY-RESET".
func (c DongleCommand) Tag() string {
	if c < 0 || int(c) >= len(dongleCommandNames) {
		return fmt.Sprintf("DONGLE-COMMAND(%d)", int(c))
	}
	return screamingKebab(dongleCommandNames[c])
}

func (c DongleCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Tag())
}

// RtsAction is a radio order sent to a blind.
type RtsAction int

const (
	Up RtsAction = iota
	Down
	Stop
	My
	Prog
	ProgRT
	FourCycles
)

var rtsActionNames = [...]string{
	Up:         "Up",
	Down:       "Down",
	Stop:       "Stop",
	My:         "My",
	Prog:       "Prog",
	ProgRT:     "ProgRt",
	FourCycles: "FourCycles",
}

// Tag is the wire token for the action. Two actions do not follow the
// upper-cased name rule and use the literal tokens the firmware expects.
func (a RtsAction) Tag() string {
	switch a {
	case ProgRT:
		return "PROG_RT"
	case FourCycles:
		return "4_CYCLES"
	}
	if a < 0 || int(a) >= len(rtsActionNames) {
		return fmt.Sprintf("RTS(%d)", int(a))
	}
	return strings.ToUpper(rtsActionNames[a])
}

func (a RtsAction) String() string {
	if a < 0 || int(a) >= len(rtsActionNames) {
		return fmt.Sprintf("RtsAction(%d)", int(a))
	}
	return strings.ToLower(screamingKebab(rtsActionNames[a]))
}

// ParseRtsAction accepts wire tags ("PROG_RT", "4_CYCLES") as well as the
// lower-case names used on the command line ("prog-rt", "four-cycles").
func ParseRtsAction(s string) (RtsAction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UP", "OPEN":
		return Up, nil
	case "DOWN", "CLOSE":
		return Down, nil
	case "STOP":
		return Stop, nil
	case "MY":
		return My, nil
	case "PROG":
		return Prog, nil
	case "PROG_RT", "PROG-RT":
		return ProgRT, nil
	case "4_CYCLES", "FOUR-CYCLES", "FOUR_CYCLES":
		return FourCycles, nil
	}
	return 0, fmt.Errorf("dongle: unknown rts action %q", s)
}

// RtsCommand addresses one action to one blind.
type RtsCommand struct {
	Action RtsAction
	Blind  uint8
}

// MarshalJSON encodes the positional form ["TAG", blind].
func (c RtsCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.Action.Tag(), c.Blind})
}

// LedColor and LedAction parameterise the LED command.
type (
	LedColor  int
	LedAction int
)

const (
	Red LedColor = iota
	Green
)

const (
	Fix LedAction = iota
	Blink
)

func (c LedColor) Tag() string {
	if c == Green {
		return "GREEN"
	}
	return "RED"
}

func (a LedAction) Tag() string {
	if a == Blink {
		return "BLINK"
	}
	return "FIX"
}

func ParseLedColor(s string) (LedColor, error) {
	switch strings.ToUpper(s) {
	case "RED":
		return Red, nil
	case "GREEN":
		return Green, nil
	}
	return 0, fmt.Errorf("dongle: unknown led color %q", s)
}

func ParseLedAction(s string) (LedAction, error) {
	switch strings.ToUpper(s) {
	case "FIX":
		return Fix, nil
	case "BLINK":
		return Blink, nil
	}
	return 0, fmt.Errorf("dongle: unknown led action %q", s)
}

// Command variants. Each encodes as a single entry mapping keyed by its own
// type name in SCREAMING-KEBAB-CASE.
type (
	CmdDongle    DongleCommand
	CmdRts       RtsCommand
	GetAddress   uint8
	ResetAddress uint8
	Led          struct {
		Color    LedColor
		Action   LedAction
		Duration uint16
	}
	// SetAddress would program a blind's radio address and rolling code.
	// Its wire encoding is unknown, so it cannot be marshalled.
	SetAddress struct {
		Blind       uint8
		Address     uint32
		RollingCode uint16
	}
)

func (CmdDongle) command()    {}
func (CmdRts) command()       {}
func (GetAddress) command()   {}
func (ResetAddress) command() {}
func (Led) command()          {}
func (SetAddress) command()   {}

func (c CmdDongle) MarshalJSON() ([]byte, error) {
	return singleEntry("CmdDongle", DongleCommand(c))
}

func (c CmdRts) MarshalJSON() ([]byte, error) {
	return singleEntry("CmdRts", RtsCommand(c))
}

func (c GetAddress) MarshalJSON() ([]byte, error) {
	return singleEntry("GetAddress", uint8(c))
}

func (c ResetAddress) MarshalJSON() ([]byte, error) {
	return singleEntry("ResetAddress", uint8(c))
}

func (c Led) MarshalJSON() ([]byte, error) {
	return singleEntry("Led", []any{c.Color.Tag(), c.Action.Tag(), c.Duration})
}

func (c SetAddress) MarshalJSON() ([]byte, error) {
	return nil, unsupported("set-address", "address programming has no known wire encoding")
}

// EncodeCommand returns the plaintext JSON for c.
func EncodeCommand(c Command) (string, error) {
	// Call MarshalJSON directly so SetAddress keeps its *Error instead of
	// being wrapped in a json.MarshalerError.
	b, err := c.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
