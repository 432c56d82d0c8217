package dongle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScreamingKebab(t *testing.T) {
	assert.Equal(t, "FACTORY-RESET", screamingKebab("FactoryReset"))
	assert.Equal(t, "CMD-DONGLE", screamingKebab("CmdDongle"))
	assert.Equal(t, "RESETHW", screamingKebab("Resethw"))
	assert.Equal(t, "LED", screamingKebab("Led"))
}

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"alive", CmdDongle(DongleAlive), `{"CMD-DONGLE":"ALIVE"}`},
		{"reboot", CmdDongle(DongleResetHW), `{"CMD-DONGLE":"RESETHW"}`},
		{"factory reset", CmdDongle(DongleFactoryReset), `{"CMD-DONGLE":"FACTORY-RESET"}`},
		{"bcheck", CmdDongle(DongleBCheck), `{"CMD-DONGLE":"BCHECK"}`},
		{"bstart", CmdDongle(DongleBStart), `{"CMD-DONGLE":"BSTART"}`},
		{"get address", GetAddress(5), `{"GET-ADDRESS":5}`},
		{"reset address", ResetAddress(255), `{"RESET-ADDRESS":255}`},
		{"up", CmdRts{Action: Up, Blind: 3}, `{"CMD-RTS":["UP",3]}`},
		{"down", CmdRts{Action: Down, Blind: 0}, `{"CMD-RTS":["DOWN",0]}`},
		{"stop", CmdRts{Action: Stop, Blind: 1}, `{"CMD-RTS":["STOP",1]}`},
		{"my", CmdRts{Action: My, Blind: 1}, `{"CMD-RTS":["MY",1]}`},
		{"prog", CmdRts{Action: Prog, Blind: 1}, `{"CMD-RTS":["PROG",1]}`},
		{"prog rt", CmdRts{Action: ProgRT, Blind: 7}, `{"CMD-RTS":["PROG_RT",7]}`},
		{"four cycles", CmdRts{Action: FourCycles, Blind: 2}, `{"CMD-RTS":["4_CYCLES",2]}`},
		{"led", Led{Color: Green, Action: Blink, Duration: 500}, `{"LED":["GREEN","BLINK",500]}`},
		{"led red fix", Led{Color: Red, Action: Fix, Duration: 0}, `{"LED":["RED","FIX",0]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeCommand(tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeSetAddressUnsupported(t *testing.T) {
	_, err := EncodeCommand(SetAddress{Blind: 1, Address: 0xABCDEF, RollingCode: 1})
	require.Error(t, err)
	assert.Equal(t, KindUnsupported, KindOf(err))
}

func TestParseRtsAction(t *testing.T) {
	tests := map[string]RtsAction{
		"up":          Up,
		"DOWN":        Down,
		" stop ":      Stop,
		"my":          My,
		"prog":        Prog,
		"prog-rt":     ProgRT,
		"PROG_RT":     ProgRT,
		"4_CYCLES":    FourCycles,
		"four-cycles": FourCycles,
		"open":        Up,
		"close":       Down,
	}
	for in, want := range tests {
		got, err := ParseRtsAction(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseRtsAction("sideways")
	assert.Error(t, err)
}

func TestRtsActionString(t *testing.T) {
	assert.Equal(t, "prog-rt", ProgRT.String())
	assert.Equal(t, "four-cycles", FourCycles.String())
	assert.Equal(t, "up", Up.String())

	for _, a := range []RtsAction{Up, Down, Stop, My, Prog, ProgRT, FourCycles} {
		back, err := ParseRtsAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, back)
	}
}
