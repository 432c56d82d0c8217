package dongle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyConn(t *testing.T, replies string, chunk int) (*Ready, *scriptedPort) {
	t.Helper()
	port := newScriptedPort(chunk, "RTSDONGLE,OK,12345\r\n", replies)
	id, ready, err := NewWaiting(port).Initialize(context.Background(), Passthrough)
	require.NoError(t, err)
	require.Equal(t, "12345", id)
	return ready, port
}

func TestInitialize(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		port := newScriptedPort(3, "RTSDONGLE,OK,12345\r\n")
		id, ready, err := NewWaiting(port).Initialize(context.Background(), Passthrough)
		require.NoError(t, err)
		assert.Equal(t, "12345", id)
		assert.Equal(t, "12345", ready.DeviceID())
		assert.Equal(t, Passthrough, ready.Format())
		assert.Equal(t, "$CRYPTO_OFF_3145", port.Written())
		assert.False(t, port.Closed())
	})

	tests := []struct {
		name  string
		reply string
		kind  Kind
		is    error
	}{
		{"dongle ko", "RTSDONGLE,KO\r\n", KindDongle, nil},
		{"unknown status", "RTSDONGLE,MAYBE,1\r\n", KindDongle, nil},
		{"status missing", "RTSDONGLE\r\n", KindDongle, nil},
		{"marker mismatch", "GARBAGE,OK,1\r\n", KindComm, ErrIncomplete},
		{"id missing", "RTSDONGLE,OK\r\n", KindComm, ErrIncomplete},
		{"stream ends", "RTSDONGLE,O", KindComm, ErrEndOfStream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := newScriptedPort(4, tt.reply)
			_, ready, err := NewWaiting(port).Initialize(context.Background(), Passthrough)
			require.Error(t, err)
			assert.Nil(t, ready)
			assert.Equal(t, tt.kind, KindOf(err))
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			assert.True(t, port.Closed())
		})
	}
}

func TestInitializeObfuscatedSendsItsToken(t *testing.T) {
	port := newScriptedPort(0, "RTSDONGLE,OK,9\r\n")
	_, ready, err := NewWaiting(port).Initialize(context.Background(), Obfuscated)
	require.NoError(t, err)
	assert.Equal(t, "$HELLOSOMFYBG3174", port.Written())

	_, err = ready.TestAlive(context.Background())
	assert.Equal(t, KindUnsupported, KindOf(err))
}

func TestWaitingIsConsumed(t *testing.T) {
	port := newScriptedPort(0, "RTSDONGLE,OK,1\r\n")
	w := NewWaiting(port)
	_, _, err := w.Initialize(context.Background(), Passthrough)
	require.NoError(t, err)

	_, _, err = w.Initialize(context.Background(), Passthrough)
	assert.Equal(t, KindPhase, KindOf(err))
	assert.ErrorIs(t, err, ErrConsumed)

	_, err = w.FactoryInfo(context.Background())
	assert.Equal(t, KindPhase, KindOf(err))
	assert.NoError(t, w.Close())
}

func TestFactoryInfo(t *testing.T) {
	reply := ""
	for i := 0; i < 11; i++ {
		reply += "line\r\n"
	}
	port := newScriptedPort(5, reply)
	f, err := NewWaiting(port).FactoryInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "$GOTO-FACTORY", port.Written())
	assert.Len(t, f.Lines(), 11)
	require.NoError(t, f.Close())
	assert.True(t, port.Closed())
}

func TestFactoryInfoShort(t *testing.T) {
	port := newScriptedPort(0, "a\r\nb\r\n")
	_, err := NewWaiting(port).FactoryInfo(context.Background())
	assert.Equal(t, KindComm, KindOf(err))
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestReadyOperationsWriteCommands(t *testing.T) {
	ctx := context.Background()
	ok := `{"ACK":"DONGLE_OK"}`

	tests := []struct {
		name string
		call func(r *Ready) error
		want string
	}{
		{"reboot", func(r *Ready) error { _, err := r.Reboot(ctx); return err }, `{"CMD-DONGLE":"RESETHW"}`},
		{"factory reset", func(r *Ready) error { _, err := r.FactoryReset(ctx); return err }, `{"CMD-DONGLE":"FACTORY-RESET"}`},
		{"bcheck", func(r *Ready) error { _, err := r.BCheck(ctx); return err }, `{"CMD-DONGLE":"BCHECK"}`},
		{"bstart", func(r *Ready) error { _, err := r.BStart(ctx); return err }, `{"CMD-DONGLE":"BSTART"}`},
		{"led", func(r *Ready) error { _, err := r.Led(ctx, Red, Fix, 10); return err }, `{"LED":["RED","FIX",10]}`},
		{"remove", func(r *Ready) error { _, err := r.RemoveBlind(ctx, 8); return err }, `{"RESET-ADDRESS":8}`},
		{"operate", func(r *Ready) error {
			_, err := r.OperateBlind(ctx, RtsCommand{Action: ProgRT, Blind: 7})
			return err
		}, `{"CMD-RTS":["PROG_RT",7]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready, port := readyConn(t, ok, 2)
			require.NoError(t, tt.call(ready))
			assert.Equal(t, "$CRYPTO_OFF_3145"+tt.want, port.Written())
		})
	}
}

func TestTestAlive(t *testing.T) {
	ready, _ := readyConn(t, `{"ACK":"DONGLE_OK","RSSI-VAL":-70,"ID":["X","Y","Z"]}`, 1)
	resp, err := ready.TestAlive(context.Background())
	require.NoError(t, err)
	alive, err := resp.Result()
	require.NoError(t, err)
	assert.Equal(t, int32(-70), alive.RSSI)
	assert.Equal(t, "X", alive.DongleID())
}

func TestGetBlindRejected(t *testing.T) {
	ready, _ := readyConn(t, `{"ACK":"DONGLE_KO","ERROR":"slot empty"}`, 0)
	resp, err := ready.GetBlind(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, "slot empty", resp.Message())
}

func TestBytesAfterReplyAreDropped(t *testing.T) {
	ready, _ := readyConn(t, `{"ACK":"DONGLE_OK","ADDRESS-VAL":[1,"ABCDEF","0001"]}{"ACK":"DONGLE_OK","ADDRESS-VAL":[2,"000000","0000"]}`, 256)
	first, err := ready.GetBlind(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, first.Payload().InUse())

	// The second reply arrived in the same read and did not survive the call.
	_, err = ready.GetBlind(context.Background(), 2)
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestSetBlindWritesNothing(t *testing.T) {
	ready, port := readyConn(t, "", 0)
	_, err := ready.SetBlind(context.Background(), 1, 0xABCDEF, 1)
	assert.Equal(t, KindUnsupported, KindOf(err))
	assert.Equal(t, "$CRYPTO_OFF_3145", port.Written())
}

func TestReadyMissingFieldIsJSONKind(t *testing.T) {
	ready, _ := readyConn(t, `{"ACK":"DONGLE_OK","RSSI-VAL":1}`, 0)
	_, err := ready.TestAlive(context.Background())
	assert.Equal(t, KindJSON, KindOf(err))
	assert.False(t, IsTransport(err))
}

func TestReadyStreamEnds(t *testing.T) {
	ready, _ := readyConn(t, `{"ACK":`, 0)
	_, err := ready.TestAlive(context.Background())
	assert.Equal(t, KindComm, KindOf(err))
	assert.True(t, IsTransport(err))
}

func TestReadyWriteFails(t *testing.T) {
	ready, port := readyConn(t, "", 0)
	require.NoError(t, port.Close())
	_, err := ready.Reboot(context.Background())
	assert.Equal(t, KindIO, KindOf(err))
}

func TestReadyClosed(t *testing.T) {
	ready, port := readyConn(t, "", 0)
	require.NoError(t, ready.Close())
	assert.True(t, port.Closed())

	_, err := ready.Reboot(context.Background())
	assert.True(t, errors.Is(err, ErrConsumed))
	assert.NoError(t, ready.Close())
}
