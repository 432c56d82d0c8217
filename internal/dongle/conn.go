package dongle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/shaunagostinho/somfy-rts/internal/logging"
)

const (
	handshakeMarker = "RTSDONGLE"
	factoryCommand  = "$GOTO-FACTORY"
	factoryLines    = 11
)

// link is the open byte stream shared by every phase. Exactly one phase value
// owns it at a time; a transition hands it over and marks the source consumed.
type link struct {
	port io.ReadWriteCloser
	log  *zap.Logger
}

// Option configures a connection at construction time.
type Option func(*link)

// WithLogger routes wire traces to l at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(k *link) {
		if l != nil {
			k.log = l
		}
	}
}

func newLink(port io.ReadWriteCloser, opts ...Option) *link {
	k := &link{port: port, log: zap.NewNop()}
	for _, o := range opts {
		o(k)
	}
	return k
}

// sendRaw writes cmd verbatim and reads one frame with s. No terminator is
// appended. Framing failures are reported as KindComm; I/O and JSON failures
// keep their own kind.
func sendRaw[T any](ctx context.Context, k *link, op, cmd string, s Strategy[T]) (T, error) {
	var zero T

	k.log.Debug("dongle tx", append(logging.Wire([]byte(cmd)), zap.String("op", op))...)
	if _, err := io.WriteString(k.port, cmd); err != nil {
		return zero, ioError(op, err)
	}

	var buf bytes.Buffer
	v, err := ReadFrame(ctx, k.port, &buf, s)
	if err != nil {
		var de *Error
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return zero, err
		case errors.As(err, &de):
			if de.Op == "read" || de.Op == "" {
				de.Op = op
			}
			return zero, de
		default:
			return zero, commError(op, err)
		}
	}
	if buf.Len() > 0 {
		k.log.Debug("dongle rx trailing bytes dropped", zap.String("op", op), zap.Int("bytes", buf.Len()))
	}
	return v, nil
}

// Waiting is a freshly opened connection on which no handshake has been
// performed. It can move to Ready through Initialize or to Factory through
// FactoryInfo; either transition consumes it.
type Waiting struct {
	link *link
}

// NewWaiting wraps an already open byte stream.
func NewWaiting(port io.ReadWriteCloser, opts ...Option) *Waiting {
	return &Waiting{link: newLink(port, opts...)}
}

func (w *Waiting) take(op string) (*link, error) {
	if w == nil || w.link == nil {
		return nil, &Error{Kind: KindPhase, Op: op, Err: ErrConsumed}
	}
	k := w.link
	w.link = nil
	return k, nil
}

// Initialize performs the handshake for format and returns the device id
// together with the Ready connection. On failure the stream is closed.
func (w *Waiting) Initialize(ctx context.Context, format WireFormat) (string, *Ready, error) {
	const op = "initialize"
	k, err := w.take(op)
	if err != nil {
		return "", nil, err
	}

	lines, err := sendRaw[[]string](ctx, k, op, format.HandshakeToken(), LineStrategy{Lines: 1})
	if err != nil {
		k.port.Close()
		return "", nil, err
	}

	id, err := parseHandshake(lines[0])
	if err != nil {
		k.port.Close()
		return "", nil, err
	}
	k.log.Debug("dongle handshake complete", zap.String("id", id), zap.Stringer("format", format))
	return id, &Ready{link: k, format: format, id: id}, nil
}

// parseHandshake reads "RTSDONGLE,OK,<id>".
func parseHandshake(line string) (string, error) {
	const op = "initialize"
	parts := strings.Split(line, ",")
	if parts[0] != handshakeMarker {
		return "", commError(op, ErrIncomplete)
	}
	if len(parts) < 2 || parts[1] != "OK" {
		return "", &Error{Kind: KindDongle, Op: op, Msg: "Dongle KO"}
	}
	if len(parts) < 3 {
		return "", commError(op, ErrIncomplete)
	}
	return parts[2], nil
}

// FactoryInfo requests the diagnostic dump and moves to the Factory phase.
func (w *Waiting) FactoryInfo(ctx context.Context) (*Factory, error) {
	const op = "factory-info"
	k, err := w.take(op)
	if err != nil {
		return nil, err
	}
	lines, err := sendRaw[[]string](ctx, k, op, factoryCommand, LineStrategy{Lines: factoryLines})
	if err != nil {
		k.port.Close()
		return nil, err
	}
	return &Factory{link: k, lines: lines}, nil
}

// Close releases the stream. It is a no-op on a consumed value.
func (w *Waiting) Close() error {
	if w == nil || w.link == nil {
		return nil
	}
	k := w.link
	w.link = nil
	return k.port.Close()
}

// Factory holds the diagnostic lines returned by FactoryInfo. It is terminal.
type Factory struct {
	link  *link
	lines []string
}

// Lines returns a copy of the raw diagnostic lines.
func (f *Factory) Lines() []string {
	return append([]string(nil), f.lines...)
}

func (f *Factory) Close() error {
	if f.link == nil {
		return nil
	}
	k := f.link
	f.link = nil
	return k.port.Close()
}

// Ready is a connection that completed the handshake and is bound to one wire
// format. It is not safe for concurrent use: callers must serialize requests.
type Ready struct {
	link   *link
	format WireFormat
	id     string
}

func (r *Ready) Format() WireFormat { return r.format }

// DeviceID is the identity string returned by the handshake.
func (r *Ready) DeviceID() string { return r.id }

func (r *Ready) Close() error {
	if r.link == nil {
		return nil
	}
	k := r.link
	r.link = nil
	return k.port.Close()
}

// send runs one command exchange on r and classifies the reply.
func send[T any](ctx context.Context, r *Ready, op string, cmd Command) (Response[T], error) {
	if r.link == nil {
		return Response[T]{}, &Error{Kind: KindPhase, Op: op, Err: ErrConsumed}
	}

	plain, err := EncodeCommand(cmd)
	if err != nil {
		return Response[T]{}, err
	}
	wire, err := r.format.Encode(plain)
	if err != nil {
		return Response[T]{}, err
	}

	raw, err := sendRaw[json.RawMessage](ctx, r.link, op, wire, JSONStrategy{Format: r.format})
	if err != nil {
		return Response[T]{}, err
	}
	r.link.log.Debug("dongle rx", append(logging.Wire(raw), zap.String("op", op))...)

	resp, err := ClassifyResponse[T](raw)
	if err != nil {
		var de *Error
		if errors.As(err, &de) {
			de.Op = op
		}
		return Response[T]{}, err
	}
	return resp, nil
}

// TestAlive asks the dongle for its identity and radio level.
func (r *Ready) TestAlive(ctx context.Context) (Response[Alive], error) {
	return send[Alive](ctx, r, "alive", CmdDongle(DongleAlive))
}

// Reboot resets the dongle hardware.
func (r *Ready) Reboot(ctx context.Context) (Response[Empty], error) {
	return send[Empty](ctx, r, "reboot", CmdDongle(DongleResetHW))
}

// FactoryReset wipes the dongle, including its blind address table.
func (r *Ready) FactoryReset(ctx context.Context) (Response[Empty], error) {
	return send[Empty](ctx, r, "factory-reset", CmdDongle(DongleFactoryReset))
}

func (r *Ready) BCheck(ctx context.Context) (Response[Empty], error) {
	return send[Empty](ctx, r, "bcheck", CmdDongle(DongleBCheck))
}

func (r *Ready) BStart(ctx context.Context) (Response[Empty], error) {
	return send[Empty](ctx, r, "bstart", CmdDongle(DongleBStart))
}

// Led drives the status LED for duration (firmware units).
func (r *Ready) Led(ctx context.Context, color LedColor, action LedAction, duration uint16) (Response[Empty], error) {
	return send[Empty](ctx, r, "led", Led{Color: color, Action: action, Duration: duration})
}

// GetBlind reads one slot of the address table.
func (r *Ready) GetBlind(ctx context.Context, id uint8) (Response[AddressVal], error) {
	return send[AddressVal](ctx, r, "get-blind", GetAddress(id))
}

// SetBlind would program a slot of the address table. The command has no
// known wire encoding, so it always fails with KindUnsupported and nothing is
// written to the stream.
func (r *Ready) SetBlind(ctx context.Context, id uint8, address uint32, rollingCode uint16) (Response[AddressVal], error) {
	return send[AddressVal](ctx, r, "set-blind", SetAddress{Blind: id, Address: address, RollingCode: rollingCode})
}

// RemoveBlind clears one slot of the address table.
func (r *Ready) RemoveBlind(ctx context.Context, id uint8) (Response[Empty], error) {
	return send[Empty](ctx, r, "remove-blind", ResetAddress(id))
}

// OperateBlind transmits one RTS radio order.
func (r *Ready) OperateBlind(ctx context.Context, cmd RtsCommand) (Response[Empty], error) {
	return send[Empty](ctx, r, "operate-blind", CmdRts(cmd))
}
