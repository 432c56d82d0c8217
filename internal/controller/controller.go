// Package controller owns the dongle connection for long running programs.
//
// One goroutine (Run) holds the Ready connection and executes requests in the
// order they are submitted. HTTP handlers, the MQTT bridge and the CLI submit
// requests and wait for the reply. A transport failure closes the connection
// and Run reconnects with exponential backoff.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shaunagostinho/somfy-rts/internal/dongle"
	"github.com/shaunagostinho/somfy-rts/internal/journal"
	"github.com/shaunagostinho/somfy-rts/internal/metrics"
	"github.com/shaunagostinho/somfy-rts/internal/simulator"
)

var (
	ErrNotConnected = errors.New("controller: dongle not connected")
	ErrStopped      = errors.New("controller: stopped")
)

// Opener returns a fresh byte stream to the dongle and a description of it
// (usually the device path).
type Opener func(ctx context.Context) (io.ReadWriteCloser, string, error)

// SerialOpener opens path, or the first detected dongle when path is empty.
func SerialOpener(path string) Opener {
	return func(ctx context.Context) (io.ReadWriteCloser, string, error) {
		if path != "" {
			port, err := dongle.OpenPort(path)
			return port, path, err
		}
		devices, err := dongle.Detect()
		if err != nil {
			return nil, "", err
		}
		if len(devices) == 0 {
			return nil, "", dongle.ErrNoDongle
		}
		port, err := dongle.OpenPort(devices[0].Path)
		return port, devices[0].Path, err
	}
}

// SimulatorOpener opens a new stream on a simulated dongle.
func SimulatorOpener(dev *simulator.Device) Opener {
	return func(context.Context) (io.ReadWriteCloser, string, error) {
		return dev.Open(), "simulator", nil
	}
}

// Options tune a Controller. Zero values pick defaults.
type Options struct {
	Format      dongle.WireFormat
	RateLimit   float64 // radio commands per second, <=0 disables pacing
	Burst       int
	MaxBlind    int // highest slot scanned by UsableBlinds
	MaxAttempts int // connect attempts logged with a counter before going quiet
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Journal     *journal.Journal
}

const (
	initialDelay = 1 * time.Second
	maxDelay     = 60 * time.Second
)

// Controller serializes access to one dongle.
type Controller struct {
	open    Opener
	opts    Options
	log     *zap.Logger
	limiter *rate.Limiter

	reqs    chan *request
	stopped chan struct{}

	mu     sync.RWMutex
	status Status
	blinds []Blind

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a Controller. Call Run to start it.
func New(open Opener, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBlind <= 0 || opts.MaxBlind > 255 {
		opts.MaxBlind = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Controller{
		open:    open,
		opts:    opts,
		log:     opts.Logger.Named("controller"),
		limiter: rate.NewLimiter(limit, opts.Burst),
		reqs:    make(chan *request),
		stopped: make(chan struct{}),
		subs:    make(map[int]chan Event),
	}
}

type request struct {
	op     string
	blind  int
	action string
	radio  bool
	run    func(ctx context.Context, r *dongle.Ready) (ok bool, msg string, err error)
	done   chan error
}

// Run connects and serves requests until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)

	delay := initialDelay
	attempt := 0
	connectedBefore := false

	for {
		port, ready, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			c.setLastError(err)
			if attempt <= c.opts.MaxAttempts {
				c.log.Warn("connect failed", zap.Int("attempt", attempt), zap.Int("max_attempts", c.opts.MaxAttempts),
					zap.Duration("retry_in", delay), zap.Error(err))
			} else {
				c.log.Warn("connect failed", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
			}
			if !c.idle(ctx, delay) {
				return nil
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		c.log.Info("dongle connected", zap.Int("attempt", attempt+1), zap.String("device_id", ready.DeviceID()))
		if connectedBefore && c.opts.Metrics != nil {
			c.opts.Metrics.Reconnects.Inc()
		}
		connectedBefore = true
		attempt = 0
		delay = initialDelay

		c.serve(ctx, port, ready)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// connect opens the stream, performs the handshake and the ALIVE check, and
// scans the address table.
func (c *Controller) connect(ctx context.Context) (io.ReadWriteCloser, *dongle.Ready, error) {
	port, desc, err := c.open(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer stop()

	id, ready, err := dongle.NewWaiting(port, dongle.WithLogger(c.opts.Logger.Named("dongle"))).Initialize(ctx, c.opts.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize %s: %w", desc, err)
	}

	resp, err := ready.TestAlive(ctx)
	if err != nil {
		ready.Close()
		return nil, nil, fmt.Errorf("alive check: %w", err)
	}
	alive, err := resp.Result()
	if err != nil {
		ready.Close()
		return nil, nil, fmt.Errorf("alive check: %w", err)
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.RSSI.Set(float64(alive.RSSI))
	}

	blinds, err := scanBlinds(ctx, ready, c.opts.MaxBlind, c.log)
	if err != nil {
		ready.Close()
		return nil, nil, fmt.Errorf("scan blinds: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	c.status = Status{
		Connected: true,
		DeviceID:  id,
		Port:      desc,
		Format:    c.opts.Format.String(),
		DongleID:  alive.DongleID(),
		RSSI:      alive.RSSI,
		Since:     now,
	}
	c.blinds = blinds
	c.mu.Unlock()

	c.opts.Metrics.SetConnected(true)
	if c.opts.Metrics != nil {
		c.opts.Metrics.UsableBlinds.Set(float64(len(usable(blinds))))
	}
	// subscribers read Status and UsableBlinds on this event
	c.publish(Event{Type: EventConnected, DeviceID: id, Stamp: now})
	return port, ready, nil
}

// serve executes requests until a transport failure or ctx is done. The
// connection is closed on return.
func (c *Controller) serve(ctx context.Context, port io.Closer, ready *dongle.Ready) {
	// A blocked read only returns once the stream is closed.
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer stop()
	defer ready.Close()

	for {
		select {
		case <-ctx.Done():
			c.disconnected(nil)
			return
		case req := <-c.reqs:
			err := c.execute(ctx, ready, req)
			if err != nil && (dongle.IsTransport(err) || ctx.Err() != nil) {
				c.log.Warn("dongle connection lost", zap.String("op", req.op), zap.Error(err))
				c.disconnected(err)
				return
			}
		}
	}
}

func (c *Controller) execute(ctx context.Context, ready *dongle.Ready, req *request) error {
	if req.radio {
		if err := c.limiter.Wait(ctx); err != nil {
			req.done <- err
			return err
		}
	}

	start := time.Now()
	ok, msg, err := req.run(ctx, ready)
	took := time.Since(start)

	result := "ok"
	entry := journal.Entry{Stamp: start, Op: req.op, Blind: req.blind, Action: req.action, OK: ok, Message: msg, Duration: took}
	ev := Event{Type: EventCommand, Op: req.op, Blind: max(req.blind, 0), Action: req.action, OK: ok, Message: msg, Stamp: start}
	switch {
	case err != nil:
		result = "error"
		entry.Err = err.Error()
		ev.Error = err.Error()
	case !ok:
		result = "rejected"
	}
	c.opts.Metrics.Observe(req.op, result, took)
	if c.opts.Journal != nil {
		c.opts.Journal.Record(entry)
	}
	c.publish(ev)

	c.log.Debug("command done", zap.String("op", req.op), zap.Int("blind", req.blind),
		zap.String("result", result), zap.Duration("took", took))

	req.done <- err
	return err
}

// idle waits out a reconnect delay, failing requests that arrive meanwhile.
func (c *Controller) idle(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case req := <-c.reqs:
			req.done <- ErrNotConnected
		}
	}
}

func (c *Controller) disconnected(err error) {
	c.mu.Lock()
	c.status.Connected = false
	if err != nil {
		c.status.LastError = err.Error()
	}
	id := c.status.DeviceID
	c.mu.Unlock()

	c.opts.Metrics.SetConnected(false)
	ev := Event{Type: EventDisconnected, DeviceID: id, Stamp: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	c.publish(ev)
}

func (c *Controller) setLastError(err error) {
	c.mu.Lock()
	c.status.LastError = err.Error()
	c.mu.Unlock()
}

// submit hands req to Run and waits for its result. The exchange itself runs
// under Run's context so a caller giving up cannot leave a reply unread.
func (c *Controller) submit(ctx context.Context, req *request) error {
	req.done = make(chan error, 1)
	select {
	case c.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the connection and converts the reply with Result.
func call[T any](ctx context.Context, c *Controller, op string, blind int, action string, radio bool,
	fn func(context.Context, *dongle.Ready) (dongle.Response[T], error)) (T, error) {
	var resp dongle.Response[T]
	err := c.submit(ctx, &request{
		op:     op,
		blind:  blind,
		action: action,
		radio:  radio,
		run: func(ctx context.Context, r *dongle.Ready) (bool, string, error) {
			var err error
			resp, err = fn(ctx, r)
			if err != nil {
				return false, "", err
			}
			return resp.OK(), resp.Message(), nil
		},
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return resp.Result()
}

// Operate sends one radio order to blind.
func (c *Controller) Operate(ctx context.Context, blind uint8, action dongle.RtsAction) error {
	_, err := call(ctx, c, "operate-blind", int(blind), action.String(), true,
		func(ctx context.Context, r *dongle.Ready) (dongle.Response[dongle.Empty], error) {
			return r.OperateBlind(ctx, dongle.RtsCommand{Action: action, Blind: blind})
		})
	if err == nil {
		c.notePosition(blind, action)
	}
	return err
}

// Alive runs the ALIVE check.
func (c *Controller) Alive(ctx context.Context) (dongle.Alive, error) {
	alive, err := call(ctx, c, "alive", -1, "", false,
		func(ctx context.Context, r *dongle.Ready) (dongle.Response[dongle.Alive], error) {
			return r.TestAlive(ctx)
		})
	if err == nil {
		c.mu.Lock()
		c.status.RSSI = alive.RSSI
		c.mu.Unlock()
		if c.opts.Metrics != nil {
			c.opts.Metrics.RSSI.Set(float64(alive.RSSI))
		}
	}
	return alive, err
}

// Blind reads one slot of the address table and refreshes the cache.
func (c *Controller) Blind(ctx context.Context, id uint8) (Blind, error) {
	val, err := call(ctx, c, "get-blind", int(id), "", false,
		func(ctx context.Context, r *dongle.Ready) (dongle.Response[dongle.AddressVal], error) {
			return r.GetBlind(ctx, id)
		})
	if err != nil {
		return Blind{}, err
	}
	b := blindFrom(id, val)
	c.storeBlind(b)
	return b, nil
}

// SetBlind would program a slot; the dongle command has no known encoding.
func (c *Controller) SetBlind(ctx context.Context, id uint8, address uint32, rollingCode uint16) (Blind, error) {
	val, err := call(ctx, c, "set-blind", int(id), "", false,
		func(ctx context.Context, r *dongle.Ready) (dongle.Response[dongle.AddressVal], error) {
			return r.SetBlind(ctx, id, address, rollingCode)
		})
	if err != nil {
		return Blind{}, err
	}
	return blindFrom(id, val), nil
}

// RemoveBlind clears one slot.
func (c *Controller) RemoveBlind(ctx context.Context, id uint8) error {
	_, err := call(ctx, c, "remove-blind", int(id), "", false,
		func(ctx context.Context, r *dongle.Ready) (dongle.Response[dongle.Empty], error) {
			return r.RemoveBlind(ctx, id)
		})
	if err == nil {
		c.storeBlind(Blind{ID: id})
	}
	return err
}

// Led drives the dongle LED.
func (c *Controller) Led(ctx context.Context, color dongle.LedColor, action dongle.LedAction, duration uint16) error {
	_, err := call(ctx, c, "led", -1, color.Tag()+" "+action.Tag(), false,
		func(ctx context.Context, r *dongle.Ready) (dongle.Response[dongle.Empty], error) {
			return r.Led(ctx, color, action, duration)
		})
	return err
}

// Maintenance runs one of the dongle lifecycle commands other than ALIVE.
func (c *Controller) Maintenance(ctx context.Context, cmd dongle.DongleCommand) error {
	var (
		op string
		fn func(*dongle.Ready, context.Context) (dongle.Response[dongle.Empty], error)
	)
	switch cmd {
	case dongle.DongleResetHW:
		op, fn = "reboot", (*dongle.Ready).Reboot
	case dongle.DongleFactoryReset:
		op, fn = "factory-reset", (*dongle.Ready).FactoryReset
	case dongle.DongleBCheck:
		op, fn = "bcheck", (*dongle.Ready).BCheck
	case dongle.DongleBStart:
		op, fn = "bstart", (*dongle.Ready).BStart
	default:
		return fmt.Errorf("controller: unsupported maintenance command %s", cmd.Tag())
	}
	_, err := call(ctx, c, op, -1, "", false,
		func(ctx context.Context, r *dongle.Ready) (dongle.Response[dongle.Empty], error) {
			return fn(r, ctx)
		})
	if err == nil && cmd == dongle.DongleFactoryReset {
		c.mu.Lock()
		c.blinds = nil
		c.mu.Unlock()
		if c.opts.Metrics != nil {
			c.opts.Metrics.UsableBlinds.Set(0)
		}
	}
	return err
}

// Rescan reads the whole address table again.
func (c *Controller) Rescan(ctx context.Context) ([]Blind, error) {
	var blinds []Blind
	err := c.submit(ctx, &request{
		op:    "scan",
		blind: -1,
		run: func(ctx context.Context, r *dongle.Ready) (bool, string, error) {
			var err error
			blinds, err = scanBlinds(ctx, r, c.opts.MaxBlind, c.log)
			return err == nil, "", err
		},
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.blinds = blinds
	c.mu.Unlock()
	if c.opts.Metrics != nil {
		c.opts.Metrics.UsableBlinds.Set(float64(len(usable(blinds))))
	}
	return usable(blinds), nil
}

// Status returns a snapshot of the connection state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// UsableBlinds returns the cached paired blinds from the last scan.
func (c *Controller) UsableBlinds() []Blind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return usable(c.blinds)
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} {
	return c.stopped
}

func (c *Controller) storeBlind(b Blind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.blinds {
		if c.blinds[i].ID == b.ID {
			b.Position = c.blinds[i].Position
			c.blinds[i] = b
			return
		}
	}
	c.blinds = append(c.blinds, b)
}

func (c *Controller) notePosition(id uint8, action dongle.RtsAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.blinds {
		if c.blinds[i].ID == id {
			c.blinds[i].Position = action.String()
			return
		}
	}
}
