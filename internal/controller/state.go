package controller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/somfy-rts/internal/dongle"
)

// Status is the connection state shown by the API.
type Status struct {
	Connected bool      `json:"connected"`
	DeviceID  string    `json:"deviceId,omitempty"`
	DongleID  string    `json:"dongleId,omitempty"`
	Port      string    `json:"port,omitempty"`
	Format    string    `json:"format,omitempty"`
	RSSI      int32     `json:"rssi"`
	Since     time.Time `json:"since,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Blind is one slot of the dongle address table.
type Blind struct {
	ID          uint8  `json:"id"`
	Address     string `json:"address,omitempty"`
	RollingCode string `json:"rollingCode,omitempty"`
	InUse       bool   `json:"inUse"`
	// Position is the last order sent from this process, not a measurement.
	Position string `json:"position,omitempty"`
}

func blindFrom(id uint8, val dongle.AddressVal) Blind {
	b := Blind{ID: id, InUse: val.InUse()}
	if strict, err := val.BlindAddress(); err == nil {
		b.ID = strict.ID
	}
	b.Address, _ = val.AddressHex()
	b.RollingCode, _ = val.RollingCodeHex()
	return b
}

func usable(all []Blind) []Blind {
	out := []Blind{}
	for _, b := range all {
		if b.InUse {
			out = append(out, b)
		}
	}
	return out
}

// scanBlinds reads slots 1..last. A slot the dongle rejects is skipped; any
// other failure aborts the scan.
func scanBlinds(ctx context.Context, r *dongle.Ready, last int, log *zap.Logger) ([]Blind, error) {
	var out []Blind
	for id := 1; id <= last; id++ {
		resp, err := r.GetBlind(ctx, uint8(id))
		if err != nil {
			return nil, err
		}
		val, err := resp.Result()
		if err != nil {
			var rej *dongle.RejectedError
			if errors.As(err, &rej) {
				log.Debug("slot rejected", zap.Int("blind", id), zap.String("message", rej.Message))
				continue
			}
			return nil, err
		}
		out = append(out, blindFrom(uint8(id), val))
	}
	return out, nil
}

// EventType tags an Event.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventCommand      EventType = "command"
)

// Event is published after every connection change and every command.
type Event struct {
	Type     EventType `json:"type"`
	Op       string    `json:"op,omitempty"`
	Blind    int       `json:"blind,omitempty"`
	Action   string    `json:"action,omitempty"`
	OK       bool      `json:"ok"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	DeviceID string    `json:"deviceId,omitempty"`
	Stamp    time.Time `json:"stamp"`
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Slow subscribers miss events rather than stall the
// controller.
func (c *Controller) Subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Controller) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
