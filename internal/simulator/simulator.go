// Package simulator emulates the RTS dongle on the far side of a serial line.
// It backs --demo mode and the tests of the packages above dongle.
package simulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
)

// MaxBlind is the highest address table slot.
const MaxBlind = 100

// ErrUnplugged is returned by writes after the device was unplugged.
var ErrUnplugged = errors.New("simulator: device unplugged")

// Options configures a simulated dongle.
type Options struct {
	DeviceID string    // reported by the handshake
	Serial   [3]string // reported by ALIVE
	RSSI     int32
	Paired   int // slots 1..Paired start with a paired blind
	MaxChunk int // >0 splits replies into random reads of 1..MaxChunk bytes
	Seed     int64
}

type slot struct {
	address  uint32
	rolling  uint16
	position string
}

// Device is the persistent state of one dongle. Ports opened on it share the
// address table, so a reconnect sees what the previous session left.
type Device struct {
	mu    sync.Mutex
	opts  Options
	table [MaxBlind + 1]slot
	rng   *rand.Rand
	ports map[*Port]struct{}
	log   []string
}

// New creates a device with opts, filling unset identity fields.
func New(opts Options) *Device {
	if opts.DeviceID == "" {
		opts.DeviceID = "5A3F00C1"
	}
	if opts.Serial == [3]string{} {
		opts.Serial = [3]string{"SIM" + opts.DeviceID, "RTS", "1.0"}
	}
	if opts.RSSI == 0 {
		opts.RSSI = -48
	}
	d := &Device{
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)),
		ports: make(map[*Port]struct{}),
	}
	for id := 1; id <= opts.Paired && id <= MaxBlind; id++ {
		d.pair(uint8(id))
	}
	return d
}

// Open returns a new stream to the device.
func (d *Device) Open() *Port {
	p := &Port{dev: d}
	p.cond = sync.NewCond(&p.mu)
	d.mu.Lock()
	d.ports[p] = struct{}{}
	d.mu.Unlock()
	return p
}

// Unplug severs every open port: pending reads end with io.EOF and writes
// fail.
func (d *Device) Unplug() {
	d.mu.Lock()
	ports := make([]*Port, 0, len(d.ports))
	for p := range d.ports {
		ports = append(ports, p)
	}
	d.ports = make(map[*Port]struct{})
	d.mu.Unlock()
	for _, p := range ports {
		p.sever(ErrUnplugged)
	}
}

// Commands returns every command written to the device so far.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

// Position returns the last radio order applied to blind id.
func (d *Device) Position(id uint8) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(id) > MaxBlind {
		return ""
	}
	return d.table[id].position
}

func (d *Device) pair(id uint8) {
	d.table[id] = slot{
		address:  0xA00000 | uint32(id)<<8 | uint32(d.rng.Intn(256)),
		rolling:  1,
		position: "unknown",
	}
}

func (d *Device) forget(p *Port) {
	d.mu.Lock()
	delete(d.ports, p)
	d.mu.Unlock()
}

// Port is one open stream to a Device. Each Write carries one whole command;
// the reply becomes readable immediately.
type Port struct {
	dev *Device

	mu      sync.Mutex
	cond    *sync.Cond
	out     []byte
	closed  bool
	err     error
	crypto  bool
	greeted bool
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.out) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.out) == 0 {
		return 0, io.EOF
	}
	n := len(p.out)
	if limit := p.dev.opts.MaxChunk; limit > 0 {
		p.dev.mu.Lock()
		n = 1 + p.dev.rng.Intn(limit)
		p.dev.mu.Unlock()
	}
	n = copy(b, p.out[:min(n, len(p.out))])
	p.out = p.out[n:]
	return n, nil
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		err := p.err
		p.mu.Unlock()
		if err == nil {
			err = io.ErrClosedPipe
		}
		return 0, err
	}
	p.mu.Unlock()

	reply := p.handle(string(b))

	p.mu.Lock()
	p.out = append(p.out, reply...)
	p.cond.Broadcast()
	p.mu.Unlock()
	return len(b), nil
}

func (p *Port) Close() error {
	p.sever(nil)
	p.dev.forget(p)
	return nil
}

func (p *Port) sever(err error) {
	p.mu.Lock()
	p.closed = true
	if p.err == nil {
		p.err = err
	}
	p.out = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}

const (
	tokenPassthrough = "$CRYPTO_OFF_3145"
	tokenObfuscated  = "$HELLOSOMFYBG3174"
	tokenFactory     = "$GOTO-FACTORY"
)

func (p *Port) handle(cmd string) string {
	d := p.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, cmd)

	switch cmd {
	case tokenPassthrough, tokenObfuscated:
		p.greeted = true
		p.crypto = cmd == tokenObfuscated
		return fmt.Sprintf("RTSDONGLE,OK,%s\r\n", d.opts.DeviceID)
	case tokenFactory:
		return d.factoryDump()
	}

	if !p.greeted || p.crypto {
		return ko("NOT INITIALIZED")
	}

	var req map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cmd), &req); err != nil || len(req) != 1 {
		return ko("BAD FORMAT")
	}
	for key, arg := range req {
		return d.dispatch(key, arg)
	}
	return ko("BAD FORMAT")
}

func (d *Device) dispatch(key string, arg json.RawMessage) string {
	switch key {
	case "CMD-DONGLE":
		var tag string
		if json.Unmarshal(arg, &tag) != nil {
			return ko("BAD FORMAT")
		}
		return d.dongleCommand(tag)

	case "GET-ADDRESS":
		id, ok := blindID(arg)
		if !ok {
			return ko("BAD ID")
		}
		s := d.table[id]
		return okWith(map[string]any{
			"ADDRESS-VAL": []any{id, fmt.Sprintf("%06X", s.address), fmt.Sprintf("%04X", s.rolling)},
		})

	case "RESET-ADDRESS":
		id, ok := blindID(arg)
		if !ok {
			return ko("BAD ID")
		}
		d.table[id] = slot{}
		return okWith(nil)

	case "CMD-RTS":
		var order []json.RawMessage
		if json.Unmarshal(arg, &order) != nil || len(order) != 2 {
			return ko("BAD FORMAT")
		}
		var tag string
		if json.Unmarshal(order[0], &tag) != nil {
			return ko("BAD FORMAT")
		}
		id, ok := blindID(order[1])
		if !ok {
			return ko("BAD ID")
		}
		return d.radio(tag, id)

	case "LED":
		var led []json.RawMessage
		if json.Unmarshal(arg, &led) != nil || len(led) != 3 {
			return ko("BAD FORMAT")
		}
		return okWith(nil)
	}
	return ko("UNKNOWN COMMAND")
}

func (d *Device) dongleCommand(tag string) string {
	switch tag {
	case "ALIVE":
		return okWith(map[string]any{"RSSI-VAL": d.opts.RSSI, "ID": d.opts.Serial})
	case "FACTORY-RESET":
		d.table = [MaxBlind + 1]slot{}
		return okWith(nil)
	case "RESETHW", "BCHECK", "BSTART":
		return okWith(nil)
	}
	return ko("UNKNOWN COMMAND")
}

func (d *Device) radio(tag string, id uint8) string {
	s := &d.table[id]
	switch tag {
	case "PROG", "PROG_RT", "4_CYCLES":
		if s.rolling == 0 {
			d.pair(id)
		} else {
			s.rolling++
		}
		return okWith(nil)
	case "UP", "DOWN", "STOP", "MY":
		if s.rolling == 0 {
			return ko("NO ADDRESS")
		}
		s.rolling++
		s.position = strings.ToLower(tag)
		return okWith(nil)
	}
	return ko("UNKNOWN COMMAND")
}

func (d *Device) factoryDump() string {
	var b strings.Builder
	lines := []string{
		"FACTORY",
		"ID=" + d.opts.DeviceID,
		"HW=RTS-USB",
		"FW=1.0.0",
		"RADIO=433.42",
		fmt.Sprintf("RSSI=%d", d.opts.RSSI),
		"CRYPTO=ON",
		"LED=OK",
		"EEPROM=OK",
		fmt.Sprintf("SLOTS=%d", MaxBlind),
		"END",
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	return b.String()
}

func blindID(arg json.RawMessage) (uint8, bool) {
	var id uint8
	if json.Unmarshal(arg, &id) != nil || id == 0 || id > MaxBlind {
		return 0, false
	}
	return id, true
}

func okWith(fields map[string]any) string {
	m := map[string]any{"ACK": "DONGLE_OK"}
	for k, v := range fields {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func ko(msg string) string {
	b, _ := json.Marshal(map[string]string{"ACK": "DONGLE_KO", "ERROR": msg})
	return string(b)
}
