package dongle

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	ackOK = "DONGLE_OK"
	ackKO = "DONGLE_KO"
)

// Response is the outcome of a successful exchange: either the dongle
// acknowledged the command with a payload, or it reported a failure message.
type Response[T any] struct {
	ok      bool
	payload T
	message string
}

// DongleOK builds an acknowledged response.
func DongleOK[T any](v T) Response[T] {
	return Response[T]{ok: true, payload: v}
}

// DongleErr builds a device-reported failure.
func DongleErr[T any](message string) Response[T] {
	return Response[T]{message: message}
}

func (r Response[T]) OK() bool       { return r.ok }
func (r Response[T]) Payload() T      { return r.payload }
func (r Response[T]) Message() string { return r.message }

// Result converts the response into Go's two-value form. A device failure
// becomes a *RejectedError.
func (r Response[T]) Result() (T, error) {
	if r.ok {
		return r.payload, nil
	}
	var zero T
	return zero, &RejectedError{Message: r.message}
}

func (r Response[T]) String() string {
	if r.ok {
		return fmt.Sprintf("DongleOk(%+v)", r.payload)
	}
	return fmt.Sprintf("Err(%q)", r.message)
}

// ClassifyResponse inspects the ACK field of raw and decodes the payload.
// A reply without a known acknowledgement is a KindProtocol error.
func ClassifyResponse[T any](raw json.RawMessage) (Response[T], error) {
	var envelope struct {
		Ack   *string `json:"ACK"`
		Error *string `json:"ERROR"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Response[T]{}, &Error{Kind: KindProtocol, Op: "classify", Msg: "reply is not an acknowledgement object", Err: err}
		}
		return Response[T]{}, &Error{Kind: KindJSON, Op: "classify", Err: err}
	}
	if envelope.Ack == nil {
		return Response[T]{}, &Error{Kind: KindProtocol, Op: "classify", Msg: "reply has no ACK field"}
	}

	switch *envelope.Ack {
	case ackOK:
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return Response[T]{}, &Error{Kind: KindJSON, Op: "classify", Msg: "unexpected payload", Err: err}
		}
		return DongleOK(v), nil
	case ackKO:
		msg := ""
		if envelope.Error != nil {
			msg = *envelope.Error
		}
		return DongleErr[T](msg), nil
	default:
		return Response[T]{}, &Error{Kind: KindProtocol, Op: "classify", Msg: fmt.Sprintf("unknown ACK %q", *envelope.Ack)}
	}
}

// Empty is the payload of commands that only acknowledge.
type Empty struct{}

// Alive is the reply to the ALIVE command.
type Alive struct {
	RSSI int32     `json:"RSSI-VAL"`
	ID   [3]string `json:"ID"`
}

func (a *Alive) UnmarshalJSON(b []byte) error {
	var wire struct {
		RSSI *int32    `json:"RSSI-VAL"`
		ID   *[]string `json:"ID"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	if wire.RSSI == nil {
		return errors.New("missing field RSSI-VAL")
	}
	if wire.ID == nil {
		return errors.New("missing field ID")
	}
	if len(*wire.ID) != 3 {
		return fmt.Errorf("field ID: expected 3 elements, got %d", len(*wire.ID))
	}
	a.RSSI = *wire.RSSI
	copy(a.ID[:], *wire.ID)
	return nil
}

// DongleID is the serial reported by ALIVE, used to name the device.
func (a Alive) DongleID() string {
	return a.ID[0]
}

// AddressVal is the reply to GET-ADDRESS: a positional tuple of
// (blind id, hex address, hex rolling code). Elements are kept raw; use
// BlindAddress for a checked view.
type AddressVal struct {
	Values [3]json.RawMessage `json:"ADDRESS-VAL"`
}

func (a *AddressVal) UnmarshalJSON(b []byte) error {
	var wire struct {
		Values *[]json.RawMessage `json:"ADDRESS-VAL"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	if wire.Values == nil {
		return errors.New("missing field ADDRESS-VAL")
	}
	if len(*wire.Values) != 3 {
		return fmt.Errorf("field ADDRESS-VAL: expected 3 elements, got %d", len(*wire.Values))
	}
	copy(a.Values[:], *wire.Values)
	return nil
}

func isNull(m json.RawMessage) bool {
	return len(m) == 0 || string(m) == "null"
}

func rawString(m json.RawMessage) (string, bool) {
	var s string
	if isNull(m) {
		return "", false
	}
	if err := json.Unmarshal(m, &s); err != nil {
		return "", false
	}
	return s, true
}

// AddressHex returns the address element when it is a string.
func (a AddressVal) AddressHex() (string, bool) {
	return rawString(a.Values[1])
}

// RollingCodeHex returns the rolling code element when it is a string.
func (a AddressVal) RollingCodeHex() (string, bool) {
	return rawString(a.Values[2])
}

// InUse reports whether the slot holds a paired blind. Empty slots carry a
// zero rolling code.
func (a AddressVal) InUse() bool {
	rc, ok := a.RollingCodeHex()
	return ok && !strings.EqualFold(rc, "0000")
}

var (
	ErrMissingID          = errors.New("dongle: blind id missing or not a small integer")
	ErrMissingAddress     = errors.New("dongle: blind address missing or not a string")
	ErrMissingRollingCode = errors.New("dongle: rolling code missing or not a string")
	ErrBadHexValue        = errors.New("dongle: bad hex value")
)

// BlindAddress is the checked form of AddressVal.
type BlindAddress struct {
	ID          uint8
	Address     [3]byte
	RollingCode [2]byte
}

func (b BlindAddress) String() string {
	return fmt.Sprintf("%d %X %X", b.ID, b.Address[:], b.RollingCode[:])
}

// BlindAddress validates the tuple. Fields are checked in order: id, then
// address, then rolling code.
func (a AddressVal) BlindAddress() (BlindAddress, error) {
	var out BlindAddress

	var id uint8
	if isNull(a.Values[0]) {
		return out, ErrMissingID
	}
	if err := json.Unmarshal(a.Values[0], &id); err != nil {
		return out, ErrMissingID
	}
	out.ID = id

	addr, ok := a.AddressHex()
	if !ok {
		return out, ErrMissingAddress
	}
	if err := decodeHexInto(out.Address[:], addr); err != nil {
		return out, err
	}

	rc, ok := a.RollingCodeHex()
	if !ok {
		return out, ErrMissingRollingCode
	}
	if err := decodeHexInto(out.RollingCode[:], rc); err != nil {
		return out, err
	}
	return out, nil
}

func decodeHexInto(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(dst) {
		return ErrBadHexValue
	}
	copy(dst, b)
	return nil
}
