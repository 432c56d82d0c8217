package dongle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// readChunk is the size of a single read from the stream.
const readChunk = 256

// Strategy parses one frame from the start of buf. It returns the value and
// the number of bytes it consumed, or ErrIncomplete when buf does not yet
// hold a whole frame. Strategies must not retain buf.
type Strategy[T any] interface {
	Parse(buf []byte) (T, int, error)
}

// ReadFrame reads from r into buf until s can parse a complete frame.
//
// Consumed bytes are dropped from the front of buf; bytes past the frame stay
// buffered for the next call. A read returning no bytes ends the loop with
// ErrEndOfStream. I/O errors are returned immediately as KindIO. There is no
// timeout: a silent device blocks the call until bytes arrive, the stream is
// closed, or ctx is cancelled between reads.
func ReadFrame[T any](ctx context.Context, r io.Reader, buf *bytes.Buffer, s Strategy[T]) (T, error) {
	var zero T
	var chunk [readChunk]byte

	for {
		v, n, err := s.Parse(buf.Bytes())
		if err == nil {
			buf.Next(n)
			return v, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return zero, err
		}

		if err := ctx.Err(); err != nil {
			return zero, err
		}

		n, err = r.Read(chunk[:])
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return zero, ioError("read", err)
		}
		if n == 0 {
			return zero, ErrEndOfStream
		}
	}
}

// LineStrategy extracts exactly Lines CR-LF terminated lines.
//
// Only the CR LF pair terminates a line. A bare LF is line content, and so is
// a CR followed by anything other than LF; scanning resumes at the byte after
// that CR.
type LineStrategy struct {
	Lines int
}

func (l LineStrategy) Parse(buf []byte) ([]string, int, error) {
	lines := make([]string, 0, l.Lines)
	pos := 0
	for len(lines) < l.Lines {
		line, next, err := scanLine(buf, pos)
		if err != nil {
			return nil, 0, err
		}
		lines = append(lines, line)
		pos = next
	}
	return lines, pos, nil
}

// scanLine returns the line starting at start and the offset just past its
// terminator.
func scanLine(buf []byte, start int) (string, int, error) {
	for i := start; i < len(buf); i++ {
		if buf[i] != '\r' {
			continue
		}
		if i+1 >= len(buf) {
			return "", 0, ErrIncomplete
		}
		if buf[i+1] != '\n' {
			continue
		}
		content := buf[start:i]
		if !utf8.Valid(content) {
			return "", 0, ErrBadEncoding
		}
		return string(content), i + 2, nil
	}
	return "", 0, ErrIncomplete
}

// JSONStrategy extracts a single JSON value. The buffered span is first
// passed through Format.Decode.
//
// Running out of input inside a value is reported as ErrIncomplete. Any other
// syntax error is a hard KindJSON error: the dongle is assumed to emit
// well-formed JSON, so garbage means the stream is out of step.
type JSONStrategy struct {
	Format WireFormat
}

func (s JSONStrategy) Parse(buf []byte) (json.RawMessage, int, error) {
	text, err := s.Format.Decode(string(buf))
	if err != nil {
		return nil, 0, err
	}

	dec := json.NewDecoder(strings.NewReader(text))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, ErrIncomplete
		}
		return nil, 0, &Error{Kind: KindJSON, Op: "read", Msg: "malformed reply", Err: err}
	}

	n := int(dec.InputOffset())
	if !utf8.ValidString(text[:n]) {
		return nil, 0, ErrBadEncoding
	}
	return raw, n, nil
}
