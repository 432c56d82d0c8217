package dongle

import (
	"fmt"
	"strings"
)

// WireFormat selects how command payloads are encoded on the wire. The same
// format is used for the handshake token, for encoding and for decoding, and
// is fixed for the lifetime of a Ready connection.
type WireFormat int

const (
	// Passthrough sends JSON as plain text ("crypto off" in dongle terms).
	Passthrough WireFormat = iota
	// Obfuscated is the dongle's default encrypted transport. The transform
	// is not known, so Encode and Decode fail with KindUnsupported.
	Obfuscated
)

const (
	passthroughToken = "$CRYPTO_OFF_3145"
	obfuscatedToken  = "$HELLOSOMFYBG3174"
)

func (f WireFormat) String() string {
	switch f {
	case Passthrough:
		return "passthrough"
	case Obfuscated:
		return "obfuscated"
	default:
		return fmt.Sprintf("WireFormat(%d)", int(f))
	}
}

// ParseWireFormat accepts the names used in configuration files and flags.
func ParseWireFormat(s string) (WireFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "passthrough", "crypto-off", "crypto_off", "plain":
		return Passthrough, nil
	case "obfuscated", "normal", "encrypted":
		return Obfuscated, nil
	default:
		return Passthrough, fmt.Errorf("dongle: unknown wire format %q", s)
	}
}

// HandshakeToken is the literal string sent by Initialize. Selecting a
// format also selects the token the dongle expects for it.
func (f WireFormat) HandshakeToken() string {
	if f == Obfuscated {
		return obfuscatedToken
	}
	return passthroughToken
}

// Encode turns a plaintext command into wire text.
func (f WireFormat) Encode(plain string) (string, error) {
	switch f {
	case Passthrough:
		return plain, nil
	case Obfuscated:
		return "", unsupported("encode", "obfuscated wire format is not implemented")
	default:
		return "", unsupported("encode", f.String())
	}
}

// Decode turns wire text back into plaintext.
func (f WireFormat) Decode(wire string) (string, error) {
	switch f {
	case Passthrough:
		return wire, nil
	case Obfuscated:
		return "", unsupported("decode", "obfuscated wire format is not implemented")
	default:
		return "", unsupported("decode", f.String())
	}
}
