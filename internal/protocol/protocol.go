// Package protocol encodes and decodes the session control messages exchanged
// between clients and servers. Every message is a single case-sensitive ASCII
// token carried as the whole UDP payload.
package protocol

import "unicode/utf8"

// Kind identifies a control message.
type Kind uint8

const (
	// Unknown is any payload that is not an exact known token, including
	// payloads that are not valid UTF-8.
	Unknown Kind = iota
	Handshake
	HandshakeAck
	PingRequest
	PingAck
	ShutdownRequest
)

// Wire tokens.
const (
	TokenHandshake       = "MINETEST_HAND_SHAKE"
	TokenHandshakeAck    = "MINETEST_HAND_SHAKE_CONFIRMED"
	TokenPingRequest     = "MINETEST_PING_REQUEST"
	TokenPingAck         = "MINETEST_PING_CONFIRMATION"
	TokenShutdownRequest = "MINETEST_SHUT_DOWN_REQUEST"
)

var tokens = map[Kind]string{
	Handshake:       TokenHandshake,
	HandshakeAck:    TokenHandshakeAck,
	PingRequest:     TokenPingRequest,
	PingAck:         TokenPingAck,
	ShutdownRequest: TokenShutdownRequest,
}

var kinds = func() map[string]Kind {
	m := make(map[string]Kind, len(tokens))
	for k, tok := range tokens {
		m[tok] = k
	}
	return m
}()

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case Handshake:
		return "handshake"
	case HandshakeAck:
		return "handshake_ack"
	case PingRequest:
		return "ping_request"
	case PingAck:
		return "ping_ack"
	case ShutdownRequest:
		return "shutdown_request"
	default:
		return "unknown"
	}
}

// Message is a decoded control message. Raw holds the original payload for
// Unknown messages and is nil otherwise.
type Message struct {
	Kind Kind
	Raw  []byte
	// ValidUTF8 is false when the payload failed UTF-8 validation.
	ValidUTF8 bool
}

// New returns a known message of kind k.
func New(k Kind) Message {
	return Message{Kind: k, ValidUTF8: true}
}

// IsUnknown reports whether m carries no recognised token.
func (m Message) IsUnknown() bool {
	return m.Kind == Unknown
}

// Encode returns the wire form of m. Unknown messages encode to their raw payload.
//
// Postcondition: Decode(Encode(New(k))) has kind k for every known k.
func Encode(m Message) []byte {
	if tok, ok := tokens[m.Kind]; ok {
		return []byte(tok)
	}
	out := make([]byte, len(m.Raw))
	copy(out, m.Raw)
	return out
}

// Decode parses a payload. It never fails: invalid UTF-8 and unrecognised
// tokens both yield an Unknown message holding a copy of the payload.
func Decode(b []byte) Message {
	if !utf8.Valid(b) {
		return unknown(b, false)
	}
	if k, ok := kinds[string(b)]; ok {
		return New(k)
	}
	return unknown(b, true)
}

func unknown(b []byte, valid bool) Message {
	raw := make([]byte, len(b))
	copy(raw, b)
	return Message{Kind: Unknown, Raw: raw, ValidUTF8: valid}
}
