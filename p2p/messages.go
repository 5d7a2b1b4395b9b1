package p2p

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
)

// Address identifies a node endpoint in the overlay as "host:port".
type Address string

// ParseAddress validates and normalizes a dialable host:port string.
func ParseAddress(value string) (Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("p2p: empty address")
	}
	if _, _, err := net.SplitHostPort(trimmed); err != nil {
		return "", fmt.Errorf("p2p: invalid address %q: %w", trimmed, err)
	}
	return Address(trimmed), nil
}

func (a Address) String() string { return string(a) }

// Message is any wire entity delivered by the transport. Every message carries
// the sender's claimed overlay address so listeners can filter by peer.
type Message interface {
	Sender() Address
}

// AuthenticationRequest opens a handshake. The requester claims SenderAddress
// as its own dialable endpoint and issues a fresh nonce for the responder to
// echo back in its challenge.
type AuthenticationRequest struct {
	SenderAddress  Address `json:"senderAddress"`
	RequesterNonce uint64  `json:"requesterNonce"`
}

func (m AuthenticationRequest) Sender() Address { return m.SenderAddress }

// AuthenticationChallenge is the responder's reply, sent on a freshly dialed
// connection to the requester's claimed address. It echoes the requester's
// nonce, issues the responder's own, and gossips known peers.
type AuthenticationChallenge struct {
	SenderAddress  Address   `json:"senderAddress"`
	RequesterNonce uint64    `json:"requesterNonce"`
	ResponderNonce uint64    `json:"responderNonce"`
	ReportedPeers  []Address `json:"reportedPeers"`
}

func (m AuthenticationChallenge) Sender() Address { return m.SenderAddress }

// AuthenticationResponse closes the handshake from the requester's side by
// echoing the responder's nonce.
type AuthenticationResponse struct {
	SenderAddress  Address   `json:"senderAddress"`
	ResponderNonce uint64    `json:"responderNonce"`
	ReportedPeers  []Address `json:"reportedPeers"`
}

func (m AuthenticationResponse) Sender() Address { return m.SenderAddress }

// Wire kinds for envelope framing.
const (
	kindAuthRequest   = "authRequest"
	kindAuthChallenge = "authChallenge"
	kindAuthResponse  = "authResponse"
)

type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func encodeMessage(msg Message) ([]byte, error) {
	var kind string
	switch msg.(type) {
	case AuthenticationRequest:
		kind = kindAuthRequest
	case AuthenticationChallenge:
		kind = kindAuthChallenge
	case AuthenticationResponse:
		kind = kindAuthResponse
	default:
		return nil, fmt.Errorf("p2p: unsupported message type %T", msg)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("p2p: encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{Kind: kind, Payload: payload})
}

func decodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("p2p: decode envelope: %w", err)
	}
	switch env.Kind {
	case kindAuthRequest:
		var msg AuthenticationRequest
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("p2p: decode %s: %w", env.Kind, err)
		}
		return msg, nil
	case kindAuthChallenge:
		var msg AuthenticationChallenge
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("p2p: decode %s: %w", env.Kind, err)
		}
		return msg, nil
	case kindAuthResponse:
		var msg AuthenticationResponse
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("p2p: decode %s: %w", env.Kind, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("p2p: unknown message kind %q", env.Kind)
	}
}
