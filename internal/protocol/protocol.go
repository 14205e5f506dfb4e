// Package protocol defines the wire messages exchanged between the
// coordinator and its agents, and the two encodings they travel in.
//
// Control messages (auth challenge/response, screenshot request) are JSON
// text frames. Screenshot responses carry raw JPEG bytes and travel as
// MessagePack binary frames instead — base64-inflating megabytes of image
// data through JSON is not acceptable on the agent uplink.
//
// Every message is a tagged union with a snake_case "type" discriminator:
//
//	{"type":"auth_challenge","nonce":"9f2c..."}
//	{"type":"screenshot_request","request_id":"a1b2..."}
//	{"type":"auth_response","name":"workstation-7","hmac":"3d4e..."}
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageType discriminates the wire message unions.
type MessageType string

const (
	// TypeAuthChallenge is sent by the server immediately after the
	// WebSocket upgrade. Carries the per-connection nonce.
	TypeAuthChallenge MessageType = "auth_challenge"

	// TypeScreenshotRequest asks an agent to capture all monitors now.
	TypeScreenshotRequest MessageType = "screenshot_request"

	// TypeAuthResponse is the agent's reply to the challenge: its chosen
	// name and the HMAC over the nonce.
	TypeAuthResponse MessageType = "auth_response"

	// TypeScreenshotResponse carries the captured images back to the
	// server. Binary frames only.
	TypeScreenshotResponse MessageType = "screenshot_response"
)

// ServerMessage is a message sent from the coordinator to an agent.
// Exactly one of the payload fields is populated, selected by Type.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	Nonce     string      `json:"nonce,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// AuthChallenge builds the challenge sent right after connection accept.
func AuthChallenge(nonce string) ServerMessage {
	return ServerMessage{Type: TypeAuthChallenge, Nonce: nonce}
}

// ScreenshotRequest builds the capture broadcast for the given request id.
func ScreenshotRequest(requestID string) ServerMessage {
	return ServerMessage{Type: TypeScreenshotRequest, RequestID: requestID}
}

// Encode renders a server message as a JSON text frame.
func (m ServerMessage) Encode() ([]byte, error) {
	if m.Type != TypeAuthChallenge && m.Type != TypeScreenshotRequest {
		return nil, fmt.Errorf("not a server message type: %q", m.Type)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// DecodeServerMessage parses a JSON text frame into a ServerMessage.
// Used by the agent side and by tests; the coordinator never receives one.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message: %w", err)
	}
	switch m.Type {
	case TypeAuthChallenge, TypeScreenshotRequest:
		return m, nil
	default:
		return ServerMessage{}, fmt.Errorf("unknown server message type %q", m.Type)
	}
}

// Screenshot is one captured monitor: the agent-chosen monitor index and
// the JPEG bytes. The coordinator treats Data as opaque.
type Screenshot struct {
	Monitor uint32 `json:"monitor" msgpack:"monitor"`
	Data    []byte `json:"data" msgpack:"data"`
}

// ClientMessage is a message sent from an agent to the coordinator.
// Exactly one payload shape is populated, selected by Type.
type ClientMessage struct {
	Type MessageType `json:"type" msgpack:"type"`

	// auth_response
	Name string `json:"name,omitempty" msgpack:"name,omitempty"`
	HMAC string `json:"hmac,omitempty" msgpack:"hmac,omitempty"`

	// screenshot_response
	RequestID   string       `json:"request_id,omitempty" msgpack:"request_id,omitempty"`
	Screenshots []Screenshot `json:"screenshots,omitempty" msgpack:"screenshots,omitempty"`
}

// AuthResponse builds the agent's reply to an auth challenge.
func AuthResponse(name, mac string) ClientMessage {
	return ClientMessage{Type: TypeAuthResponse, Name: name, HMAC: mac}
}

// ScreenshotResponse builds the agent's capture result for a request.
func ScreenshotResponse(requestID string, shots []Screenshot) ClientMessage {
	return ClientMessage{Type: TypeScreenshotResponse, RequestID: requestID, Screenshots: shots}
}

// EncodeText renders a client message as a JSON text frame.
func (m ClientMessage) EncodeText() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// EncodeBinary renders a client message as a MessagePack binary frame.
// This is the required encoding for screenshot_response.
func (m ClientMessage) EncodeBinary() ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// DecodeClientText parses a JSON text frame into a ClientMessage.
func DecodeClientText(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	return m, validateClientType(m)
}

// DecodeClientBinary parses a MessagePack binary frame into a ClientMessage.
func DecodeClientBinary(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("decode binary client message: %w", err)
	}
	return m, validateClientType(m)
}

func validateClientType(m ClientMessage) error {
	switch m.Type {
	case TypeAuthResponse, TypeScreenshotResponse:
		return nil
	default:
		return fmt.Errorf("unknown client message type %q", m.Type)
	}
}
