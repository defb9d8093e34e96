package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

type MessageType string

// Client -> server.
const (
	TypeRegisterUser MessageType = "registerUser"
	TypeCall         MessageType = "call"
	TypeAcceptCall   MessageType = "acceptCall"
	TypeSendRtcData  MessageType = "sendRtcData"
)

// Server -> client.
const (
	TypeReceiveUsers      MessageType = "receiveUsers"
	TypeReceiveCall       MessageType = "receiveCall"
	TypeReceiveAcceptCall MessageType = "receiveAcceptCall"
	TypeReceiveRtcData    MessageType = "receiveRtcData"
	TypeCompletion        MessageType = "completion"
	TypeError             MessageType = "error"
)

// Negotiation payload kinds produced by browsers. Other non-empty kinds are
// relayed unchanged.
const (
	KindSDP       = "sdp"
	KindCandidate = "candidate"
)

// Error codes carried in completion and error messages.
const (
	CodeBadMessage    = "bad_message"
	CodeBadRequest    = "bad_request"
	CodeUnknownTarget = "unknown_target"
	CodeNotRegistered = "not_registered"
	CodeNotConnected  = "not_connected"
	CodeRateLimited   = "rate_limited"
	CodeTooManyConns  = "too_many_connections"
	CodeInternal      = "internal_error"
)

var (
	// ErrMalformed means the frame is not a well-formed message at all. The
	// connection that sent it cannot be trusted to stay in sync.
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrInvalidRequest means the frame decoded but its fields are unusable.
	// The request fails; the connection stays open.
	ErrInvalidRequest = errors.New("protocol: invalid request")
)

// UserInfo is one entry of a presence list.
type UserInfo struct {
	Identity    uuid.UUID `json:"identity"`
	DisplayName string    `json:"displayName"`
}

// Request is a decoded client message.
type Request struct {
	Type MessageType
	// ID correlates a completion with this request. Nil when the client did
	// not ask for one.
	ID *uint64

	Identity    uuid.UUID
	DisplayName string

	// Caller is uuid.Nil when omitted; the server then uses the identity the
	// connection registered with.
	Caller  uuid.UUID
	Target  uuid.UUID
	Kind    string
	Payload string
}

type wireRequest struct {
	Type        MessageType `json:"type"`
	ID          *uint64     `json:"id,omitempty"`
	Identity    string      `json:"identity,omitempty"`
	DisplayName *string     `json:"displayName,omitempty"`
	Caller      string      `json:"caller,omitempty"`
	Target      string      `json:"target,omitempty"`
	Kind        string      `json:"kind,omitempty"`
	Payload     *string     `json:"payload,omitempty"`
}

// ParseRequest decodes one client frame.
//
// Framing problems (bad JSON, unknown fields, trailing data, unknown type)
// return an error wrapping ErrMalformed. Field problems return an error
// wrapping ErrInvalidRequest together with a Request whose Type and ID are
// set, so the caller can still answer the request.
func ParseRequest(data []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wireRequest
	if err := dec.Decode(&w); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Request{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformed)
	}

	req := Request{Type: w.Type, ID: w.ID}
	switch w.Type {
	case TypeRegisterUser:
		if w.Caller != "" || w.Target != "" || w.Kind != "" || w.Payload != nil {
			return req, invalid("registerUser has unexpected fields")
		}
		id, err := parseIdentity("identity", w.Identity)
		if err != nil {
			return req, err
		}
		if w.DisplayName == nil || strings.TrimSpace(*w.DisplayName) == "" {
			return req, invalid("registerUser missing displayName")
		}
		req.Identity = id
		req.DisplayName = strings.TrimSpace(*w.DisplayName)
	case TypeCall, TypeAcceptCall, TypeSendRtcData:
		if w.Identity != "" || w.DisplayName != nil {
			return req, invalid(fmt.Sprintf("%s has unexpected fields", w.Type))
		}
		if w.Caller != "" {
			caller, err := parseIdentity("caller", w.Caller)
			if err != nil {
				return req, err
			}
			req.Caller = caller
		}
		target, err := parseIdentity("target", w.Target)
		if err != nil {
			return req, err
		}
		req.Target = target

		if w.Type != TypeSendRtcData {
			if w.Kind != "" || w.Payload != nil {
				return req, invalid(fmt.Sprintf("%s has unexpected fields", w.Type))
			}
			break
		}
		if w.Kind == "" {
			return req, invalid("sendRtcData missing kind")
		}
		if w.Payload == nil {
			return req, invalid("sendRtcData missing payload")
		}
		req.Kind = w.Kind
		req.Payload = *w.Payload
	default:
		return Request{}, fmt.Errorf("%w: unsupported message type %q", ErrMalformed, w.Type)
	}
	return req, nil
}

func parseIdentity(field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, invalid("missing " + field)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, invalid(fmt.Sprintf("%s is not a uuid: %v", field, err))
	}
	if id == uuid.Nil {
		return uuid.Nil, invalid(field + " must not be the nil uuid")
	}
	return id, nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}
