package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type usersMessage struct {
	Type  MessageType `json:"type"`
	Users []UserInfo  `json:"users"`
}

type callMessage struct {
	Type   MessageType `json:"type"`
	Caller uuid.UUID   `json:"caller"`
}

type rtcDataMessage struct {
	Type    MessageType `json:"type"`
	Caller  uuid.UUID   `json:"caller"`
	Kind    string      `json:"kind"`
	Payload string      `json:"payload"`
}

type completionMessage struct {
	Type  MessageType `json:"type"`
	ID    uint64      `json:"id"`
	Error *ErrorBody  `json:"error,omitempty"`
}

type errorMessage struct {
	Type MessageType `json:"type"`
	ErrorBody
}

// ReceiveUsers encodes a presence list. A nil list encodes as [].
func ReceiveUsers(users []UserInfo) []byte {
	if users == nil {
		users = []UserInfo{}
	}
	return encode(usersMessage{Type: TypeReceiveUsers, Users: users})
}

func ReceiveCall(caller uuid.UUID) []byte {
	return encode(callMessage{Type: TypeReceiveCall, Caller: caller})
}

func ReceiveAcceptCall(caller uuid.UUID) []byte {
	return encode(callMessage{Type: TypeReceiveAcceptCall, Caller: caller})
}

func ReceiveRtcData(caller uuid.UUID, kind, payload string) []byte {
	return encode(rtcDataMessage{Type: TypeReceiveRtcData, Caller: caller, Kind: kind, Payload: payload})
}

// Completion answers the request with the given id. body is nil on success.
func Completion(id uint64, body *ErrorBody) []byte {
	return encode(completionMessage{Type: TypeCompletion, ID: id, Error: body})
}

func Error(code, message string) []byte {
	return encode(errorMessage{Type: TypeError, ErrorBody: ErrorBody{Code: code, Message: message}})
}

// encode marshals the fixed message structs above, none of which can fail
// to encode.
func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("protocol: encode: " + err.Error())
	}
	return b
}

// Message is the union of every server message, for clients and tests that
// need to decode what the server sends.
type Message struct {
	Type    MessageType `json:"type"`
	Users   []UserInfo  `json:"users,omitempty"`
	Caller  uuid.UUID   `json:"caller,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Payload string      `json:"payload,omitempty"`
	ID      *uint64     `json:"id,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
