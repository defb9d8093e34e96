package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

const (
	aliceID = "0f8fad5b-d9cb-469f-a165-70867728950e"
	bobID   = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
)

func TestParseRequest_Valid(t *testing.T) {
	alice := uuid.MustParse(aliceID)
	bob := uuid.MustParse(bobID)

	tests := []struct {
		name string
		in   string
		want Request
	}{
		{
			name: "registerUser",
			in:   `{"type":"registerUser","identity":"` + aliceID + `","displayName":"  Alice "}`,
			want: Request{Type: TypeRegisterUser, Identity: alice, DisplayName: "Alice"},
		},
		{
			name: "call with id",
			in:   `{"type":"call","id":7,"caller":"` + aliceID + `","target":"` + bobID + `"}`,
			want: Request{Type: TypeCall, Caller: alice, Target: bob},
		},
		{
			name: "acceptCall without caller",
			in:   `{"type":"acceptCall","target":"` + aliceID + `"}`,
			want: Request{Type: TypeAcceptCall, Target: alice},
		},
		{
			name: "sendRtcData sdp",
			in:   `{"type":"sendRtcData","caller":"` + aliceID + `","target":"` + bobID + `","kind":"sdp","payload":"{\"type\":\"offer\"}"}`,
			want: Request{Type: TypeSendRtcData, Caller: alice, Target: bob, Kind: KindSDP, Payload: `{"type":"offer"}`},
		},
		{
			name: "sendRtcData custom kind empty payload",
			in:   `{"type":"sendRtcData","target":"` + bobID + `","kind":"renegotiate","payload":""}`,
			want: Request{Type: TypeSendRtcData, Target: bob, Kind: "renegotiate"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRequest([]byte(tc.in))
			if err != nil {
				t.Fatalf("ParseRequest: %v", err)
			}
			if tc.name == "call with id" {
				if got.ID == nil || *got.ID != 7 {
					t.Fatalf("id=%v, want 7", got.ID)
				}
			}
			got.ID = nil
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParseRequest_Malformed(t *testing.T) {
	tests := []string{
		``,
		`not json`,
		`{"type":"call"`,
		`{"type":"call","target":"` + bobID + `","extra":1}`,
		`{"type":"call","target":"` + bobID + `"} {}`,
		`{"type":"hangUp","target":"` + bobID + `"}`,
		`{"type":""}`,
		`[]`,
	}
	for _, in := range tests {
		_, err := ParseRequest([]byte(in))
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("ParseRequest(%q) err=%v, want ErrMalformed", in, err)
		}
	}
}

func TestParseRequest_InvalidKeepsTypeAndID(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"bad uuid", `{"type":"call","id":3,"target":"bob"}`},
		{"nil uuid", `{"type":"call","id":3,"target":"00000000-0000-0000-0000-000000000000"}`},
		{"missing target", `{"type":"acceptCall","id":3}`},
		{"bad caller", `{"type":"call","id":3,"caller":"x","target":"` + bobID + `"}`},
		{"missing displayName", `{"type":"registerUser","id":3,"identity":"` + aliceID + `"}`},
		{"blank displayName", `{"type":"registerUser","id":3,"identity":"` + aliceID + `","displayName":"   "}`},
		{"missing kind", `{"type":"sendRtcData","id":3,"target":"` + bobID + `","payload":"x"}`},
		{"missing payload", `{"type":"sendRtcData","id":3,"target":"` + bobID + `","kind":"sdp"}`},
		{"kind on call", `{"type":"call","id":3,"target":"` + bobID + `","kind":"sdp"}`},
		{"target on register", `{"type":"registerUser","id":3,"identity":"` + aliceID + `","displayName":"a","target":"` + bobID + `"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tc.in))
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("err=%v, want ErrInvalidRequest", err)
			}
			if req.Type == "" {
				t.Fatalf("expected type to be preserved")
			}
			if req.ID == nil || *req.ID != 3 {
				t.Fatalf("id=%v, want 3", req.ID)
			}
		})
	}
}

func TestNotifications_Shape(t *testing.T) {
	alice := uuid.MustParse(aliceID)

	var users map[string]any
	if err := json.Unmarshal(ReceiveUsers(nil), &users); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if list, ok := users["users"].([]any); !ok || len(list) != 0 {
		t.Fatalf("users=%v, want empty array", users["users"])
	}

	got := string(ReceiveUsers([]UserInfo{{Identity: alice, DisplayName: "Alice"}}))
	want := `{"type":"receiveUsers","users":[{"identity":"` + aliceID + `","displayName":"Alice"}]}`
	if got != want {
		t.Fatalf("ReceiveUsers=%s, want %s", got, want)
	}

	if got := string(ReceiveCall(alice)); got != `{"type":"receiveCall","caller":"`+aliceID+`"}` {
		t.Fatalf("ReceiveCall=%s", got)
	}
	if got := string(ReceiveAcceptCall(alice)); got != `{"type":"receiveAcceptCall","caller":"`+aliceID+`"}` {
		t.Fatalf("ReceiveAcceptCall=%s", got)
	}
	if got := string(ReceiveRtcData(alice, KindCandidate, `{"candidate":"a"}`)); !strings.Contains(got, `"payload":"{\"candidate\":\"a\"}"`) {
		t.Fatalf("ReceiveRtcData=%s", got)
	}
	if got := string(Completion(9, nil)); got != `{"type":"completion","id":9}` {
		t.Fatalf("Completion=%s", got)
	}
	if got := string(Completion(9, &ErrorBody{Code: CodeUnknownTarget, Message: "no such user"})); got != `{"type":"completion","id":9,"error":{"code":"unknown_target","message":"no such user"}}` {
		t.Fatalf("Completion(error)=%s", got)
	}
	if got := string(Error(CodeBadRequest, "nope")); got != `{"type":"error","code":"bad_request","message":"nope"}` {
		t.Fatalf("Error=%s", got)
	}
}

func TestParseMessage_RoundTripsRtcData(t *testing.T) {
	alice := uuid.MustParse(aliceID)
	msg, err := ParseMessage(ReceiveRtcData(alice, KindSDP, "v=0"))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Type != TypeReceiveRtcData || msg.Caller != alice || msg.Kind != KindSDP || msg.Payload != "v=0" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
