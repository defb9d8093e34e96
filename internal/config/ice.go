package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "BLAZORCHAT_ICE_SERVERS_JSON"

	envStunURLs       = "BLAZORCHAT_STUN_URLS"
	envTurnURLs       = "BLAZORCHAT_TURN_URLS"
	envTurnUsername   = "BLAZORCHAT_TURN_USERNAME"
	envTurnCredential = "BLAZORCHAT_TURN_CREDENTIAL"
)

// DefaultSTUNURL is served to browsers when no ICE configuration is given.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

// iceSettings holds the raw ICE inputs. JSON, when set, replaces the URL
// lists entirely.
type iceSettings struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

// servers builds the list handed to browsers by GET /webrtc/ice. The server
// never dials these itself; it only checks they are usable by a browser.
func (s iceSettings) servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		out, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return out, nil
	}

	stun, turn := commaList(s.STUNURLs), commaList(s.TURNURLs)
	if len(stun) == 0 && len(turn) == 0 {
		return []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}, nil
	}

	var out []webrtc.ICEServer
	if len(stun) > 0 {
		out = append(out, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		out = append(out, webrtc.ICEServer{
			URLs:       turn,
			Username:   strings.TrimSpace(s.TURNUsername),
			Credential: strings.TrimSpace(s.TURNCredential),
		})
	}
	for _, server := range out {
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s/%s: %w", envStunURLs, envTurnURLs, err)
		}
	}
	return out, nil
}

// urlList accepts both `"urls": "stun:..."` and `"urls": ["stun:..."]`, the
// two shapes RTCIceServer allows.
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

// ParseICEServersJSON parses a browser-style iceServers array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       urlList `json:"urls"`
		Username   string  `json:"username"`
		Credential string  `json:"credential"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{
			URLs:     commaList(strings.Join(e.URLs, ",")),
			Username: strings.TrimSpace(e.Username),
		}
		if cred := strings.TrimSpace(e.Credential); cred != "" {
			server.Credential = cred
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func commaList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func checkICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	relay := false
	for _, u := range server.URLs {
		scheme, _, _ := strings.Cut(u, ":")
		switch strings.ToLower(scheme) {
		case "stun", "stuns":
		case "turn", "turns":
			relay = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if !relay {
		return nil
	}
	cred, _ := server.Credential.(string)
	if server.Username == "" || cred == "" {
		return errors.New("turn urls require username and credential")
	}
	return nil
}
