package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNURL is handed to browsers when nothing else is configured.
// Setting the STUN URLs to an empty string hands out no servers at all.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

const (
	envICEServersJSON = "SIGNLINK_ICE_SERVERS_JSON"

	envStunURLs       = "SIGNLINK_STUN_URLS"
	envTurnURLs       = "SIGNLINK_TURN_URLS"
	envTurnUsername   = "SIGNLINK_TURN_USERNAME"
	envTurnCredential = "SIGNLINK_TURN_CREDENTIAL"
)

// iceSettings is the ICE input as collected from env and flags.
type iceSettings struct {
	JSON       string
	STUN       string
	TURN       string
	Username   string
	Credential string
}

// servers resolves the settings into the list served on /webrtc/ice. A JSON
// list replaces the STUN/TURN settings entirely.
func (s iceSettings) servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(s.STUN, s.TURN, s.Username, s.Credential)
}

// iceEntry is one RTCIceServer before validation.
type iceEntry struct {
	URLs       []string
	Username   string
	Credential string
}

func (e *iceEntry) UnmarshalJSON(b []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Username = strings.TrimSpace(raw.Username)
	e.Credential = strings.TrimSpace(raw.Credential)
	if len(raw.URLs) == 0 {
		return nil
	}

	// Browsers accept "urls" as a string or a list.
	var one string
	if err := json.Unmarshal(raw.URLs, &one); err == nil {
		e.URLs = compactURLs([]string{one})
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw.URLs, &many); err != nil {
		return fmt.Errorf("urls: %w", err)
	}
	e.URLs = compactURLs(many)
	return nil
}

// server checks every URL and that TURN entries carry credentials.
func (e iceEntry) server() (webrtc.ICEServer, error) {
	if len(e.URLs) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}
	needsAuth := false
	for _, raw := range e.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return webrtc.ICEServer{}, fmt.Errorf("url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			needsAuth = true
		}
	}
	if needsAuth && (e.Username == "" || e.Credential == "") {
		return webrtc.ICEServer{}, errors.New("turn urls require username and credential")
	}

	s := webrtc.ICEServer{URLs: e.URLs, Username: e.Username}
	if e.Credential != "" {
		s.Credential = e.Credential
	}
	return s, nil
}

// ParseICEServersJSON parses an RTCIceServer list in the shape browsers take
// it.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		s, err := e.server()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN entry
// from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := compactURLs(strings.Split(stunURLs, ",")); len(urls) > 0 {
		s, err := iceEntry{URLs: urls}.server()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, s)
	}

	if urls := compactURLs(strings.Split(turnURLs, ",")); len(urls) > 0 {
		e := iceEntry{
			URLs:       urls,
			Username:   strings.TrimSpace(turnUsername),
			Credential: strings.TrimSpace(turnCredential),
		}
		if e.Username == "" || e.Credential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		s, err := e.server()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, s)
	}

	return servers, nil
}

// compactURLs trims entries, drops blanks and repeats.
func compactURLs(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, u := range in {
		u = strings.TrimSpace(u)
		key := strings.ToLower(u)
		if u == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, u)
	}
	return out
}
