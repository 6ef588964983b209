package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "CALLROULETTE_ICE_SERVERS_JSON"

	envStunURLs       = "CALLROULETTE_STUN_URLS"
	envTurnURLs       = "CALLROULETTE_TURN_URLS"
	envTurnUsername   = "CALLROULETTE_TURN_USERNAME"
	envTurnCredential = "CALLROULETTE_TURN_CREDENTIAL"

	envTurnRESTSharedSecret   = "CALLROULETTE_TURN_REST_SHARED_SECRET"
	envTurnRESTTTL            = "CALLROULETTE_TURN_REST_TTL"
	envTurnRESTUsernamePrefix = "CALLROULETTE_TURN_REST_USERNAME_PREFIX"

	DefaultTurnRESTTTL            = time.Hour
	DefaultTurnRESTUsernamePrefix = "callroulette"
)

// TURNRESTConfig enables per-request TURN credentials. When SharedSecret is
// set, TURN entries may omit username/credential; they are minted by the
// /webrtc/ice handler.
type TURNRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool {
	return c.SharedSecret != ""
}

// parseICEServersFromValues prefers the JSON form; the STUN/TURN convenience
// values are only used when it is empty.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, turnCredsOptional bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := parseICEServersJSON(raw, turnCredsOptional)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return parseConvenienceICEServers(stunURLs, turnURLs, turnUsername, turnCredential, turnCredsOptional)
}

// iceServerJSON mirrors the browser RTCIceServer dictionary.
type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a JSON array of RTCIceServer-like objects.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	return parseICEServersJSON(raw, false)
}

func parseICEServersJSON(raw string, turnCredsOptional bool) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		s := webrtc.ICEServer{
			URLs:     splitTrimmed(server.URLs),
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			s.Credential = server.Credential
		}
		if err := validateICEServer(s, turnCredsOptional); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN
// entry from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	return parseConvenienceICEServers(stunURLs, turnURLs, turnUsername, turnCredential, false)
}

func parseConvenienceICEServers(stunURLs, turnURLs, turnUsername, turnCredential string, turnCredsOptional bool) ([]webrtc.ICEServer, error) {
	stunList := splitTrimmed(strings.Split(stunURLs, ","))
	turnList := splitTrimmed(strings.Split(turnURLs, ","))

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if !turnCredsOptional && (turnUsername == "" || turnCredential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}

		server := webrtc.ICEServer{URLs: turnList, Username: turnUsername}
		if turnCredential != "" {
			server.Credential = turnCredential
		}
		if err := validateICEServer(server, turnCredsOptional); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitTrimmed(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, turnCredsOptional bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, url := range server.URLs {
		scheme, _, ok := strings.Cut(strings.ToLower(url), ":")
		if !ok {
			return fmt.Errorf("invalid url: %q", url)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			requiresTurnCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	if requiresTurnCreds && turnCredsOptional && server.Username == "" && server.Credential == nil {
		return nil
	}
	if requiresTurnCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}
