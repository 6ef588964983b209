// Package turnrest mints short-lived TURN credentials for the /webrtc/ice
// endpoint, compatible with coturn's --use-auth-secret mode.
//
//	username   = <unix_expiry>:<prefix>:<id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
	newID  func() string
}

func New(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("turnrest: ttl must be at least 1s")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" || strings.Contains(id, ":") {
		return Credentials{}, errors.New("turnrest: id must be non-empty and must not contain ':'")
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + g.prefix + ":" + id

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers in which every TURN entry without a
// username carries one freshly minted credential. Other entries are
// returned unchanged.
func (g *Generator) Apply(servers []webrtc.ICEServer) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(servers))
	copy(out, servers)

	var creds *Credentials
	for i, s := range out {
		if s.Username != "" || !IsTURN(s) {
			continue
		}
		if creds == nil {
			c, err := g.Generate(g.newID())
			if err != nil {
				return nil, err
			}
			creds = &c
		}
		out[i].Username = creds.Username
		out[i].Credential = creds.Credential
	}
	return out, nil
}

// IsTURN reports whether any of the server's URLs uses a turn: or turns: scheme.
func IsTURN(s webrtc.ICEServer) bool {
	for _, u := range s.URLs {
		scheme, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(u)), ":")
		if scheme == "turn" || scheme == "turns" {
			return true
		}
	}
	return false
}
