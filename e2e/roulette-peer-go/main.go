// Command roulette-peer-go is a headless CallRoulette client used by E2E
// tests: it joins the roulette, completes the offer/answer exchange with
// whoever it is paired with and exchanges one DataChannel message.
//
// On success it prints "CONNECTED <role> <message>" and exits 0.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/saghul/CallRoulette/internal/signaling"
)

const dataChannelLabel = "roulette"

func main() {
	serverURL := flag.String("url", envOrDefault("SERVER_URL", "http://127.0.0.1:8080"), "CallRoulette base URL (env SERVER_URL)")
	timeout := flag.Duration("timeout", 30*time.Second, "give up after this long")
	origin := flag.String("origin", "", "Origin header to send with the WebSocket handshake")
	pionLogLevel := flag.String("pion-log-level", envOrDefault("PION_LOG_LEVEL", "error"), "pion log level (trace, debug, info, warn, error, disabled)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	res, err := run(ctx, *serverURL, *origin, *pionLogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "roulette-peer: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("CONNECTED %s %s\n", res.role, res.message)
}

type result struct {
	role    string
	message string
}

func run(ctx context.Context, baseURL, origin, pionLogLevel string) (result, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return result{}, fmt.Errorf("parse url: %w", err)
	}

	iceServers, err := fetchICEServers(ctx, base)
	if err != nil {
		return result{}, err
	}

	api, err := newAPI(pionLogLevel)
	if err != nil {
		return result{}, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return result{}, fmt.Errorf("new peer connection: %w", err)
	}
	defer pc.Close()

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	dialer := websocket.Dialer{Subprotocols: []string{signaling.Subprotocol}, HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, wsURL(base), header)
	if err != nil {
		return result{}, fmt.Errorf("dial signaling: %w", err)
	}
	defer ws.Close()

	p := &peer{pc: pc, ws: ws, done: make(chan result, 1)}
	p.watch()

	errCh := make(chan error, 1)
	go func() { errCh <- p.readLoop() }()

	select {
	case res := <-p.done:
		return res, nil
	case err := <-errCh:
		select {
		case res := <-p.done:
			return res, nil
		default:
		}
		return result{}, err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func newAPI(level string) (*webrtc.API, error) {
	lf := logging.NewDefaultLoggerFactory()
	switch strings.ToLower(level) {
	case "trace":
		lf.DefaultLogLevel = logging.LogLevelTrace
	case "debug":
		lf.DefaultLogLevel = logging.LogLevelDebug
	case "info":
		lf.DefaultLogLevel = logging.LogLevelInfo
	case "warn":
		lf.DefaultLogLevel = logging.LogLevelWarn
	case "error":
		lf.DefaultLogLevel = logging.LogLevelError
	case "disabled":
		lf.DefaultLogLevel = logging.LogLevelDisabled
	default:
		return nil, fmt.Errorf("invalid pion log level %q", level)
	}

	se := webrtc.SettingEngine{LoggerFactory: lf}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func fetchICEServers(ctx context.Context, base *url.URL) ([]webrtc.ICEServer, error) {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/webrtc/ice"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: status %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}

func wsURL(base *url.URL) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

type peer struct {
	pc *webrtc.PeerConnection
	ws *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	jsepSent bool
	pending  []webrtc.ICECandidateInit

	done chan result
}

func (p *peer) watch() {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		ci := c.ToJSON()
		p.mu.Lock()
		if !p.jsepSent {
			// The server only relays candidates once the answer is through.
			p.pending = append(p.pending, ci)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.sendCandidate(ci)
	})
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.handleDataChannel(dc, "answerer")
	})
}

func (p *peer) handleDataChannel(dc *webrtc.DataChannel, role string) {
	dc.OnOpen(func() {
		_ = dc.SendText("hello from " + role)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case p.done <- result{role: role, message: string(msg.Data)}:
		default:
		}
	})
}

func (p *peer) send(msg string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (p *peer) sendCandidate(ci webrtc.ICECandidateInit) {
	msg, err := signaling.EncodeCandidate(ci)
	if err != nil {
		fmt.Fprintf(os.Stderr, "roulette-peer: encode candidate: %v\n", err)
		return
	}
	_ = p.send(msg)
}

func (p *peer) sendJsep(desc webrtc.SessionDescription) error {
	msg, err := signaling.EncodeJsep(desc)
	if err != nil {
		return err
	}
	if err := p.send(msg); err != nil {
		return err
	}

	p.mu.Lock()
	p.jsepSent = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, ci := range pending {
		p.sendCandidate(ci)
	}
	return nil
}

func (p *peer) readLoop() error {
	for {
		_, raw, err := p.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("server closed signaling: %d %s", ce.Code, ce.Text)
			}
			return fmt.Errorf("read signaling: %w", err)
		}
		if string(raw) == signaling.EncodeOfferRequest() {
			if err := p.offer(); err != nil {
				return err
			}
			continue
		}

		env, err := signaling.Decode(raw)
		if err != nil {
			return fmt.Errorf("decode %q: %w", raw, err)
		}
		switch env.Kind {
		case signaling.KindJsep:
			if err := p.pc.SetRemoteDescription(env.Jsep.SessionDescription()); err != nil {
				return fmt.Errorf("set remote description: %w", err)
			}
			if env.Jsep.Type == webrtc.SDPTypeOffer {
				if err := p.answer(); err != nil {
					return err
				}
			}
		case signaling.KindCandidate:
			if err := p.pc.AddICECandidate(env.Candidate.ICECandidateInit()); err != nil {
				return fmt.Errorf("add ice candidate: %w", err)
			}
		default:
			return fmt.Errorf("unexpected %s message", env.Kind)
		}
	}
}

func (p *peer) offer() error {
	dc, err := p.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	p.handleDataChannel(dc, "offerer")

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return p.sendJsep(offer)
}

func (p *peer) answer() error {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return p.sendJsep(answer)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
