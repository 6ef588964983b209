package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/pion/webrtc/v4"
)

// ErrInvalidMessage is wrapped by every Decode error.
var ErrInvalidMessage = errors.New("signaling: invalid message")

// marker is the value of the "yo" field carried by every envelope.
const marker = "yo"

type Kind int

const (
	KindOfferRequest Kind = iota
	KindJsep
	KindCandidate
)

func (k Kind) String() string {
	switch k {
	case KindOfferRequest:
		return "offer_request"
	case KindJsep:
		return "jsep"
	case KindCandidate:
		return "candidate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Jsep is an SDP offer or answer.
type Jsep struct {
	Type webrtc.SDPType
	SDP  string
}

func (j Jsep) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: j.Type, SDP: j.SDP}
}

// Candidate is a trickled ICE candidate. The candidate line is opaque.
type Candidate struct {
	Candidate        string
	SDPMid           string
	SDPMLineIndex    uint16
	UsernameFragment *string
}

func (c Candidate) ICECandidateInit() webrtc.ICECandidateInit {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           &mid,
		SDPMLineIndex:    &idx,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is a decoded signaling message. Exactly one payload matches Kind.
type Envelope struct {
	Kind      Kind
	Jsep      *Jsep
	Candidate *Candidate
}

type wireJsep struct {
	Type *string `json:"type"`
	SDP  *string `json:"sdp"`
}

type wireCandidate struct {
	Candidate        *string `json:"candidate"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type wireEnvelope struct {
	Yo        *string        `json:"yo,omitempty"`
	Jsep      *wireJsep      `json:"jsep,omitempty"`
	Candidate *wireCandidate `json:"candidate,omitempty"`
}

// Decode parses and validates one inbound message.
//
// Unknown fields and trailing data are rejected. The "yo" marker may be
// omitted but must be "yo" when present. Exactly one of "jsep" and
// "candidate" must be set; a client never sends an offer request.
func Decode(data []byte) (Envelope, error) {
	// encoding/json matches keys case-insensitively and lets duplicates
	// overwrite each other, so key sets are checked exactly first.
	fields, err := objectFields(data, "yo", "jsep", "candidate")
	if err != nil {
		return Envelope{}, err
	}
	if raw, ok := fields["jsep"]; ok && !isNull(raw) {
		if _, err := objectFields(raw, "type", "sdp"); err != nil {
			return Envelope{}, fmt.Errorf("jsep: %w", err)
		}
	}
	if raw, ok := fields["candidate"]; ok && !isNull(raw) {
		if _, err := objectFields(raw, "candidate", "sdpMid", "sdpMLineIndex", "usernameFragment"); err != nil {
			return Envelope{}, fmt.Errorf("candidate: %w", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wireEnvelope
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("%w: unexpected trailing data", ErrInvalidMessage)
	}
	if w.Yo != nil && *w.Yo != marker {
		return Envelope{}, fmt.Errorf("%w: unexpected marker %q", ErrInvalidMessage, *w.Yo)
	}

	switch {
	case w.Jsep != nil && w.Candidate != nil:
		return Envelope{}, fmt.Errorf("%w: both jsep and candidate set", ErrInvalidMessage)
	case w.Jsep != nil:
		j, err := w.Jsep.validate()
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Kind: KindJsep, Jsep: &j}, nil
	case w.Candidate != nil:
		c, err := w.Candidate.validate()
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Kind: KindCandidate, Candidate: &c}, nil
	default:
		return Envelope{}, fmt.Errorf("%w: missing jsep or candidate", ErrInvalidMessage)
	}
}

// objectFields decodes one JSON object into its raw members, rejecting
// duplicate keys, keys outside allowed (compared exactly) and trailing data.
func objectFields(data []byte, allowed ...string) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("%w: expected object", ErrInvalidMessage)
	}

	fields := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		key, _ := tok.(string)
		if !slices.Contains(allowed, key) {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidMessage, key)
		}
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidMessage, key)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		fields[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: unexpected trailing data", ErrInvalidMessage)
	}
	return fields, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func (w wireJsep) validate() (Jsep, error) {
	if w.Type == nil || w.SDP == nil {
		return Jsep{}, fmt.Errorf("%w: jsep requires type and sdp", ErrInvalidMessage)
	}
	t := webrtc.NewSDPType(*w.Type)
	if t != webrtc.SDPTypeOffer && t != webrtc.SDPTypeAnswer {
		return Jsep{}, fmt.Errorf("%w: unsupported jsep type %q", ErrInvalidMessage, *w.Type)
	}
	if *w.SDP == "" {
		return Jsep{}, fmt.Errorf("%w: empty sdp", ErrInvalidMessage)
	}
	return Jsep{Type: t, SDP: *w.SDP}, nil
}

func (w wireCandidate) validate() (Candidate, error) {
	if w.Candidate == nil || w.SDPMid == nil || w.SDPMLineIndex == nil {
		return Candidate{}, fmt.Errorf("%w: candidate requires candidate, sdpMid and sdpMLineIndex", ErrInvalidMessage)
	}
	if *w.Candidate == "" {
		return Candidate{}, fmt.Errorf("%w: empty candidate", ErrInvalidMessage)
	}
	return Candidate{
		Candidate:        *w.Candidate,
		SDPMid:           *w.SDPMid,
		SDPMLineIndex:    *w.SDPMLineIndex,
		UsernameFragment: w.UsernameFragment,
	}, nil
}

// EncodeOfferRequest returns the message that asks a client to create an
// offer: the bare marker.
func EncodeOfferRequest() string {
	b, _ := json.Marshal(wireEnvelope{Yo: ptr(marker)})
	return string(b)
}

// EncodeJsep and EncodeCandidate build client-side messages. The server
// forwards client text verbatim and only uses these from clients and tests.
func EncodeJsep(desc webrtc.SessionDescription) (string, error) {
	typ := desc.Type.String()
	b, err := json.Marshal(wireEnvelope{
		Yo:   ptr(marker),
		Jsep: &wireJsep{Type: &typ, SDP: &desc.SDP},
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func EncodeCandidate(ci webrtc.ICECandidateInit) (string, error) {
	mid := ""
	if ci.SDPMid != nil {
		mid = *ci.SDPMid
	}
	var idx uint16
	if ci.SDPMLineIndex != nil {
		idx = *ci.SDPMLineIndex
	}
	b, err := json.Marshal(wireEnvelope{
		Yo: ptr(marker),
		Candidate: &wireCandidate{
			Candidate:        &ci.Candidate,
			SDPMid:           &mid,
			SDPMLineIndex:    &idx,
			UsernameFragment: ci.UsernameFragment,
		},
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func ptr[T any](v T) *T { return &v }
