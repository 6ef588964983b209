package signaling

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func FuzzDecode(f *testing.F) {
	seeds := []string{
		`{"yo":"yo","jsep":{"type":"offer","sdp":"v=0"}}`,
		`{"jsep":{"type":"answer","sdp":"v=0"}}`,
		`{"yo":"yo","candidate":{"candidate":"cand1","sdpMid":"0","sdpMLineIndex":0}}`,
		`{"candidate":{"candidate":"c","sdpMid":"0","sdpMLineIndex":0,"usernameFragment":"u"}}`,
		`{"yo":"yo"}`,
		`{"YO":"yo","JSEP":{"TYPE":"offer","SDP":"x"}}`,
		`{"jsep":{"type":"offer","sdp":"x","sdp":"y"}}`,
		`{"jsep":null,"candidate":null}`,
		`[]`,
		``,
	}
	for _, s := range seeds {
		f.Add([]byte(s))
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := Decode(data)
		if err != nil {
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("Decode error %v does not wrap ErrInvalidMessage", err)
			}
			return
		}

		switch env.Kind {
		case KindJsep:
			if env.Jsep == nil || env.Candidate != nil {
				t.Fatalf("jsep envelope with payloads jsep=%v candidate=%v", env.Jsep, env.Candidate)
			}
			if env.Jsep.Type != webrtc.SDPTypeOffer && env.Jsep.Type != webrtc.SDPTypeAnswer {
				t.Fatalf("accepted jsep type %v", env.Jsep.Type)
			}
			if env.Jsep.SDP == "" {
				t.Fatalf("accepted empty sdp")
			}
		case KindCandidate:
			if env.Candidate == nil || env.Jsep != nil {
				t.Fatalf("candidate envelope with payloads jsep=%v candidate=%v", env.Jsep, env.Candidate)
			}
			if env.Candidate.Candidate == "" {
				t.Fatalf("accepted empty candidate")
			}
		default:
			t.Fatalf("accepted envelope of kind %v", env.Kind)
		}
	})
}
