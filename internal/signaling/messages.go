package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v4"
)

type Kind string

// Inbound kinds.
const (
	KindOffer         Kind = "offer"
	KindAnswer        Kind = "answer"
	KindICECandidate  Kind = "ice-candidate"
	KindInitiateCall  Kind = "initiate-call"
	KindAcceptCall    Kind = "accept-call"
	KindCandidate     Kind = "candidate"
	KindEndCall       Kind = "end-call"
	KindSendMessage   Kind = "send-message"
	KindASLPrediction Kind = "asl-prediction"

	KindVideoFrame    Kind = "video-frame"
	KindRegisterEmail Kind = "register-email"
	KindGetUsers      Kind = "get-users"
	KindDisconnect    Kind = "disconnect"
)

// Outbound-only kinds.
const (
	KindIncomingCall        Kind = "incoming-call"
	KindCallAccepted        Kind = "call-accepted"
	KindCallEnded           Kind = "call-ended"
	KindReceiveMessage      Kind = "receive-message"
	KindProcessedFrame      Kind = "processed-frame"
	KindRegistrationSuccess Kind = "registration-success"
	KindRegistrationFailed  Kind = "registration-failed"
	KindUserList            Kind = "user-list"
	KindUserJoined          Kind = "user-joined"
	KindUserLeft            Kind = "user-left"
	KindConnected           Kind = "connected"
	KindError               Kind = "error"
)

const maxIdentityLen = 256

type kindSpec struct {
	// field is the wire field carrying the payload; empty for none.
	field string
	// deliverAs is the kind the target receives. Zero for control kinds
	// that the transport handles itself.
	deliverAs Kind
	// initiates marks call-setup kinds, whose missing target is reported as
	// user_not_found.
	initiates bool
	check     func(json.RawMessage) error
}

var kinds = map[Kind]kindSpec{
	KindOffer:         {field: "offer", deliverAs: KindOffer, initiates: true, check: sdpOfType(webrtc.SDPTypeOffer)},
	KindAnswer:        {field: "answer", deliverAs: KindAnswer, check: sdpOfType(webrtc.SDPTypeAnswer)},
	KindICECandidate:  {field: "candidate", deliverAs: KindICECandidate, check: iceCandidate},
	KindInitiateCall:  {field: "offer", deliverAs: KindIncomingCall, initiates: true, check: sdpOfType(webrtc.SDPTypeOffer)},
	KindAcceptCall:    {field: "answer", deliverAs: KindCallAccepted, check: sdpOfType(webrtc.SDPTypeAnswer)},
	KindCandidate:     {field: "candidate", deliverAs: KindCandidate, check: iceCandidate},
	KindEndCall:       {deliverAs: KindCallEnded},
	KindSendMessage:   {field: "message", deliverAs: KindReceiveMessage},
	KindASLPrediction: {field: "prediction", deliverAs: KindASLPrediction},

	KindVideoFrame:    {},
	KindRegisterEmail: {},
	KindGetUsers:      {},
	KindDisconnect:    {},
}

// Message is one validated inbound message.
type Message struct {
	Kind   Kind
	Target string
	// Payload is the kind's payload exactly as received.
	Payload json.RawMessage
	Frame   string
	Email   string
}

// Routable reports whether the message is relayed to another peer.
func (m Message) Routable() bool {
	return kinds[m.Kind].deliverAs != ""
}

type wireMessage struct {
	Type       Kind            `json:"type" validate:"required"`
	Target     string          `json:"target,omitempty" validate:"max=256"`
	To         string          `json:"to,omitempty" validate:"max=256"`
	ToEmail    string          `json:"toEmail,omitempty" validate:"max=320"`
	ToSocketID string          `json:"toSocketId,omitempty" validate:"max=256"`
	From       string          `json:"from,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Prediction json.RawMessage `json:"prediction,omitempty"`
	Frame      string          `json:"frame,omitempty"`
	Email      string          `json:"email,omitempty" validate:"max=320"`
}

func (w wireMessage) payload(field string) json.RawMessage {
	switch field {
	case "offer":
		return w.Offer
	case "answer":
		return w.Answer
	case "candidate":
		return w.Candidate
	case "message":
		return w.Message
	case "prediction":
		return w.Prediction
	}
	return nil
}

var validate = validator.New()

// Parse decodes and validates one inbound text frame. Errors are
// *ProtocolError values ready to be reported to the sender.
func Parse(data []byte) (Message, error) {
	if !utf8.Valid(data) {
		return Message{}, invalidRequest("message is not valid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wireMessage
	if err := dec.Decode(&w); err != nil {
		return Message{}, invalidRequest("malformed message: %v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, invalidRequest("unexpected trailing data")
	}
	if err := validate.Struct(w); err != nil {
		return Message{}, invalidRequest("invalid message: %v", err)
	}

	kind := Kind(strings.ReplaceAll(string(w.Type), "_", "-"))
	spec, ok := kinds[kind]
	if !ok {
		return Message{}, &ProtocolError{Code: CodeUnknownType, Message: fmt.Sprintf("unknown message type %q", w.Type)}
	}

	msg := Message{
		Kind:   kind,
		Target: w.Target,
		Frame:  w.Frame,
		Email:  w.Email,
	}
	// Older clients name the target per kind.
	for _, alias := range []string{w.To, w.ToEmail, w.ToSocketID} {
		if msg.Target != "" {
			break
		}
		msg.Target = alias
	}
	if spec.field != "" {
		msg.Payload = w.payload(spec.field)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks the fields each kind requires.
func (m Message) Validate() error {
	spec, ok := kinds[m.Kind]
	if !ok {
		return &ProtocolError{Code: CodeUnknownType, Message: fmt.Sprintf("unknown message type %q", m.Kind)}
	}
	if len(m.Target) > maxIdentityLen {
		return invalidRequest("%s target too long", m.Kind)
	}

	switch m.Kind {
	case KindVideoFrame:
		if m.Frame == "" {
			return invalidRequest("video-frame missing frame")
		}
		return nil
	case KindRegisterEmail:
		if m.Email == "" {
			return invalidRequest("register-email missing email")
		}
		return nil
	case KindGetUsers, KindDisconnect:
		return nil
	}

	if m.Target == "" {
		return invalidRequest("%s missing target", m.Kind)
	}
	if spec.field == "" {
		return nil
	}
	if len(m.Payload) == 0 || bytes.Equal(bytes.TrimSpace(m.Payload), []byte("null")) {
		return invalidRequest("%s missing %s", m.Kind, spec.field)
	}
	if spec.check != nil {
		if err := spec.check(m.Payload); err != nil {
			return invalidRequest("%s has invalid %s: %v", m.Kind, spec.field, err)
		}
	}
	return nil
}

func sdpOfType(want webrtc.SDPType) func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		var desc struct {
			Type string `json:"type"`
			SDP  string `json:"sdp"`
		}
		if err := json.Unmarshal(raw, &desc); err != nil {
			return err
		}
		if got := webrtc.NewSDPType(desc.Type); got != want {
			return fmt.Errorf("sdp type %q, want %q", desc.Type, want.String())
		}
		if desc.SDP == "" {
			return fmt.Errorf("empty sdp")
		}
		return nil
	}
}

func iceCandidate(raw json.RawMessage) error {
	var init webrtc.ICECandidateInit
	return json.Unmarshal(raw, &init)
}

// ValidEmail reports whether s is an acceptable email identity.
func ValidEmail(s string) bool {
	return validate.Var(s, "required,email,max=320") == nil
}
