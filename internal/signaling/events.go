package signaling

import (
	"encoding/json"
	"fmt"
)

type Code string

const (
	CodeInvalidRequest    Code = "invalid_request"
	CodeUnknownType       Code = "unknown_type"
	CodeUserNotFound      Code = "user_not_found"
	CodeTargetUnavailable Code = "target_unavailable"
	CodeConflict          Code = "conflict"
	CodeRateLimited       Code = "rate_limited"
	CodeBadMessage        Code = "bad_message"
	CodeInternal          Code = "internal_error"
)

// ProtocolError is reported to the sender as an error event.
type ProtocolError struct {
	Code     Code
	Message  string
	Identity string
}

func (e *ProtocolError) Error() string { return string(e.Code) + ": " + e.Message }

func invalidRequest(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

type errorEvent struct {
	Type     Kind   `json:"type"`
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	Identity string `json:"identity,omitempty"`
}

func EncodeError(e *ProtocolError) []byte {
	data, _ := json.Marshal(errorEvent{
		Type:     KindError,
		Code:     e.Code,
		Message:  e.Message,
		Identity: e.Identity,
	})
	return data
}

type relayHeader struct {
	Type   Kind   `json:"type"`
	From   string `json:"from"`
	Target string `json:"target,omitempty"`
}

// EncodeRelayed builds the message delivered to a target. The payload is
// spliced in unmodified, so the target sees exactly the bytes the sender
// supplied.
func EncodeRelayed(kind Kind, from, target, field string, payload json.RawMessage) ([]byte, error) {
	head, err := json.Marshal(relayHeader{Type: kind, From: from, Target: target})
	if err != nil {
		return nil, err
	}
	if field == "" || len(payload) == 0 {
		return head, nil
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload for %s is not valid JSON", kind)
	}

	out := make([]byte, 0, len(head)+len(field)+len(payload)+4)
	out = append(out, head[:len(head)-1]...)
	out = append(out, `,"`...)
	out = append(out, field...)
	out = append(out, `":`...)
	out = append(out, payload...)
	out = append(out, '}')
	return out, nil
}

// Event is a server-originated notification.
type Event struct {
	Type    Kind   `json:"type"`
	ID      string `json:"id,omitempty"`
	Email   string `json:"email,omitempty"`
	Message string `json:"message,omitempty"`
}

func EncodeEvent(ev Event) []byte {
	data, _ := json.Marshal(ev)
	return data
}

func EncodeUserList(users []string) []byte {
	if users == nil {
		users = []string{}
	}
	data, _ := json.Marshal(struct {
		Type  Kind     `json:"type"`
		Users []string `json:"users"`
	}{Type: KindUserList, Users: users})
	return data
}
