package rabbitmq

import (
	"encoding/json"
	"errors"
	"fmt"
)

const replyTypeCallback = "callback"

// request is the envelope of a remote call.
type request struct {
	Method  string `json:"method"`
	Args    []any  `json:"args"`
	CorrID  string `json:"corrID,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// reply is the envelope answering a request. A failed call carries data
// "error" and the reason in err.
type reply struct {
	CorrID string          `json:"corrID"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	Err    string          `json:"err,omitempty"`
}

// RemoteError is a failure reported by the callee.
type RemoteError struct {
	Method string
	Target string
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s on %s failed: %s", e.Method, e.Target, e.Reason)
}

// IsRemoteError reports whether err was returned by the callee rather than the transport.
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

func encodeRequest(method string, args []any, corrID, replyTo string) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal(request{Method: method, Args: args, CorrID: corrID, ReplyTo: replyTo})
}

func decodeReply(body []byte) (reply, error) {
	var r reply
	if err := json.Unmarshal(body, &r); err != nil {
		return reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return r, nil
}

// result unpacks the reply into out. out may be nil when the caller only
// needs success.
func (r reply) result(method, target string, out any) error {
	if r.Err != "" {
		return &RemoteError{Method: method, Target: target, Reason: r.Err}
	}
	var s string
	if json.Unmarshal(r.Data, &s) == nil && s == "error" {
		return &RemoteError{Method: method, Target: target, Reason: "unknown error"}
	}
	if out == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// optional encodes an empty id as null.
func optional(id string) any {
	if id == "" {
		return nil
	}
	return id
}
