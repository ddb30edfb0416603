// Package firmware talks to the arm controller over its newline-delimited
// JSON serial protocol.
//
// Outbound frames are {"cmd": verb, "id": n, ...fields}. The controller
// answers with {"cmd": verb, "id": n, "status": "ok"|"error", "error": msg}
// and, independently, pushes telemetry frames ({"cmd": kind, "data": {...}})
// that carry no id. The Link correlates replies with outstanding commands by
// id, applies telemetry to the state cache, and re-broadcasts every frame to
// its observers.
package firmware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Controller verbs used by the bridge itself. Any other verb can be sent
// through Link.Send; the controller validates it.
const (
	VerbStopAll         = "StopAll"
	VerbHome            = "Home"
	VerbRestart         = "Restart"
	VerbMoveMultiple    = "MoveMultiple"
	VerbBeginBatch      = "BeginBatch"
	VerbBatchSlice      = "M"
	VerbAbortBatch      = "AbortBatch"
	VerbGetJointStatus  = "GetJointStatus"
	VerbGetSystemStatus = "GetSystemStatus"
	VerbListParameters  = "ListParameters"
)

// Telemetry kinds that update the state cache.
const (
	KindJointStatusAll = "jointStatusAll"
	KindJointStatus    = "jointStatus"
	KindParameters     = "parameters"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Fields are the verb-specific members of a command frame.
type Fields map[string]any

// Command is one outbound frame, owned by the Link from issue until its
// acknowledgement, timeout, or failure.
type Command struct {
	ID       uint64
	Verb     string
	Fields   Fields
	IssuedAt time.Time
}

// MarshalLine encodes the command as a single JSON line without the
// terminator. cmd and id always win over same-named fields.
func (c Command) MarshalLine() ([]byte, error) {
	obj := make(map[string]any, len(c.Fields)+2)
	for k, v := range c.Fields {
		obj[k] = v
	}
	obj["cmd"] = c.Verb
	obj["id"] = c.ID

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.Verb, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Frame is one decoded inbound line.
type Frame struct {
	Cmd    string
	ID     uint64
	HasID  bool
	Status string
	Error  string
	Data   json.RawMessage

	// Members holds every top-level member of the frame as received.
	Members map[string]json.RawMessage
}

// IsError reports whether the controller flagged the frame as a failure.
func (f *Frame) IsError() bool { return f.Status == StatusError }

// Body returns the frame members without the bookkeeping fields (id and
// status), which is the form re-broadcast to observers.
func (f *Frame) Body() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(f.Members))
	for k, v := range f.Members {
		if k == "id" || k == "status" {
			continue
		}
		out[k] = v
	}
	return out
}

// MarshalJSON renders the frame exactly as received.
func (f *Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Members)
}

// DecodeFrame parses one inbound line. Lines that are not a JSON object fail
// with ErrMalformedFrame. Members with an unexpected type (a non-numeric id,
// a non-string error) are tolerated: the raw member stays in Members.
func DecodeFrame(line []byte) (*Frame, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(line, &members); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if members == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	f := &Frame{Members: members, Data: members["data"]}
	f.Cmd = rawString(members["cmd"])
	f.Status = rawString(members["status"])
	if raw, ok := members["error"]; ok {
		if s := rawString(raw); s != "" {
			f.Error = s
		} else if string(raw) != "null" {
			f.Error = string(raw)
		}
	}
	if raw, ok := members["id"]; ok {
		if id, err := strconv.ParseUint(string(raw), 10, 64); err == nil {
			f.ID, f.HasID = id, true
		} else if s := rawString(raw); s != "" {
			if id, err := strconv.ParseUint(s, 10, 64); err == nil {
				f.ID, f.HasID = id, true
			}
		}
	}
	return f, nil
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// jointReport is one joint entry of jointStatus / jointStatusAll telemetry.
type jointReport struct {
	Joint        int     `json:"joint"`
	Position     float64 `json:"position"`
	Velocity     float64 `json:"velocity"`
	Acceleration float64 `json:"acceleration"`
	Target       float64 `json:"target"`
}

type parameterDump struct {
	Params map[string]float64 `json:"params"`
}
