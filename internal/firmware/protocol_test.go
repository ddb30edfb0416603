package firmware

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestCommand_MarshalLine(t *testing.T) {
	c := Command{
		ID:   7,
		Verb: "MoveMultiple",
		Fields: Fields{
			"joints": []int{1, 2},
			"cmd":    "ignored",
			"id":     99,
		},
	}
	line, err := c.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	if line[len(line)-1] == '\n' {
		t.Error("line must not carry the terminator")
	}

	var got map[string]any
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	want := map[string]any{"cmd": "MoveMultiple", "id": 7.0, "joints": []any{1.0, 2.0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestCommand_MarshalLineUnsupportedField(t *testing.T) {
	c := Command{ID: 1, Verb: "Jog", Fields: Fields{"bad": make(chan int)}}
	if _, err := c.MarshalLine(); err == nil {
		t.Error("expected encode error")
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantErr   bool
		cmd       string
		id        uint64
		hasID     bool
		status    string
		errorText string
	}{
		{name: "ack", line: `{"cmd":"Home","id":3,"status":"ok"}`, cmd: "Home", id: 3, hasID: true, status: "ok"},
		{name: "error reply", line: `{"cmd":"Jog","id":4,"status":"error","error":"limit"}`, cmd: "Jog", id: 4, hasID: true, status: "error", errorText: "limit"},
		{name: "structured error", line: `{"cmd":"Jog","status":"error","error":{"code":2}}`, cmd: "Jog", status: "error", errorText: `{"code":2}`},
		{name: "telemetry", line: `{"cmd":"jointStatus","data":{"joint":1}}`, cmd: "jointStatus"},
		{name: "string id", line: `{"cmd":"Home","id":"12"}`, cmd: "Home", id: 12, hasID: true},
		{name: "fractional id", line: `{"cmd":"Home","id":1.5}`, cmd: "Home"},
		{name: "negative id", line: `{"cmd":"Home","id":-1}`, cmd: "Home"},
		{name: "not json", line: `hello`, wantErr: true},
		{name: "array", line: `[1]`, wantErr: true},
		{name: "null", line: `null`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.line))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedFrame) {
					t.Fatalf("err = %v, want ErrMalformedFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if f.Cmd != tt.cmd || f.ID != tt.id || f.HasID != tt.hasID || f.Status != tt.status || f.Error != tt.errorText {
				t.Errorf("got cmd=%q id=%d hasID=%v status=%q error=%q", f.Cmd, f.ID, f.HasID, f.Status, f.Error)
			}
		})
	}
}

func TestFrame_BodyAndMarshal(t *testing.T) {
	line := `{"cmd":"parameters","id":2,"status":"ok","data":{"params":{"a":1}}}`
	f, err := DecodeFrame([]byte(line))
	if err != nil {
		t.Fatal(err)
	}
	body := f.Body()
	if _, ok := body["id"]; ok {
		t.Error("id should be stripped")
	}
	if _, ok := body["status"]; ok {
		t.Error("status should be stripped")
	}
	if len(body) != 2 {
		t.Errorf("body = %v", body)
	}
	if len(f.Members) != 4 {
		t.Error("Body must not modify the frame")
	}

	out, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	var a, b map[string]any
	json.Unmarshal(out, &a)
	json.Unmarshal([]byte(line), &b)
	if diff := cmp.Diff(b, a); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestTimeouts(t *testing.T) {
	d := DefaultTimeouts()
	if got := d.For("Home"); got != 60*time.Second {
		t.Errorf("Home = %v", got)
	}
	if got := d.For("SetParam"); got != DefaultTimeout {
		t.Errorf("unlisted verb = %v, want %v", got, DefaultTimeout)
	}

	o := d.With(map[string]time.Duration{"Home": 5 * time.Second, "Jog": time.Second, "Restart": 0})
	if o.For("Home") != 5*time.Second || o.For("Jog") != time.Second {
		t.Errorf("overrides not applied: %v", o)
	}
	if o.For("Restart") != 20*time.Second {
		t.Error("zero override must be ignored")
	}
	if d.For("Home") != 60*time.Second {
		t.Error("With must not modify the receiver")
	}
	if DefaultTimeouts()["Home"] != 60*time.Second {
		t.Error("DefaultTimeouts must return a fresh table")
	}
}
