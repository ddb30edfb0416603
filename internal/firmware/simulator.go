package firmware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/sixar-robotics/armbridge/internal/state"
)

// Simulator is an in-process stand-in for the arm controller. It implements
// serialmux.SerialPorter: command lines written to it are acknowledged on
// the read side, joint moves complete instantly, and status queries are
// answered with telemetry frames. It backs the --simulate mode and the
// end-to-end tests.
type Simulator struct {
	mu       sync.Mutex
	joints   [state.JointCount]state.JointState
	params   state.Parameters
	partial  []byte
	silent   map[string]bool
	failures map[string]string
	received []string
	closed   bool

	out  chan []byte
	done chan struct{}
	pr   *io.PipeReader
	pw   *io.PipeWriter
	once sync.Once
}

// NewSimulator returns a simulator with every joint at zero and a parameter
// table of conservative limits.
func NewSimulator() *Simulator {
	pr, pw := io.Pipe()
	s := &Simulator{
		params:   SimulatedParameters(),
		silent:   make(map[string]bool),
		failures: make(map[string]string),
		out:      make(chan []byte, 256),
		done:     make(chan struct{}),
		pr:       pr,
		pw:       pw,
	}
	go s.pump()
	return s
}

// SimulatedParameters is the table the simulator reports.
func SimulatedParameters() state.Parameters {
	p := make(state.Parameters)
	for j := 1; j <= state.JointCount; j++ {
		p[state.ParamKey(j, "maxSpeed")] = 90
		p[state.ParamKey(j, "maxAccel")] = 180
		p[state.ParamKey(j, "homeOffset")] = 0
		p[state.ParamKey(j, "positionFactor")] = 1
	}
	return p
}

func (s *Simulator) pump() {
	for {
		select {
		case b := <-s.out:
			if _, err := s.pw.Write(b); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Read returns controller output.
func (s *Simulator) Read(p []byte) (int, error) { return s.pr.Read(p) }

// Write accepts command lines, possibly split across calls.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errors.New("simulator closed")
	}
	s.partial = append(s.partial, p...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, append([]byte(nil), bytes.TrimSpace(s.partial[:i])...))
		s.partial = s.partial[i+1:]
	}
	s.mu.Unlock()

	for _, line := range lines {
		if len(line) > 0 {
			s.handle(line)
		}
	}
	return len(p), nil
}

// Close ends the read side with io.EOF.
func (s *Simulator) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.pw.Close()
	})
	return nil
}

// SetSilent makes the simulator swallow verb without replying.
func (s *Simulator) SetSilent(verb string, silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[verb] = silent
}

// SetFailure makes the simulator reject verb with msg. An empty msg clears
// the failure.
func (s *Simulator) SetFailure(verb, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg == "" {
		delete(s.failures, verb)
		return
	}
	s.failures[verb] = msg
}

// SetParameters replaces the reported parameter table.
func (s *Simulator) SetParameters(p state.Parameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = make(state.Parameters, len(p))
	for k, v := range p {
		s.params[k] = v
	}
}

// Joints returns the simulated joint states.
func (s *Simulator) Joints() [state.JointCount]state.JointState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joints
}

// Received lists the verbs seen so far, in order.
func (s *Simulator) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

type simCommand struct {
	Cmd     string    `json:"cmd"`
	ID      *uint64   `json:"id"`
	Joints  []int     `json:"joints"`
	Targets []float64 `json:"targets"`
}

func (s *Simulator) handle(line []byte) {
	var c simCommand
	if err := json.Unmarshal(line, &c); err != nil || c.Cmd == "" {
		s.emit(map[string]any{"cmd": "error", "status": StatusError, "error": "bad command"})
		return
	}

	s.mu.Lock()
	s.received = append(s.received, c.Cmd)
	silent := s.silent[c.Cmd]
	failure, failing := s.failures[c.Cmd]
	s.mu.Unlock()

	if silent {
		return
	}
	reply := map[string]any{"cmd": c.Cmd, "status": StatusOK}
	if c.ID != nil {
		reply["id"] = *c.ID
	}
	if failing {
		reply["status"] = StatusError
		reply["error"] = failure
		s.emit(reply)
		return
	}

	var telemetry map[string]any
	s.mu.Lock()
	switch c.Cmd {
	case VerbMoveMultiple:
		for i, j := range c.Joints {
			if j < 1 || j > state.JointCount || i >= len(c.Targets) {
				continue
			}
			s.joints[j-1].Target = c.Targets[i]
			s.joints[j-1].Position = c.Targets[i]
		}
	case VerbHome:
		s.joints = [state.JointCount]state.JointState{}
	case VerbStopAll:
		for i := range s.joints {
			s.joints[i].Target = s.joints[i].Position
			s.joints[i].Velocity = 0
			s.joints[i].Acceleration = 0
		}
	case VerbGetJointStatus:
		data := make([]map[string]any, 0, state.JointCount)
		for i, js := range s.joints {
			data = append(data, map[string]any{
				"joint":        i + 1,
				"position":     js.Position,
				"velocity":     js.Velocity,
				"acceleration": js.Acceleration,
				"target":       js.Target,
			})
		}
		telemetry = map[string]any{"cmd": KindJointStatusAll, "data": data}
	case VerbListParameters:
		params := make(map[string]float64, len(s.params))
		for k, v := range s.params {
			params[k] = v
		}
		telemetry = map[string]any{"cmd": KindParameters, "data": map[string]any{"params": params}}
	}
	s.mu.Unlock()

	if telemetry != nil {
		// status queries are answered by the telemetry frame, tagged with the id
		if c.ID != nil {
			telemetry["id"] = *c.ID
		}
		s.emit(telemetry)
		return
	}
	s.emit(reply)
}

func (s *Simulator) emit(frame map[string]any) {
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case s.out <- append(b, '\n'):
	case <-s.done:
	}
}
