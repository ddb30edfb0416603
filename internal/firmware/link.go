package firmware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sixar-robotics/armbridge/internal/monitoring"
	"github.com/sixar-robotics/armbridge/internal/serialmux"
	"github.com/sixar-robotics/armbridge/internal/state"
	"github.com/sixar-robotics/armbridge/internal/timeutil"
)

// Outcomes passed to Recorder.RecordOutcome.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Recorder receives a copy of the traffic on the link. Implementations must
// not block; failures are theirs to log.
type Recorder interface {
	RecordCommand(id uint64, verb string, line []byte)
	RecordOutcome(id uint64, outcome, detail string)
	RecordInbound(kind string, line []byte)
}

// Telemetry is an inbound frame as re-broadcast to observers: the frame's
// kind (its cmd member) and its members minus id and status.
type Telemetry struct {
	Kind string
	Body map[string]json.RawMessage
}

// Options configure a Link. The zero value is usable.
type Options struct {
	Clock    timeutil.Clock
	Timeouts Timeouts
	Recorder Recorder
}

// Link is the only writer of commands to the controller. It assigns ids,
// tracks one timer per outstanding command, and applies inbound telemetry to
// the state cache.
type Link struct {
	mux      serialmux.SerialMuxInterface
	cache    *state.Cache
	clock    timeutil.Clock
	timeouts Timeouts
	recorder Recorder
	logf     func(format string, v ...interface{})

	// sendMu keeps id order and wire order identical.
	sendMu sync.Mutex

	mu        sync.Mutex
	nextID    uint64
	pending   map[uint64]*Pending
	observers []func(Telemetry)

	malformed   atomic.Uint64
	safetyStops atomic.Uint64
}

// NewLink returns a link writing through mux and updating cache.
func NewLink(mux serialmux.SerialMuxInterface, cache *state.Cache, opts Options) *Link {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Timeouts == nil {
		opts.Timeouts = DefaultTimeouts()
	}
	if cache == nil {
		cache = state.NewCache()
	}
	return &Link{
		mux:      mux,
		cache:    cache,
		clock:    opts.Clock,
		timeouts: opts.Timeouts,
		recorder: opts.Recorder,
		logf:     monitoring.Prefixed("firmware"),
		pending:  make(map[uint64]*Pending),
	}
}

// Cache returns the state cache the link writes to.
func (l *Link) Cache() *state.Cache { return l.cache }

// Observe registers fn to receive every decoded inbound frame. fn runs on
// the link's reader goroutine and must not block.
func (l *Link) Observe(fn func(Telemetry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Pending is the handle of one outstanding command.
type Pending struct {
	Command

	escalate bool
	done     chan struct{}
	once     sync.Once
	reply    *Frame
	err      error
}

func (p *Pending) settle(reply *Frame, err error) bool {
	settled := false
	p.once.Do(func() {
		p.reply, p.err = reply, err
		close(p.done)
		settled = true
	})
	return settled
}

// Done is closed once the command has an outcome.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the reply arrives, the command times out, or ctx ends.
// A cancelled ctx only abandons the wait; the command stays tracked until its
// reply or timeout.
func (p *Pending) Wait(ctx context.Context) (*Frame, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send issues a command and waits for its outcome. A non-positive timeout
// selects the verb's default.
func (l *Link) Send(ctx context.Context, verb string, fields Fields, timeout time.Duration) (*Frame, error) {
	p, err := l.Issue(verb, fields, timeout)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Issue writes a command and returns without waiting for the reply. The
// frame is on the wire when Issue returns, so successive calls from one
// goroutine reach the controller in call order.
func (l *Link) Issue(verb string, fields Fields, timeout time.Duration) (*Pending, error) {
	return l.issue(verb, fields, timeout, true)
}

// Timeout is the acknowledgement budget the link applies to verb.
func (l *Link) Timeout(verb string) time.Duration { return l.timeouts.For(verb) }

// StopAll halts every axis. Like the stop that follows a timeout it is
// best-effort: if the controller never acknowledges it, no further StopAll
// is sent.
func (l *Link) StopAll(ctx context.Context) error {
	p, err := l.issue(VerbStopAll, nil, 0, false)
	if err != nil {
		return err
	}
	_, err = p.Wait(ctx)
	return err
}

// Pending reports how many commands await a reply.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Malformed reports how many inbound lines could not be decoded.
func (l *Link) Malformed() uint64 { return l.malformed.Load() }

// SafetyStops reports how many timeout-triggered StopAll commands were
// attempted.
func (l *Link) SafetyStops() uint64 { return l.safetyStops.Load() }

func (l *Link) issue(verb string, fields Fields, timeout time.Duration, escalate bool) (*Pending, error) {
	if verb == "" {
		return nil, errors.New("firmware: empty verb")
	}
	if timeout <= 0 {
		timeout = l.timeouts.For(verb)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.mu.Lock()
	l.nextID++
	p := &Pending{
		Command: Command{
			ID:       l.nextID,
			Verb:     verb,
			Fields:   fields,
			IssuedAt: l.clock.Now(),
		},
		escalate: escalate,
		done:     make(chan struct{}),
	}
	line, err := p.MarshalLine()
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.pending[p.ID] = p
	l.mu.Unlock()

	if l.recorder != nil {
		l.recorder.RecordCommand(p.ID, verb, line)
	}

	if err := l.mux.SendCommand(string(line)); err != nil {
		l.forget(p.ID)
		if errors.Is(err, serialmux.ErrClosed) {
			err = fmt.Errorf("%s: %w", verb, ErrResourceUnavailable)
		} else {
			err = fmt.Errorf("write %s: %w", verb, err)
		}
		p.settle(nil, err)
		l.record(p.ID, OutcomeError, err.Error())
		return nil, err
	}

	timer := l.clock.NewTimer(timeout)
	go l.watch(p, timer)
	return p, nil
}

func (l *Link) watch(p *Pending, timer timeutil.Timer) {
	select {
	case <-p.done:
		timer.Stop()
	case <-timer.C():
		l.expire(p)
	}
}

func (l *Link) forget(id uint64) *Pending {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pending[id]
	delete(l.pending, id)
	return p
}

func (l *Link) expire(p *Pending) {
	if l.forget(p.ID) != p {
		return
	}
	if !p.settle(nil, fmt.Errorf("%s (id %d): %w", p.Verb, p.ID, ErrAckTimeout)) {
		return
	}
	l.record(p.ID, OutcomeTimeout, "")
	l.logf("%s (id %d) not acknowledged within budget", p.Verb, p.ID)
	if p.escalate {
		go l.safetyStop(p)
	}
}

// safetyStop is best-effort: its own failure is logged and never triggers
// another stop.
func (l *Link) safetyStop(cause *Pending) {
	l.safetyStops.Add(1)
	stop, err := l.issue(VerbStopAll, nil, 0, false)
	if err != nil {
		l.logf("safety StopAll after %s (id %d) timeout failed: %v", cause.Verb, cause.ID, err)
		return
	}
	if _, err := stop.Wait(context.Background()); err != nil {
		l.logf("safety StopAll after %s (id %d) timeout failed: %v", cause.Verb, cause.ID, err)
	}
}

func (l *Link) record(id uint64, outcome, detail string) {
	if l.recorder != nil {
		l.recorder.RecordOutcome(id, outcome, detail)
	}
}

// Run consumes lines from the serial mux until ctx ends or the mux closes.
// Commands still outstanding when the mux closes fail with
// ErrResourceUnavailable.
func (l *Link) Run(ctx context.Context) error {
	id, lines := l.mux.Subscribe()
	defer l.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				l.failAll(ErrResourceUnavailable)
				return nil
			}
			l.HandleLine(line)
		}
	}
}

func (l *Link) failAll(err error) {
	l.mu.Lock()
	stale := make([]*Pending, 0, len(l.pending))
	for id, p := range l.pending {
		stale = append(stale, p)
		delete(l.pending, id)
	}
	l.mu.Unlock()

	for _, p := range stale {
		if p.settle(nil, fmt.Errorf("%s (id %d): %w", p.Verb, p.ID, err)) {
			l.record(p.ID, OutcomeError, err.Error())
		}
	}
}

// HandleLine processes one inbound line.
func (l *Link) HandleLine(line string) {
	f, err := DecodeFrame([]byte(line))
	if err != nil {
		l.malformed.Add(1)
		l.logf("dropping line %q: %v", truncate(line, 120), err)
		return
	}
	if l.recorder != nil {
		l.recorder.RecordInbound(f.Cmd, []byte(line))
	}

	// the controller answers status queries with the telemetry frame itself,
	// so the cache is current before the waiter wakes
	l.applyTelemetry(f)

	if f.HasID {
		if p := l.forget(f.ID); p != nil {
			l.resolve(p, f)
		}
	}

	if f.Cmd == "" {
		return
	}
	t := Telemetry{Kind: f.Cmd, Body: f.Body()}
	l.mu.Lock()
	observers := slices.Clone(l.observers)
	l.mu.Unlock()
	for _, fn := range observers {
		fn(t)
	}
}

func (l *Link) resolve(p *Pending, f *Frame) {
	if f.IsError() {
		msg := f.Error
		if msg == "" {
			msg = "controller error"
		}
		if p.settle(f, &ControllerError{ID: p.ID, Verb: p.Verb, Message: msg}) {
			l.record(p.ID, OutcomeError, msg)
		}
		return
	}
	if p.settle(f, nil) {
		l.record(p.ID, OutcomeOK, "")
	}
}

func (l *Link) applyTelemetry(f *Frame) {
	switch f.Cmd {
	case KindJointStatusAll:
		var reports []jointReport
		if err := json.Unmarshal(f.Data, &reports); err != nil {
			l.logf("bad %s data: %v", f.Cmd, err)
			return
		}
		var joints [state.JointCount]state.JointState
		for i, r := range reports {
			n := r.Joint
			if n == 0 {
				n = i + 1
			}
			if n < 1 || n > state.JointCount {
				l.logf("%s: ignoring joint %d", f.Cmd, n)
				continue
			}
			joints[n-1] = r.state()
		}
		l.cache.ApplyJoints(joints)

	case KindJointStatus:
		var r jointReport
		if err := json.Unmarshal(f.Data, &r); err != nil {
			l.logf("bad %s data: %v", f.Cmd, err)
			return
		}
		if err := l.cache.ApplyJoint(r.Joint, r.state()); err != nil {
			l.logf("%s: %v", f.Cmd, err)
		}

	case KindParameters:
		var dump parameterDump
		if err := json.Unmarshal(f.Data, &dump); err != nil {
			l.logf("bad %s data: %v", f.Cmd, err)
			return
		}
		if dump.Params == nil {
			l.logf("%s frame without params", f.Cmd)
			return
		}
		l.cache.ReplaceParameters(dump.Params)
	}
}

func (r jointReport) state() state.JointState {
	return state.JointState{
		Position:     r.Position,
		Velocity:     r.Velocity,
		Acceleration: r.Acceleration,
		Target:       r.Target,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
