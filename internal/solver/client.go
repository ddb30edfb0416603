// Package solver drives the kinematics solver subprocess.
//
// The solver speaks one JSON object per line on stdin/stdout and answers
// requests strictly in order, so the Client keeps at most one request on the
// wire and queues the rest. A few unsolicited notifications about the
// continuous-motion stream are interleaved with replies; they are recognised
// by their discriminant fields and never consume a queued request.
package solver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sixar-robotics/armbridge/internal/monitoring"
)

var (
	// ErrResourceUnavailable means the solver process is not running.
	ErrResourceUnavailable = errors.New("solver: process unavailable")

	// ErrSolverParse matches every *ParseError.
	ErrSolverParse = errors.New("solver: undecodable reply")
)

// ParseError fails the oldest outstanding request when the solver writes a
// line that is not a JSON object.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("solver: undecodable reply %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrSolverParse }

// Stopper halts the arm. firmware.Link implements it.
type Stopper interface {
	StopAll(ctx context.Context) error
}

// Notification kinds.
const (
	StreamError    = "linearMoveError"
	StreamComplete = "linearMoveComplete"
	ProfileError   = "profileLinearError"
)

// Event names under which notifications are broadcast.
const (
	EventStreamError    = "linearMove_error"
	EventStreamComplete = "linearMoveComplete"
	EventProfileError   = "profileLinear_error"
)

// Notification is an unsolicited solver message.
type Notification struct {
	Kind    string
	Event   string
	Message string
	Raw     json.RawMessage
}

// Options configure a Client.
type Options struct {
	// Stopper receives the safety stop on a stream error. Optional.
	Stopper Stopper

	// StopTimeout bounds the safety stop. Defaults to two seconds.
	StopTimeout time.Duration
}

type result struct {
	raw json.RawMessage
	err error
}

type request struct {
	line       []byte
	reply      chan result
	enqueuedAt time.Time
}

// Client is a single-flight FIFO request pipeline to the solver.
type Client struct {
	stdin io.WriteCloser
	opts  Options
	logf  func(format string, v ...interface{})

	// wmu serialises every write to stdin.
	wmu sync.Mutex

	mu        sync.Mutex
	queue     []*request
	inFlight  bool
	closed    bool
	observers []func(Notification)

	done chan struct{}
}

// NewClient starts reading replies from stdout and returns a client writing
// requests to stdin. The client closes itself when stdout ends.
func NewClient(stdin io.WriteCloser, stdout io.Reader, opts Options) *Client {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}
	c := &Client{
		stdin: stdin,
		opts:  opts,
		logf:  monitoring.Prefixed("solver"),
		done:  make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// Observe registers fn for every notification. fn runs on the reader
// goroutine and must not block.
func (c *Client) Observe(fn func(Notification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Done is closed once the solver's output has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Queued reports the number of unresolved requests, the in-flight one
// included.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Request sends payload once every earlier request has been answered and
// returns the solver's reply. Cancelling ctx abandons the wait only; the
// request keeps its place and its reply is consumed in order.
func (c *Client) Request(ctx context.Context, payload any) (json.RawMessage, error) {
	line, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("solver: encode request: %w", err)
	}
	req := &request{line: line, reply: make(chan result, 1), enqueuedAt: time.Now()}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrResourceUnavailable
	}
	c.queue = append(c.queue, req)
	c.mu.Unlock()

	c.dispatch()

	select {
	case r := <-req.reply:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stream writes a continuous-motion frame, {"linearMove": payload}, with no
// reply expected. It bypasses the request queue.
func (c *Client) Stream(payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrResourceUnavailable
	}
	line, err := json.Marshal(map[string]any{"linearMove": payload})
	if err != nil {
		return fmt.Errorf("solver: encode stream frame: %w", err)
	}
	return c.write(line)
}

// Close closes the solver's stdin, which asks it to exit, and fails every
// queued request. Done is closed later, when the solver's output ends.
func (c *Client) Close() error {
	c.shutdown()
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.stdin.Close()
}

func (c *Client) write(line []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	}
	return nil
}

// dispatch writes the head of the queue if nothing is in flight.
func (c *Client) dispatch() {
	for {
		c.mu.Lock()
		if c.inFlight || c.closed || len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		head := c.queue[0]
		c.inFlight = true
		c.mu.Unlock()

		err := c.write(head.line)
		if err == nil {
			return
		}

		c.mu.Lock()
		popped := len(c.queue) > 0 && c.queue[0] == head
		if popped {
			c.queue = c.queue[1:]
			c.inFlight = false
		}
		c.mu.Unlock()
		if !popped {
			// shutdown already failed it
			return
		}
		head.reply <- result{err: err}
	}
}

// complete pops the in-flight request and dispatches the next one.
func (c *Client) complete(r result) bool {
	c.mu.Lock()
	if !c.inFlight || len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	head := c.queue[0]
	c.queue = c.queue[1:]
	c.inFlight = false
	c.mu.Unlock()

	head.reply <- r
	c.dispatch()
	return true
}

func (c *Client) readLoop(stdout io.Reader) {
	defer close(c.done)
	defer c.shutdown()
	scan := bufio.NewScanner(stdout)
	scan.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scan.Scan() {
		c.handleLine(scan.Text())
	}
	if err := scan.Err(); err != nil {
		c.logf("reading replies: %v", err)
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stale := c.queue
	c.queue = nil
	c.inFlight = false
	c.mu.Unlock()

	for _, req := range stale {
		req.reply <- result{err: ErrResourceUnavailable}
	}
}

type discriminant struct {
	Type    string
	Status  string
	Error   json.RawMessage
	Message string
}

// decodeDiscriminant requires a JSON object; members of unexpected types
// read as empty.
func decodeDiscriminant(line []byte) (discriminant, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		return discriminant{}, err
	}
	if obj == nil {
		return discriminant{}, errors.New("not an object")
	}
	return discriminant{
		Type:    member(obj, "type"),
		Status:  member(obj, "status"),
		Error:   obj["error"],
		Message: member(obj, "message"),
	}, nil
}

func member(obj map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := obj[key]; ok && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

func (c *Client) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	d, err := decodeDiscriminant([]byte(line))
	if err != nil {
		perr := &ParseError{Line: line, Err: err}
		if !c.complete(result{err: perr}) {
			c.logf("dropping undecodable line with nothing outstanding: %v", perr)
		}
		return
	}

	raw := json.RawMessage(line)
	switch {
	case d.Type == StreamError:
		n := Notification{Kind: StreamError, Event: EventStreamError, Message: d.message(), Raw: raw}
		go c.safetyStop(n.Message)
		c.notify(n)
	case d.Status == StreamComplete:
		c.notify(Notification{Kind: StreamComplete, Event: EventStreamComplete, Raw: raw})
	case d.Type == ProfileError:
		c.notify(Notification{Kind: ProfileError, Event: EventProfileError, Message: d.message(), Raw: raw})
	default:
		if !c.complete(result{raw: raw}) {
			c.logf("dropping reply with nothing outstanding: %.120s", line)
		}
	}
}

func (d discriminant) message() string {
	if len(d.Error) > 0 && string(d.Error) != "null" {
		var s string
		if json.Unmarshal(d.Error, &s) == nil {
			return s
		}
		return string(d.Error)
	}
	return d.Message
}

// safetyStop is best-effort: failure is logged only.
func (c *Client) safetyStop(reason string) {
	if c.opts.Stopper == nil {
		return
	}
	c.logf("stream error %q: stopping all axes", reason)
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
	defer cancel()
	if err := c.opts.Stopper.StopAll(ctx); err != nil {
		c.logf("safety StopAll after stream error failed: %v", err)
	}
}

func (c *Client) notify(n Notification) {
	c.mu.Lock()
	observers := slices.Clone(c.observers)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(n)
	}
}

// ReplyError extracts the "error" member of a solver reply, if any. The
// solver reports unreachable poses and similar failures this way rather
// than with a protocol error.
func ReplyError(raw json.RawMessage) string {
	d, err := decodeDiscriminant(raw)
	if err != nil {
		return ""
	}
	if len(d.Error) == 0 || string(d.Error) == "null" || string(d.Error) == "false" {
		return ""
	}
	return d.message()
}
