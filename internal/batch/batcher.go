// Package batch streams precomputed motion segments to the controller at a
// fixed cadence.
package batch

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sixar-robotics/armbridge/internal/firmware"
	"github.com/sixar-robotics/armbridge/internal/monitoring"
	"github.com/sixar-robotics/armbridge/internal/state"
	"github.com/sixar-robotics/armbridge/internal/timeutil"
)

const (
	// DefaultWindowSize bounds the look-ahead buffer of a windowed batch.
	DefaultWindowSize = 32

	// DefaultInterval is the cadence used when Enqueue is given none.
	DefaultInterval = 20 * time.Millisecond
)

// Segment is one step of a trajectory. With Targets it becomes a
// MoveMultiple command; without, a batch slice of raw speeds and
// accelerations.
type Segment struct {
	Joints  []int     `json:"joints,omitempty"`
	Targets []float64 `json:"targets,omitempty"`
	Speeds  []float64 `json:"speeds"`
	Accels  []float64 `json:"accels"`
}

// AllJoints is the axis mask used when a segment names none.
func AllJoints() []int {
	j := make([]int, state.JointCount)
	for i := range j {
		j[i] = i + 1
	}
	return j
}

// Command renders the segment as a controller command.
func (s Segment) Command() (string, firmware.Fields) {
	if len(s.Targets) > 0 {
		joints := s.Joints
		if len(joints) == 0 {
			joints = AllJoints()
		}
		return firmware.VerbMoveMultiple, firmware.Fields{
			"joints":  joints,
			"targets": s.Targets,
			"speeds":  s.Speeds,
			"accels":  s.Accels,
		}
	}
	return firmware.VerbBatchSlice, firmware.Fields{
		"s": s.Speeds,
		"a": absAll(s.Accels),
	}
}

func absAll(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Abs(x)
	}
	return out
}

// Ack is the outcome of one issued command.
type Ack interface {
	Wait(ctx context.Context) (*firmware.Frame, error)
}

// Sender issues a command without waiting for its acknowledgement.
type Sender interface {
	Issue(verb string, fields firmware.Fields, timeout time.Duration) (Ack, error)
}

type linkSender struct{ link *firmware.Link }

func (s linkSender) Issue(verb string, fields firmware.Fields, timeout time.Duration) (Ack, error) {
	p, err := s.link.Issue(verb, fields, timeout)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// LinkSender adapts a firmware link.
func LinkSender(l *firmware.Link) Sender { return linkSender{link: l} }

// Options configure a Batcher.
type Options struct {
	Clock      timeutil.Clock
	WindowSize int
}

type run struct {
	stop     chan struct{}
	finished chan struct{}
}

// Batcher drains one batch at a time. Enqueueing a new batch supersedes the
// one draining: its remaining segments are discarded.
type Batcher struct {
	sender     Sender
	clock      timeutil.Clock
	windowSize int
	logf       func(format string, v ...interface{})

	mu      sync.Mutex
	current *run

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New returns an idle Batcher.
func New(sender Sender, opts Options) *Batcher {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	return &Batcher{
		sender:     sender,
		clock:      opts.Clock,
		windowSize: opts.WindowSize,
		logf:       monitoring.Prefixed("batch"),
	}
}

// Enqueue starts draining segments, one per interval tick. Any batch still
// draining is stopped first, and its goroutine has exited before the new
// ticker starts. In windowed mode only WindowSize segments are buffered at
// a time; each tick refills the buffer from the plan. A non-positive
// interval selects DefaultInterval.
func (b *Batcher) Enqueue(segments []Segment, interval time.Duration, windowed bool) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked()
	if len(segments) == 0 {
		return
	}

	plan := append([]Segment(nil), segments...)
	buffered := len(plan)
	if windowed && buffered > b.windowSize {
		buffered = b.windowSize
	}
	queue := append(make([]Segment, 0, buffered), plan[:buffered]...)
	if !windowed {
		plan = nil
	}

	r := &run{stop: make(chan struct{}), finished: make(chan struct{})}
	b.current = r
	ticker := b.clock.NewTicker(interval)
	go b.drain(r, ticker, queue, plan, buffered)
}

// Stop cancels the draining batch, if any.
func (b *Batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Batcher) stopLocked() {
	if b.current == nil {
		return
	}
	close(b.current.stop)
	<-b.current.finished
	b.current = nil
}

// Active reports whether a batch is draining.
func (b *Batcher) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return false
	}
	select {
	case <-b.current.finished:
		return false
	default:
		return true
	}
}

// Sent is the number of segments issued since the Batcher was created.
func (b *Batcher) Sent() uint64 { return b.sent.Load() }

// Failed is the number of segments whose write or acknowledgement failed.
func (b *Batcher) Failed() uint64 { return b.failed.Load() }

// drain pops one segment per tick. plan is nil in plain mode; otherwise
// next indexes its first segment not yet buffered.
func (b *Batcher) drain(r *run, ticker timeutil.Ticker, queue, plan []Segment, next int) {
	defer close(r.finished)
	defer ticker.Stop()

	for len(queue) > 0 {
		select {
		case <-r.stop:
			return
		case <-ticker.C():
		}
		select {
		case <-r.stop:
			return
		default:
		}

		seg := queue[0]
		queue = queue[1:]
		if next < len(plan) {
			queue = append(queue, plan[next])
			next++
		}
		b.send(seg)
	}
}

// send writes one segment synchronously so wire order is segment order; the
// acknowledgement is awaited in the background and a failure is logged
// only. The batch carries on either way.
func (b *Batcher) send(seg Segment) {
	b.sent.Add(1)
	verb, fields := seg.Command()
	ack, err := b.sender.Issue(verb, fields, 0)
	if err != nil {
		b.failed.Add(1)
		b.logf("segment %s not sent: %v", verb, err)
		return
	}
	go func() {
		if _, err := ack.Wait(context.Background()); err != nil {
			b.failed.Add(1)
			b.logf("segment %s failed: %v", verb, err)
		}
	}()
}
