// Package gateway is the bridge's single entry point for operator intents.
// It routes commands to the firmware link, requests to the kinematics
// solver and trajectories to the batcher, and republishes everything the
// two collaborators report on a Hub.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sixar-robotics/armbridge/internal/batch"
	"github.com/sixar-robotics/armbridge/internal/firmware"
	"github.com/sixar-robotics/armbridge/internal/monitoring"
	"github.com/sixar-robotics/armbridge/internal/motion"
	"github.com/sixar-robotics/armbridge/internal/solver"
	"github.com/sixar-robotics/armbridge/internal/state"
)

var (
	// ErrNoJointLimits means the controller has not reported its parameter
	// table yet.
	ErrNoJointLimits = errors.New("gateway: joint limits not yet received")

	// ErrInvalidRequest wraps every request the gateway rejects before
	// contacting a collaborator.
	ErrInvalidRequest = errors.New("gateway: invalid request")

	// ErrInvalidTrajectory means the solver returned a profile that cannot
	// be uploaded.
	ErrInvalidTrajectory = errors.New("gateway: invalid trajectory from solver")
)

// Event names published by the facade itself. Controller frames are
// published under their own cmd name and solver notifications under
// solver.Event*.
const (
	EventIKResponse      = "ik_response"
	EventIKError         = "ik_error"
	EventFKResponse      = "fk_response"
	EventFKError         = "fk_error"
	EventProfileResponse = "profileLinear_response"
	EventUploadError     = "profileMoveToTeensy_error"
	EventUploadQueued    = "profileMoveToTeensy_queued"
	EventSyncMove        = "syncMove"
)

// Solver is the part of solver.Client the facade uses.
type Solver interface {
	Request(ctx context.Context, payload any) (json.RawMessage, error)
	Stream(payload any) error
	Observe(fn func(solver.Notification))
	Queued() int
	Done() <-chan struct{}
}

// Options configure a Facade. Link is required.
type Options struct {
	Link *firmware.Link

	// Solver is optional; without one every solver intent fails with
	// solver.ErrResourceUnavailable.
	Solver Solver

	// Batcher defaults to one writing through Link.
	Batcher *batch.Batcher

	// Hub defaults to a new hub.
	Hub *Hub

	// BatchInterval applies when IssueBatch is given no interval.
	BatchInterval time.Duration

	// LimitScale divides the controller's limits for synchronized moves.
	LimitScale float64
}

// Facade maps operator intents onto the collaborators.
type Facade struct {
	link          *firmware.Link
	solver        Solver
	batcher       *batch.Batcher
	hub           *Hub
	batchInterval time.Duration
	limitScale    float64
	logf          func(format string, v ...interface{})
}

// New wires the link's frames and the solver's notifications into the hub.
func New(opts Options) *Facade {
	if opts.Batcher == nil {
		opts.Batcher = batch.New(batch.LinkSender(opts.Link), batch.Options{})
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = batch.DefaultInterval
	}
	if opts.LimitScale <= 0 {
		opts.LimitScale = motion.DefaultLimitScale
	}
	f := &Facade{
		link:          opts.Link,
		solver:        opts.Solver,
		batcher:       opts.Batcher,
		hub:           opts.Hub,
		batchInterval: opts.BatchInterval,
		limitScale:    opts.LimitScale,
		logf:          monitoring.Prefixed("gateway"),
	}
	f.link.Observe(func(t firmware.Telemetry) {
		f.hub.Publish(Event{Name: t.Kind, Data: t.Body})
	})
	if f.solver != nil {
		f.solver.Observe(f.publishNotification)
	}
	return f
}

func (f *Facade) publishNotification(n solver.Notification) {
	e := Event{Name: n.Event}
	if n.Kind != solver.StreamComplete {
		e.Data = errorBody(n.Message)
	}
	f.hub.Publish(e)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// Hub returns the event hub.
func (f *Facade) Hub() *Hub { return f.hub }

// Cache returns the controller state cache.
func (f *Facade) Cache() *state.Cache { return f.link.Cache() }

// Batcher returns the trajectory batcher.
func (f *Facade) Batcher() *batch.Batcher { return f.batcher }

// IssueCommand sends a raw controller command and waits for its reply. A
// non-positive timeout selects the verb's default.
func (f *Facade) IssueCommand(ctx context.Context, verb string, fields firmware.Fields, timeout time.Duration) (*firmware.Frame, error) {
	if verb == "" {
		return nil, fmt.Errorf("%w: missing cmd", ErrInvalidRequest)
	}
	return f.link.Send(ctx, verb, fields, timeout)
}

// IssueSolverRequest queues payload for the solver and waits for its reply.
func (f *Facade) IssueSolverRequest(ctx context.Context, payload any) (json.RawMessage, error) {
	if f.solver == nil {
		return nil, solver.ErrResourceUnavailable
	}
	return f.solver.Request(ctx, payload)
}

// IssueBatch replaces whatever trajectory is streaming with segments. An
// empty batch cancels the current one.
func (f *Facade) IssueBatch(segments []batch.Segment, interval time.Duration, windowed bool) error {
	for i, s := range segments {
		if len(s.Speeds) == 0 {
			return fmt.Errorf("%w: segment %d has no speeds", ErrInvalidRequest, i)
		}
		if len(s.Targets) > 0 && len(s.Joints) > 0 && len(s.Joints) != len(s.Targets) {
			return fmt.Errorf("%w: segment %d has %d joints but %d targets", ErrInvalidRequest, i, len(s.Joints), len(s.Targets))
		}
	}
	if interval <= 0 {
		interval = f.batchInterval
	}
	f.batcher.Enqueue(segments, interval, windowed)
	return nil
}

// IssueStreamFrame forwards one continuous-motion frame to the solver
// without waiting for a reply.
func (f *Facade) IssueStreamFrame(payload any) error {
	if f.solver == nil {
		return solver.ErrResourceUnavailable
	}
	return f.solver.Stream(payload)
}

// RefreshParameters asks the controller for its parameter table. The reply
// replaces the cached table before RefreshParameters returns.
func (f *Facade) RefreshParameters(ctx context.Context) error {
	_, err := f.link.Send(ctx, firmware.VerbListParameters, nil, 0)
	return err
}

// SolveIK sends an inverse-kinematics request and publishes the outcome.
func (f *Facade) SolveIK(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return f.solve(ctx, req, EventIKResponse, EventIKError)
}

// SolveFK sends a forward-kinematics request, tagged type "fk", and
// publishes the outcome.
func (f *Facade) SolveFK(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	obj, err := decodeObject(req)
	if err != nil {
		return nil, err
	}
	obj["type"] = json.RawMessage(`"fk"`)
	return f.solve(ctx, obj, EventFKResponse, EventFKError)
}

func (f *Facade) solve(ctx context.Context, payload any, okEvent, errEvent string) (json.RawMessage, error) {
	reply, err := f.IssueSolverRequest(ctx, payload)
	if err != nil {
		f.hub.Publish(Event{Name: errEvent, Data: errorBody(err.Error())})
		return nil, err
	}
	f.hub.Publish(Event{Name: okEvent, Data: reply})
	return reply, nil
}

// ProfileLinear asks the solver to preview a linear move under the cached
// joint limits.
func (f *Facade) ProfileLinear(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	lim, ok := f.Cache().Limits()
	if !ok {
		f.hub.Publish(Event{Name: solver.EventProfileError, Data: errorBody("waiting for joint limits")})
		return nil, ErrNoJointLimits
	}
	payload := map[string]any{"profileLinear": req, "jointLimits": lim}
	return f.solve(ctx, payload, EventProfileResponse, solver.EventProfileError)
}

// uploadPlan is the solver's answer to a profile upload request.
type uploadPlan struct {
	DT     float64     `json:"dt"`
	Speeds [][]float64 `json:"speeds"`
	Accels [][]float64 `json:"accels"`
}

// UploadProfile has the solver plan a trajectory under the cached joint
// limits and loads it into the controller as one batch: BeginBatch, then
// every slice in order. It returns the number of slices queued.
func (f *Facade) UploadProfile(ctx context.Context, req json.RawMessage) (int, error) {
	n, err := f.uploadProfile(ctx, req)
	if err != nil {
		f.hub.Publish(Event{Name: EventUploadError, Data: errorBody(err.Error())})
		return 0, err
	}
	f.hub.Publish(Event{Name: EventUploadQueued, Data: map[string]int{"count": n}})
	return n, nil
}

func (f *Facade) uploadProfile(ctx context.Context, req json.RawMessage) (int, error) {
	lim, err := f.limits(ctx)
	if err != nil {
		return 0, err
	}

	reply, err := f.IssueSolverRequest(ctx, map[string]any{
		"profileMoveToTeensy": req,
		"jointLimits":         lim,
	})
	if err != nil {
		return 0, err
	}
	if msg := solver.ReplyError(reply); msg != "" {
		return 0, fmt.Errorf("solver: %s", msg)
	}
	var plan uploadPlan
	if err := json.Unmarshal(reply, &plan); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTrajectory, err)
	}
	count := len(plan.Speeds)
	if count == 0 || len(plan.Accels) != count {
		return 0, fmt.Errorf("%w: %d speed slices, %d accel slices", ErrInvalidTrajectory, count, len(plan.Accels))
	}

	if _, err := f.link.Send(ctx, firmware.VerbBeginBatch, firmware.Fields{"count": count, "dt": plan.DT}, 0); err != nil {
		return 0, fmt.Errorf("BeginBatch failed: %w", err)
	}

	sliceTimeout := f.link.Timeout(firmware.VerbMoveMultiple)
	for i := range plan.Speeds {
		verb, fields := batch.Segment{Speeds: plan.Speeds[i], Accels: plan.Accels[i]}.Command()
		if _, err := f.link.Send(ctx, verb, fields, sliceTimeout); err != nil {
			f.logf("slice %d/%d failed: %v", i+1, count, err)
			f.stopAfterFailure()
			return 0, fmt.Errorf("slice %d upload failed: %w", i+1, err)
		}
	}
	f.logf("profile of %d slices queued", count)
	return count, nil
}

// stopAfterFailure is best-effort and independent of the caller's context.
func (f *Facade) stopAfterFailure() {
	ctx, cancel := context.WithTimeout(context.Background(), f.link.Timeout(firmware.VerbStopAll))
	defer cancel()
	if err := f.link.StopAll(ctx); err != nil {
		f.logf("StopAll after failed upload: %v", err)
	}
}

// limits returns the cached joint limits, asking the controller once when
// none are cached.
func (f *Facade) limits(ctx context.Context) (state.Limits, error) {
	if lim, ok := f.Cache().Limits(); ok {
		return lim, nil
	}
	if err := f.RefreshParameters(ctx); err != nil {
		f.logf("parameter refresh failed: %v", err)
	}
	lim, ok := f.Cache().Limits()
	if !ok {
		return lim, ErrNoJointLimits
	}
	return lim, nil
}

// SyncMoveTo moves every joint to target so that all axes start and finish
// together. It reports false without moving when the arm is already there.
func (f *Facade) SyncMoveTo(ctx context.Context, target motion.Axes) (motion.Profile, bool, error) {
	if _, err := f.link.Send(ctx, firmware.VerbGetJointStatus, nil, 0); err != nil {
		return motion.Profile{}, false, fmt.Errorf("joint status: %w", err)
	}
	if _, err := f.limits(ctx); err != nil {
		return motion.Profile{}, false, err
	}

	vmax, amax := motion.LimitsFromParameters(f.Cache().Parameters(), f.limitScale)
	profile, ok := motion.Synchronize(f.Cache().Positions(), target, vmax, amax)
	if !ok {
		return profile, false, nil
	}

	seg := batch.Segment{
		Joints:  batch.AllJoints(),
		Targets: target[:],
		Speeds:  profile.Speed[:],
		Accels:  profile.Accel[:],
	}
	verb, fields := seg.Command()
	if _, err := f.link.Send(ctx, verb, fields, 0); err != nil {
		return profile, false, err
	}
	f.hub.Publish(Event{Name: EventSyncMove, Data: profile})
	return profile, true, nil
}

// Status summarises the bridge for the operator.
type Status struct {
	State           state.Snapshot `json:"state"`
	PendingCommands int            `json:"pending_commands"`
	Malformed       uint64         `json:"malformed_frames"`
	SafetyStops     uint64         `json:"safety_stops"`
	BatchActive     bool           `json:"batch_active"`
	BatchSent       uint64         `json:"batch_sent"`
	BatchFailed     uint64         `json:"batch_failed"`
	SolverRunning   bool           `json:"solver_running"`
	SolverQueued    int            `json:"solver_queued"`
	Subscribers     int            `json:"subscribers"`
}

// Status returns a point-in-time summary.
func (f *Facade) Status() Status {
	s := Status{
		State:           f.Cache().Snapshot(),
		PendingCommands: f.link.Pending(),
		Malformed:       f.link.Malformed(),
		SafetyStops:     f.link.SafetyStops(),
		BatchActive:     f.batcher.Active(),
		BatchSent:       f.batcher.Sent(),
		BatchFailed:     f.batcher.Failed(),
		Subscribers:     f.hub.Subscribers(),
	}
	if f.solver != nil {
		select {
		case <-f.solver.Done():
		default:
			s.SolverRunning = true
		}
		s.SolverQueued = f.solver.Queued()
	}
	return s
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidRequest)
	}
	return obj, nil
}
