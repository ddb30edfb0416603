// Package state caches the latest joint telemetry and controller parameters
// reported by the arm controller.
//
// The firmware link is the only writer. Readers (the motion synchronizer and
// the gateway) always receive copies, so a reader never observes a partially
// applied update.
package state

import (
	"fmt"
	"strconv"
	"sync"
)

// JointCount is the number of axes on the arm.
const JointCount = 6

// JointState is the controller's report for one axis.
type JointState struct {
	Position     float64 `json:"position"`
	Velocity     float64 `json:"velocity"`
	Acceleration float64 `json:"acceleration"`
	Target       float64 `json:"target"`
}

// Parameters is the controller configuration table, keyed "joint{n}.name"
// (plus any global keys the firmware exposes).
type Parameters map[string]float64

// Limits are the per-axis motion limits taken from the parameter table.
type Limits struct {
	MaxSpeed [JointCount]float64 `json:"maxSpeed"`
	MaxAccel [JointCount]float64 `json:"maxAccel"`
}

// Cache holds the latest known controller state.
type Cache struct {
	mu     sync.RWMutex
	joints [JointCount]JointState
	params Parameters
}

// NewCache returns an empty cache: all joints at zero, no parameters.
func NewCache() *Cache {
	return &Cache{}
}

// ApplyJoints replaces all six joint states at once.
func (c *Cache) ApplyJoints(joints [JointCount]JointState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joints = joints
}

// ApplyJoint replaces the state of a single joint, numbered 1..6, leaving the
// others untouched.
func (c *Cache) ApplyJoint(joint int, js JointState) error {
	if joint < 1 || joint > JointCount {
		return fmt.Errorf("joint %d out of range 1..%d", joint, JointCount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joints[joint-1] = js
	return nil
}

// ReplaceParameters swaps in a new parameter table. The previous table is
// discarded entirely; keys absent from params disappear.
func (c *Cache) ReplaceParameters(params Parameters) {
	next := make(Parameters, len(params))
	for k, v := range params {
		next[k] = v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = next
}

// Joints returns a copy of all joint states.
func (c *Cache) Joints() [JointCount]JointState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joints
}

// Positions returns the cached position of every joint.
func (c *Cache) Positions() [JointCount]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out [JointCount]float64
	for i, j := range c.joints {
		out[i] = j.Position
	}
	return out
}

// HasParameters reports whether a parameter table has been received.
func (c *Cache) HasParameters() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params != nil
}

// Parameters returns a copy of the current parameter table, or nil if none
// has been received yet.
func (c *Cache) Parameters() Parameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.params == nil {
		return nil
	}
	out := make(Parameters, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// Limits extracts joint{n}.maxSpeed / joint{n}.maxAccel from the parameter
// table. ok is false until parameters have been received.
func (c *Cache) Limits() (lim Limits, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.params == nil {
		return lim, false
	}
	for i := 0; i < JointCount; i++ {
		lim.MaxSpeed[i] = c.params[ParamKey(i+1, "maxSpeed")]
		lim.MaxAccel[i] = c.params[ParamKey(i+1, "maxAccel")]
	}
	return lim, true
}

// ParamKey builds the "joint{n}.name" key used by the controller.
func ParamKey(joint int, name string) string {
	return "joint" + strconv.Itoa(joint) + "." + name
}

// Snapshot is a point-in-time copy of the cache, used by the HTTP API.
type Snapshot struct {
	Joints     [JointCount]JointState `json:"joints"`
	Parameters Parameters             `json:"parameters,omitempty"`
}

// Snapshot copies joints and parameters under one lock so the two are
// consistent with each other.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{Joints: c.joints}
	if c.params != nil {
		s.Parameters = make(Parameters, len(c.params))
		for k, v := range c.params {
			s.Parameters[k] = v
		}
	}
	return s
}
