// Package motion computes synchronized trapezoidal velocity profiles so that
// joints with unequal travel start and stop together.
package motion

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/sixar-robotics/armbridge/internal/state"
)

const (
	// MinSyncTime floors the synchronized duration so it is never zero.
	MinSyncTime = 0.01

	// NoopEpsilon is the travel (in degrees) below which an axis counts as
	// already in place.
	NoopEpsilon = 1e-6

	// Precision is the number of decimals kept in speeds and accelerations.
	Precision = 4

	// MinOutput floors every speed and acceleration; the controller rejects
	// zero values.
	MinOutput = 0.1

	// DefaultLimitScale divides the controller's joint limits before
	// synchronizing, keeping bridge-initiated moves conservative.
	DefaultLimitScale = 3.0
)

// Axes is one value per joint.
type Axes = [state.JointCount]float64

// Profile is the synchronized result: per-axis cruise speed and
// acceleration, and the common duration in seconds.
type Profile struct {
	Speed    Axes    `json:"speeds"`
	Accel    Axes    `json:"accels"`
	SyncTime float64 `json:"syncTime"`
}

// Synchronize fits every axis to the duration of the slowest one.
//
// It returns ok == false when no axis needs to move by more than
// NoopEpsilon; the caller must not issue a move in that case.
func Synchronize(current, target, vmax, amax Axes) (p Profile, ok bool) {
	var delta Axes
	moving := false
	for i := range delta {
		delta[i] = math.Abs(target[i] - current[i])
		if delta[i] >= NoopEpsilon {
			moving = true
		}
	}
	if !moving {
		return Profile{}, false
	}

	times := make([]float64, 0, len(delta)+1)
	for i := range delta {
		times = append(times, MinimumTime(delta[i], vmax[i], amax[i]))
	}
	times = append(times, MinSyncTime)
	p.SyncTime = floats.Max(times)

	for i := range delta {
		speed, accel := refit(delta[i], p.SyncTime, vmax[i], amax[i])
		p.Speed[i] = finish(speed)
		p.Accel[i] = finish(accel)
	}
	return p, true
}

// MinimumTime is the shortest time to travel delta under a trapezoidal
// profile limited by vmax and amax; it degenerates to a triangular profile
// when the axis never reaches vmax. Axes without usable limits report zero
// so they never set the pace.
func MinimumTime(delta, vmax, amax float64) float64 {
	if delta <= 0 || vmax <= 0 || amax <= 0 {
		return 0
	}
	tA := vmax / amax
	xA := 0.5 * amax * tA * tA
	if delta < 2*xA {
		return 2 * math.Sqrt(delta/amax)
	}
	return 2*tA + (delta-2*xA)/vmax
}

// refit returns the peak speed and acceleration that make an axis travel
// delta in syncTime.
func refit(delta, syncTime, vmax, amax float64) (speed, accel float64) {
	if amax <= 0 || syncTime <= 0 {
		return 0, 0
	}
	tAmax := syncTime / 2
	xAmax := 0.5 * amax * tAmax * tAmax

	if delta < 2*xAmax {
		speed = math.Sqrt(delta * amax)
	} else {
		disc := amax*amax*syncTime*syncTime - 4*amax*delta
		if disc < 0 {
			speed = amax * tAmax
		} else {
			speed = (amax*syncTime - math.Sqrt(disc)) / 2
		}
	}
	speed = math.Min(speed, vmax)
	return speed, speed / tAmax
}

func finish(v float64) float64 {
	return Round(math.Max(MinOutput, v))
}

// Round rounds v to Precision decimals.
func Round(v float64) float64 {
	return scalar.Round(v, Precision)
}

// ScaleLimits divides the controller limits by scale. A non-positive scale
// falls back to DefaultLimitScale.
func ScaleLimits(lim state.Limits, scale float64) (vmax, amax Axes) {
	if scale <= 0 {
		scale = DefaultLimitScale
	}
	for i := range vmax {
		vmax[i] = lim.MaxSpeed[i] / scale
		amax[i] = lim.MaxAccel[i] / scale
	}
	return vmax, amax
}

// LimitsFromParameters reads joint{n}.maxSpeed and joint{n}.maxAccel from a
// parameter table and scales them down. Missing keys yield zero limits.
func LimitsFromParameters(params state.Parameters, scale float64) (vmax, amax Axes) {
	var lim state.Limits
	for i := range lim.MaxSpeed {
		lim.MaxSpeed[i] = params[state.ParamKey(i+1, "maxSpeed")]
		lim.MaxAccel[i] = params[state.ParamKey(i+1, "maxAccel")]
	}
	return ScaleLimits(lim, scale)
}
