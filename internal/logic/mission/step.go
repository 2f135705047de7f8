package mission

import (
	"fmt"
	"time"
)

// Kind names a mission step.
type Kind string

const (
	StraightUntilLine   Kind = "straight_until_line"
	FollowUntilCrossing Kind = "follow_until_crossing"
	FollowForDuration   Kind = "follow_for_duration"
	FollowForAngle      Kind = "follow_for_angle"
	FollowForDistance   Kind = "follow_for_distance"
	Turn                Kind = "turn"
	Straight            Kind = "straight"
	Beep                Kind = "beep"
	Grab                Kind = "grab"
	Release             Kind = "release"
	Wait                Kind = "wait"
)

// Step is one mission segment. Only the fields used by its Kind are read.
type Step struct {
	Kind      Kind
	Backwards bool
	Duration  time.Duration // follow_for_duration, wait
	Degrees   float64       // follow_for_angle, turn
	Distance  float64       // follow_for_distance, straight (mm)
	Speed     float64       // line steps: base speed, grab/release: actuator speed (0 = configured)
	Gripper   string        // grab, release
}

func (s Step) usesFollower() bool {
	switch s.Kind {
	case StraightUntilLine, FollowUntilCrossing, FollowForDuration, FollowForAngle, FollowForDistance:
		return true
	}
	return false
}

func (s Step) usesDrive() bool {
	return s.Kind == Turn || s.Kind == Straight
}

func (s Step) usesGripper() bool {
	return s.Kind == Grab || s.Kind == Release
}

func (s Step) validate() error {
	switch s.Kind {
	case StraightUntilLine, FollowUntilCrossing, Beep:
	case FollowForDuration, Wait:
		if s.Duration <= 0 {
			return fmt.Errorf("%s: duration must be > 0", s.Kind)
		}
	case FollowForAngle:
		if s.Degrees <= 0 {
			return fmt.Errorf("%s: degrees must be > 0 (use backwards to reverse)", s.Kind)
		}
	case FollowForDistance:
		if s.Distance <= 0 {
			return fmt.Errorf("%s: distance must be > 0 (use backwards to reverse)", s.Kind)
		}
	case Turn:
		if s.Degrees == 0 {
			return fmt.Errorf("%s: degrees must not be 0", s.Kind)
		}
	case Straight:
		if s.Distance == 0 {
			return fmt.Errorf("%s: distance must not be 0", s.Kind)
		}
	case Grab, Release:
		if s.Gripper == "" {
			return fmt.Errorf("%s: gripper name required", s.Kind)
		}
	default:
		return fmt.Errorf("unknown step %q", s.Kind)
	}
	if s.Speed < 0 {
		return fmt.Errorf("%s: speed must be >= 0", s.Kind)
	}
	return nil
}

// String describes the step for logs.
func (s Step) String() string {
	dir := ""
	if s.Backwards {
		dir = " backwards"
	}
	switch s.Kind {
	case FollowForDuration:
		return fmt.Sprintf("follow line for %v%s", s.Duration, dir)
	case FollowForAngle:
		return fmt.Sprintf("follow line for %.0f deg%s", s.Degrees, dir)
	case FollowForDistance:
		return fmt.Sprintf("follow line for %.0f mm%s", s.Distance, dir)
	case FollowUntilCrossing:
		return "follow line until crossing" + dir
	case StraightUntilLine:
		return "straight until line" + dir
	case Turn:
		return fmt.Sprintf("turn %+.0f deg", s.Degrees)
	case Straight:
		return fmt.Sprintf("straight %+.0f mm", s.Distance)
	case Grab, Release:
		return fmt.Sprintf("%s %s", s.Kind, s.Gripper)
	case Wait:
		return fmt.Sprintf("wait %v", s.Duration)
	}
	return string(s.Kind)
}
