package linefollow

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeMotor records commanded speeds and advances its angle by step
// (signed like the speed) on every Run.
type fakeMotor struct {
	speeds []float64
	stops  int
	angle  int
	step   int
	runErr error
}

func (m *fakeMotor) Run(speed float64) error {
	if m.runErr != nil {
		return m.runErr
	}
	m.speeds = append(m.speeds, speed)
	switch {
	case speed > 0:
		m.angle += m.step
	case speed < 0:
		m.angle -= m.step
	}
	return nil
}

func (m *fakeMotor) Stop() error {
	m.stops++
	return nil
}

func (m *fakeMotor) Angle() int {
	return m.angle
}

// fakeSensor returns values in order and repeats the last one.
type fakeSensor struct {
	values []int
	reads  int
	err    error
}

func (s *fakeSensor) Reflection() (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	i := s.reads
	if i >= len(s.values) {
		i = len(s.values) - 1
	}
	s.reads++
	return s.values[i], nil
}

// fakeOdometry reports a distance that grows by step on every read.
type fakeOdometry struct {
	d, step float64
}

func (o *fakeOdometry) Distance() float64 {
	d := o.d
	o.d += o.step
	return d
}

type rig struct {
	left, right  *fakeMotor
	lSens, rSens *fakeSensor
	lf           *LineFollower
}

func newRig(l, r []int, p Params) *rig {
	rg := &rig{
		left:  &fakeMotor{step: 10},
		right: &fakeMotor{step: 10},
		lSens: &fakeSensor{values: l},
		rSens: &fakeSensor{values: r},
	}
	rg.lf = New(rg.left, rg.right, rg.lSens, rg.rSens, nil, p)
	return rg
}

func testParams() Params {
	return Params{BaseSpeed: 100, Kp: 2, LineThreshold: 15, Period: time.Millisecond}
}

func TestTick_SteersAwayFromBrighterSide(t *testing.T) {
	tests := []struct {
		name        string
		l, r        int
		left, right float64
	}{
		{"left brighter", 60, 20, 180, 20},
		{"right brighter", 20, 60, 20, 180},
		{"balanced", 40, 40, 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rg := newRig([]int{tt.l}, []int{tt.r}, testParams())
			l, r, err := rg.lf.Tick(Forward)
			if err != nil {
				t.Fatalf("Tick: %v", err)
			}
			if l != tt.left || r != tt.right {
				t.Errorf("Tick = (%v, %v), want (%v, %v)", l, r, tt.left, tt.right)
			}
			if tt.l > tt.r && !(l > 100 && r < 100) {
				t.Errorf("L > R must speed up left and slow right, got (%v, %v)", l, r)
			}
			if tt.l < tt.r && !(l < 100 && r > 100) {
				t.Errorf("L < R must slow left and speed up right, got (%v, %v)", l, r)
			}
			if rg.left.speeds[0] != l || rg.right.speeds[0] != r {
				t.Errorf("commanded (%v, %v), returned (%v, %v)", rg.left.speeds[0], rg.right.speeds[0], l, r)
			}
		})
	}
}

func TestTick_BackwardsFlipsOnlyTheBase(t *testing.T) {
	for _, pair := range [][2]int{{60, 20}, {20, 60}, {33, 33}, {0, 100}} {
		fw := newRig([]int{pair[0]}, []int{pair[1]}, testParams())
		bw := newRig([]int{pair[0]}, []int{pair[1]}, testParams())

		fl, fr, _ := fw.lf.Tick(Forward)
		bl, br, _ := bw.lf.Tick(Backward)

		if bl != fl-200 || br != fr-200 {
			t.Errorf("%v: backward (%v, %v), forward (%v, %v)", pair, bl, br, fl, fr)
		}
	}
}

func TestFollowForDuration_TickCount(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{10 * time.Millisecond, 10},
		{2500 * time.Microsecond, 2},
		{500 * time.Microsecond, 0},
	}
	for _, tt := range tests {
		rg := newRig([]int{80, 5, 50}, []int{3, 70, 50}, testParams())
		if err := rg.lf.FollowForDuration(context.Background(), tt.d, false); err != nil {
			t.Fatalf("FollowForDuration(%v): %v", tt.d, err)
		}
		if len(rg.left.speeds) != tt.want || len(rg.right.speeds) != tt.want {
			t.Errorf("FollowForDuration(%v): %d/%d ticks, want %d",
				tt.d, len(rg.left.speeds), len(rg.right.speeds), tt.want)
		}
		if rg.left.stops != 1 || rg.right.stops != 1 {
			t.Errorf("stops = %d/%d, want 1/1", rg.left.stops, rg.right.stops)
		}
	}
}

func TestFollowUntilCrossing(t *testing.T) {
	// One sensor at the threshold is not on the line.
	rg := newRig(
		[]int{50, 14, 15, 10, 90},
		[]int{50, 40, 10, 14, 90},
		testParams(),
	)
	if err := rg.lf.FollowUntilCrossing(context.Background(), false); err != nil {
		t.Fatalf("FollowUntilCrossing: %v", err)
	}
	if n := len(rg.left.speeds); n != 3 {
		t.Errorf("ticks = %d, want 3", n)
	}
	if rg.lSens.reads != 4 {
		t.Errorf("sensor reads = %d, want 4", rg.lSens.reads)
	}
	if rg.left.stops != 1 || rg.right.stops != 1 {
		t.Error("both motors must be stopped")
	}
}

func TestFollowForAngle(t *testing.T) {
	t.Run("forward", func(t *testing.T) {
		rg := newRig([]int{40}, []int{40}, testParams())
		rg.left.angle, rg.right.angle = 1000, -500
		if err := rg.lf.FollowForAngle(context.Background(), 35, false); err != nil {
			t.Fatalf("FollowForAngle: %v", err)
		}
		// avg grows 10 per tick: 0, 10, 20, 30, 40
		if n := len(rg.left.speeds); n != 4 {
			t.Errorf("ticks = %d, want 4", n)
		}
		for _, s := range rg.left.speeds {
			if s <= 0 {
				t.Fatalf("forward speed %v should be positive", s)
			}
		}
	})
	t.Run("backwards", func(t *testing.T) {
		rg := newRig([]int{40}, []int{40}, testParams())
		if err := rg.lf.FollowForAngle(context.Background(), 20, true); err != nil {
			t.Fatalf("FollowForAngle: %v", err)
		}
		if n := len(rg.left.speeds); n != 2 {
			t.Errorf("ticks = %d, want 2", n)
		}
		if rg.left.speeds[0] != -100 || rg.right.speeds[0] != -100 {
			t.Errorf("speeds = (%v, %v), want base -100", rg.left.speeds[0], rg.right.speeds[0])
		}
		if rg.left.angle != -20 {
			t.Errorf("left angle = %d, want -20", rg.left.angle)
		}
	})
	t.Run("exact target", func(t *testing.T) {
		rg := newRig([]int{40}, []int{40}, testParams())
		if err := rg.lf.FollowForAngle(context.Background(), 30, false); err != nil {
			t.Fatalf("FollowForAngle: %v", err)
		}
		if n := len(rg.left.speeds); n != 3 {
			t.Errorf("ticks = %d, want 3", n)
		}
	})
}

func TestFollowForDistance(t *testing.T) {
	rg := newRig([]int{40}, []int{40}, testParams())
	odo := &fakeOdometry{d: 100, step: -5}
	lf := New(rg.left, rg.right, rg.lSens, rg.rSens, odo, testParams())

	if err := lf.FollowForDistance(context.Background(), 12, true); err != nil {
		t.Fatalf("FollowForDistance: %v", err)
	}
	// entry 100, then 95, 90, 85: |85-100| >= 12
	if n := len(rg.left.speeds); n != 2 {
		t.Errorf("ticks = %d, want 2", n)
	}
}

func TestFollowForDistance_NoOdometry(t *testing.T) {
	rg := newRig([]int{40}, []int{40}, testParams())
	err := rg.lf.FollowForDistance(context.Background(), 100, false)
	if !errors.Is(err, ErrNoOdometry) || !errors.Is(err, ErrPrecondition) {
		t.Fatalf("err = %v, want ErrNoOdometry", err)
	}
	if len(rg.left.speeds) != 0 || rg.lSens.reads != 0 {
		t.Error("nothing should run without odometry")
	}
}

func TestDriveStraightUntilLine(t *testing.T) {
	rg := newRig([]int{90, 60, 12}, []int{20, 30, 8}, testParams())
	if err := rg.lf.DriveStraightUntilLine(context.Background(), true); err != nil {
		t.Fatalf("DriveStraightUntilLine: %v", err)
	}
	if len(rg.left.speeds) != 1 || len(rg.right.speeds) != 1 {
		t.Fatalf("speeds = %v/%v, want a single command each", rg.left.speeds, rg.right.speeds)
	}
	if rg.left.speeds[0] != -100 || rg.right.speeds[0] != -100 {
		t.Errorf("speeds = (%v, %v), want equal -100", rg.left.speeds[0], rg.right.speeds[0])
	}
	if rg.lSens.reads != 3 {
		t.Errorf("sensor reads = %d, want 3", rg.lSens.reads)
	}
	if rg.left.stops != 1 || rg.right.stops != 1 {
		t.Error("both motors must be stopped")
	}
}

func TestMaxTicks(t *testing.T) {
	p := testParams()
	p.MaxTicks = 5
	rg := newRig([]int{80}, []int{80}, p)

	err := rg.lf.FollowUntilCrossing(context.Background(), false)
	if !errors.Is(err, ErrTimeoutExceeded) {
		t.Fatalf("err = %v, want ErrTimeoutExceeded", err)
	}
	if n := len(rg.left.speeds); n != 5 {
		t.Errorf("ticks = %d, want 5", n)
	}
	if rg.left.stops != 1 || rg.right.stops != 1 {
		t.Error("motors must be stopped on timeout")
	}
}

func TestContextCancelStopsMotors(t *testing.T) {
	rg := newRig([]int{80}, []int{80}, testParams())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := rg.lf.FollowUntilCrossing(ctx, false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if rg.left.stops != 1 || rg.right.stops != 1 {
		t.Error("motors must be stopped on cancel")
	}
}

func TestHardwareErrorsPropagate(t *testing.T) {
	t.Run("sensor", func(t *testing.T) {
		rg := newRig([]int{80}, []int{80}, testParams())
		unplugged := errors.New("sensor unplugged")
		rg.rSens.err = unplugged
		if err := rg.lf.FollowUntilCrossing(context.Background(), false); !errors.Is(err, unplugged) {
			t.Fatalf("err = %v, want wrapped sensor error", err)
		}
		if rg.left.stops != 1 {
			t.Error("motors must be stopped after a sensor fault")
		}
	})
	t.Run("motor", func(t *testing.T) {
		rg := newRig([]int{80}, []int{20}, testParams())
		fault := errors.New("overcurrent")
		rg.right.runErr = fault
		if err := rg.lf.FollowForDuration(context.Background(), 5*time.Millisecond, false); !errors.Is(err, fault) {
			t.Fatalf("err = %v, want wrapped motor error", err)
		}
	})
}

func TestWithBaseSpeed(t *testing.T) {
	rg := newRig([]int{40}, []int{40}, testParams())
	slow := rg.lf.WithBaseSpeed(SlowSpeed)

	if slow.Params().BaseSpeed != SlowSpeed {
		t.Errorf("copy base speed = %v, want %v", slow.Params().BaseSpeed, SlowSpeed)
	}
	if rg.lf.Params().BaseSpeed != 100 {
		t.Errorf("original base speed changed to %v", rg.lf.Params().BaseSpeed)
	}
	l, r, _ := slow.Tick(Forward)
	if l != SlowSpeed || r != SlowSpeed {
		t.Errorf("Tick = (%v, %v), want (%v, %v)", l, r, SlowSpeed, SlowSpeed)
	}
}

func TestNew_DefaultPeriod(t *testing.T) {
	lf := New(&fakeMotor{}, &fakeMotor{}, &fakeSensor{values: []int{0}}, &fakeSensor{values: []int{0}}, nil, Params{})
	if lf.Params().Period != DefaultPeriod {
		t.Errorf("Period = %v, want %v", lf.Params().Period, DefaultPeriod)
	}
	if d := DefaultParams(); d.BaseSpeed != 100 || d.Kp != 1 || d.LineThreshold != 15 {
		t.Errorf("DefaultParams = %+v", d)
	}
}
