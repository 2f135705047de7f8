package main

import (
	"context"
	"fmt"

	"github.com/cjeanneret/LineGo/internal/config"
	"github.com/cjeanneret/LineGo/internal/debug"
	"github.com/cjeanneret/LineGo/internal/hw/buzzer"
	"github.com/cjeanneret/LineGo/internal/hw/gpio"
	"github.com/cjeanneret/LineGo/internal/hw/motor"
	"github.com/cjeanneret/LineGo/internal/hw/reflectance"
	"github.com/cjeanneret/LineGo/internal/hw/sim"
	"github.com/cjeanneret/LineGo/internal/logic/drivebase"
	"github.com/cjeanneret/LineGo/internal/logic/geometry"
	"github.com/cjeanneret/LineGo/internal/logic/gripper"
	"github.com/cjeanneret/LineGo/internal/logic/linefollow"
	"github.com/cjeanneret/LineGo/internal/logic/mission"
	"go.uber.org/multierr"
)

// hardware holds the devices of one backend. They live for the whole process;
// controllers are rebuilt on top of them for every mission run.
type hardware struct {
	left, right             motor.Motor
	leftSensor, rightSensor linefollow.Sensor
	grippers                map[string]motor.Motor
	beeper                  *buzzer.GPIO // nil when no buzzer is wired
	world                   *sim.World   // sim backend only

	closers []func() error
}

// newHardware opens the backend selected by defaults.hardware.
func newHardware(cfg *config.Config) (*hardware, error) {
	hw := &hardware{grippers: make(map[string]motor.Motor)}

	debug.Value("Hardware", cfg.Defaults.Hardware)
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.Hardware != config.HardwareRPIO)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}
	hw.closers = append(hw.closers, gpioDriver.Close)

	switch cfg.Defaults.Hardware {
	case config.HardwareSim:
		hw.openSim(cfg)
	default:
		if err := hw.openGPIO(gpioDriver, cfg); err != nil {
			hw.Close()
			return nil, err
		}
	}

	if cfg.Buzzer.Pin != 0 {
		beeper, err := buzzer.NewGPIO(gpioDriver, cfg.Buzzer.Pin, cfg.BuzzerDuration())
		if err != nil {
			hw.Close()
			return nil, err
		}
		hw.beeper = beeper
		debug.Value("Buzzer pin", cfg.Buzzer.Pin)
	}
	return hw, nil
}

func (hw *hardware) openGPIO(g gpio.Driver, cfg *config.Config) error {
	dc := func(name string, mc config.MotorConfig) (*motor.DC, error) {
		m, err := motor.NewDC(g, dcConfig(name, mc))
		if err != nil {
			return nil, err
		}
		hw.closers = append(hw.closers, m.Close)
		debug.PrintStruct("Motor "+name, mc)
		return m, nil
	}

	left, err := dc("left", cfg.Drive.Left)
	if err != nil {
		return err
	}
	right, err := dc("right", cfg.Drive.Right)
	if err != nil {
		return err
	}
	hw.left, hw.right = left, right

	for _, gc := range cfg.Grippers {
		m, err := dc(gc.Name, gc.Motor)
		if err != nil {
			return err
		}
		hw.grippers[gc.Name] = m
	}

	hw.leftSensor = reflectance.NewRC(g, reflectanceConfig("left", cfg.Sensors.Left))
	hw.rightSensor = reflectance.NewRC(g, reflectanceConfig("right", cfg.Sensors.Right))
	debug.PrintStruct("Sensors", cfg.Sensors)
	return nil
}

func (hw *hardware) openSim(cfg *config.Config) {
	left := sim.NewMotor(sim.MotorConfig{Name: "left", MaxSpeed: cfg.Drive.Left.MaxSpeed})
	right := sim.NewMotor(sim.MotorConfig{Name: "right", MaxSpeed: cfg.Drive.Right.MaxSpeed})
	hw.left, hw.right = left, right

	for _, gc := range cfg.Grippers {
		hw.grippers[gc.Name] = sim.NewMotor(sim.MotorConfig{
			Name:     gc.Name,
			MaxSpeed: gc.Motor.MaxSpeed,
			Limited:  true,
			MinAngle: gc.Motor.SimMinAngle,
			MaxAngle: gc.Motor.SimMaxAngle,
		})
	}

	hw.world = sim.NewWorld(worldConfig(cfg), left, right)
	hw.leftSensor = hw.world.Sensor(sim.Left)
	hw.rightSensor = hw.world.Sensor(sim.Right)
	debug.PrintStruct("Track", cfg.Sim)
}

// Close stops every motor and releases the backend. Errors are combined.
func (hw *hardware) Close() error {
	var err error
	for _, m := range hw.motors() {
		err = multierr.Append(err, m.Stop())
	}
	if hw.beeper != nil {
		hw.beeper.Wait()
	}
	for i := len(hw.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, hw.closers[i]())
	}
	hw.closers = nil
	return err
}

func (hw *hardware) motors() []motor.Motor {
	var ms []motor.Motor
	for _, m := range []motor.Motor{hw.left, hw.right} {
		if m != nil {
			ms = append(ms, m)
		}
	}
	for _, m := range hw.grippers {
		ms = append(ms, m)
	}
	return ms
}

func dcConfig(name string, mc config.MotorConfig) motor.Config {
	return motor.Config{
		Name:         name,
		ForwardPin:   mc.ForwardPin,
		ReversePin:   mc.ReversePin,
		PWMPin:       mc.PWMPin,
		EncoderAPin:  mc.EncoderAPin,
		EncoderBPin:  mc.EncoderBPin,
		CountsPerRev: mc.CountsPerRev,
		MaxSpeed:     mc.MaxSpeed,
		PWMFreqHz:    mc.PWMFreqHz,
		Inverted:     mc.Inverted,
	}
}

func reflectanceConfig(name string, rc config.ReflectanceConfig) reflectance.Config {
	return reflectance.Config{
		Name:       name,
		Pin:        rc.Pin,
		ChargeTime: rc.ChargeTime(),
		Timeout:    rc.Timeout(),
	}
}

func worldConfig(cfg *config.Config) sim.WorldConfig {
	lines := make([]sim.Line, 0, len(cfg.Sim.Lines))
	for _, l := range cfg.Sim.Lines {
		lines = append(lines, sim.Line{
			From: sim.Point{X: l.From.X, Y: l.From.Y},
			To:   sim.Point{X: l.To.X, Y: l.To.Y},
		})
	}
	return sim.WorldConfig{
		Lines:         lines,
		LineWidth:     cfg.Sim.LineWidthMm,
		EdgeWidth:     cfg.Sim.EdgeWidthMm,
		Start:         sim.Pose{X: cfg.Sim.StartX, Y: cfg.Sim.StartY, Heading: cfg.Sim.StartHeadingDeg},
		Wheels:        wheels(cfg),
		SensorForward: cfg.Sim.SensorForwardMm,
		SensorSpacing: cfg.Sim.SensorSpacingMm,
		Dark:          cfg.Sim.Dark,
		Bright:        cfg.Sim.Bright,
	}
}

func wheels(cfg *config.Config) geometry.Wheels {
	return geometry.Wheels{DiameterMm: cfg.Drive.WheelDiameterMm, AxleTrackMm: cfg.Drive.AxleTrackMm}
}

// actuator applies the gripper's own calibration speed when the mission
// passes none.
type actuator struct {
	*gripper.Actuator
	calibrationSpeed float64
}

func (a actuator) Calibrate(ctx context.Context, speed float64) error {
	if speed == 0 {
		speed = a.calibrationSpeed
	}
	return a.Actuator.Calibrate(ctx, speed)
}

// newMission builds fresh controllers on hw and binds the configured mission to them.
func newMission(cfg *config.Config, hw *hardware) (*mission.Mission, error) {
	base := drivebase.New(hw.left, hw.right, drivebase.Config{
		Wheels:    wheels(cfg),
		TurnSpeed: cfg.Drive.TurnSpeed,
	})
	follower := linefollow.New(hw.left, hw.right, hw.leftSensor, hw.rightSensor, base, linefollow.Params{
		BaseSpeed:     cfg.LineFollower.BaseSpeed,
		Kp:            cfg.LineFollower.Kp,
		LineThreshold: cfg.LineFollower.LineThreshold,
		Period:        cfg.Period(),
		MaxTicks:      cfg.LineFollower.MaxTicks,
	})

	robot := mission.Robot{
		Follower: func(speed float64) mission.Follower {
			if speed == 0 {
				return follower
			}
			return follower.WithBaseSpeed(speed)
		},
		Drive:         base,
		Grippers:      make(map[string]mission.Gripper),
		DriveMotors:   []any{hw.left, hw.right},
		GripperMotors: make(map[string]any),
	}
	if hw.beeper != nil {
		robot.Beeper = hw.beeper
	}
	for _, gc := range cfg.Grippers {
		m := hw.grippers[gc.Name]
		robot.Grippers[gc.Name] = actuator{
			Actuator: gripper.New(m, gripper.Options{
				Name:        gc.Name,
				ClosedAngle: gc.ClosedAngle,
				Speed:       gc.Speed,
				Strict:      gc.Strict,
			}),
			calibrationSpeed: gc.CalibrationSpeed,
		}
		robot.GripperMotors[gc.Name] = m
	}

	var calibrate []string
	if len(cfg.Mission.Calibrate) > 0 {
		calibrate = cfg.Mission.Calibrate
	}
	return mission.New(robot, mission.Config{
		Steps:     missionSteps(cfg.Mission.Steps),
		Calibrate: calibrate,
		Mode:      mission.CalibrationMode(cfg.Mission.CalibrationMode),
	})
}

// missionSteps converts config steps. A speed preset applies when no
// explicit speed is given.
func missionSteps(steps []config.StepConfig) []mission.Step {
	out := make([]mission.Step, 0, len(steps))
	for _, s := range steps {
		speed := s.Speed
		if speed == 0 {
			switch s.SpeedPreset {
			case "slow":
				speed = linefollow.SlowSpeed
			case "fast":
				speed = linefollow.FastSpeed
			}
		}
		out = append(out, mission.Step{
			Kind:      mission.Kind(s.Step),
			Backwards: s.Backwards,
			Duration:  s.Duration(),
			Degrees:   s.Degrees,
			Distance:  s.DistanceMm,
			Speed:     speed,
			Gripper:   s.Gripper,
		})
	}
	return out
}
