package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// Hardware backends.
const (
	HardwareRPIO = "rpio" // real Raspberry Pi GPIO
	HardwareMock = "mock" // mock GPIO, logs only
	HardwareSim  = "sim"  // simulated robot on a line track
)

// MotorConfig holds the wiring of a DC motor behind an H-bridge with a
// quadrature encoder.
type MotorConfig struct {
	ForwardPin   int     `yaml:"forward_pin" toml:"forward_pin"`
	ReversePin   int     `yaml:"reverse_pin" toml:"reverse_pin"`
	PWMPin       int     `yaml:"pwm_pin" toml:"pwm_pin"`
	EncoderAPin  int     `yaml:"encoder_a_pin" toml:"encoder_a_pin"`
	EncoderBPin  int     `yaml:"encoder_b_pin" toml:"encoder_b_pin"`
	CountsPerRev int     `yaml:"counts_per_rev" toml:"counts_per_rev"` // encoder counts per output shaft turn
	MaxSpeed     float64 `yaml:"max_speed" toml:"max_speed"`           // deg/s at full duty
	PWMFreqHz    int     `yaml:"pwm_freq_hz" toml:"pwm_freq_hz"`
	Inverted     bool    `yaml:"inverted" toml:"inverted"`

	// Mechanical stops of the simulated motor (degrees from power-on).
	SimMinAngle float64 `yaml:"sim_min_angle" toml:"sim_min_angle"`
	SimMaxAngle float64 `yaml:"sim_max_angle" toml:"sim_max_angle"`
}

// DriveConfig describes the differential drive.
type DriveConfig struct {
	Left            MotorConfig `yaml:"left" toml:"left"`
	Right           MotorConfig `yaml:"right" toml:"right"`
	WheelDiameterMm float64     `yaml:"wheel_diameter_mm" toml:"wheel_diameter_mm"`
	AxleTrackMm     float64     `yaml:"axle_track_mm" toml:"axle_track_mm"`
	TurnSpeed       float64     `yaml:"turn_speed" toml:"turn_speed"` // deg/s at the wheel
}

// ReflectanceConfig is one RC reflectance sensor.
type ReflectanceConfig struct {
	Pin          int `yaml:"pin" toml:"pin"`
	ChargeTimeUs int `yaml:"charge_time_us" toml:"charge_time_us"`
	TimeoutUs    int `yaml:"timeout_us" toml:"timeout_us"` // decay time read as reflection 0
}

// SensorsConfig holds both line sensors.
type SensorsConfig struct {
	Left  ReflectanceConfig `yaml:"left" toml:"left"`
	Right ReflectanceConfig `yaml:"right" toml:"right"`
}

// LineFollowerConfig holds the controller tuning.
type LineFollowerConfig struct {
	BaseSpeed     float64 `yaml:"base_speed" toml:"base_speed"`         // deg/s
	Kp            float64 `yaml:"kp" toml:"kp"`                         // proportional gain
	LineThreshold int     `yaml:"line_threshold" toml:"line_threshold"` // both below = crossing
	PeriodMs      int     `yaml:"period_ms" toml:"period_ms"`
	MaxTicks      int     `yaml:"max_ticks" toml:"max_ticks"` // 0 = unbounded
}

// GripperConfig is one gripper actuator.
type GripperConfig struct {
	Name             string      `yaml:"name" toml:"name"`
	Motor            MotorConfig `yaml:"motor" toml:"motor"`
	ClosedAngle      int         `yaml:"closed_angle" toml:"closed_angle"`
	Speed            float64     `yaml:"speed" toml:"speed"`
	CalibrationSpeed float64     `yaml:"calibration_speed" toml:"calibration_speed"`
	Strict           bool        `yaml:"strict" toml:"strict"` // reject moves before calibration
}

// BuzzerConfig is the feedback buzzer. Pin 0 disables it.
type BuzzerConfig struct {
	Pin        int `yaml:"pin" toml:"pin"`
	DurationMs int `yaml:"duration_ms" toml:"duration_ms"`
}

// StepConfig is one mission step as written in the config file.
type StepConfig struct {
	Step        string  `yaml:"step" toml:"step"`
	Backwards   bool    `yaml:"backwards,omitempty" toml:"backwards"`
	DurationMs  int     `yaml:"duration_ms,omitempty" toml:"duration_ms"`
	Degrees     float64 `yaml:"degrees,omitempty" toml:"degrees"`
	DistanceMm  float64 `yaml:"distance_mm,omitempty" toml:"distance_mm"`
	Speed       float64 `yaml:"speed,omitempty" toml:"speed"`
	SpeedPreset string  `yaml:"speed_preset,omitempty" toml:"speed_preset"` // "slow" or "fast"
	Gripper     string  `yaml:"gripper,omitempty" toml:"gripper"`
}

// MissionConfig describes the mission.
type MissionConfig struct {
	CalibrationMode string       `yaml:"calibration_mode" toml:"calibration_mode"` // concurrent | before
	Calibrate       []string     `yaml:"calibrate" toml:"calibrate"`               // empty = all grippers
	Steps           []StepConfig `yaml:"steps" toml:"steps"`
}

// PointConfig is a floor position in mm.
type PointConfig struct {
	X float64 `yaml:"x" toml:"x"`
	Y float64 `yaml:"y" toml:"y"`
}

// LineConfig is a straight piece of tape on the simulated floor.
type LineConfig struct {
	From PointConfig `yaml:"from" toml:"from"`
	To   PointConfig `yaml:"to" toml:"to"`
}

// SimConfig describes the simulated track.
type SimConfig struct {
	Lines           []LineConfig `yaml:"lines" toml:"lines"`
	LineWidthMm     float64      `yaml:"line_width_mm" toml:"line_width_mm"`
	EdgeWidthMm     float64      `yaml:"edge_width_mm" toml:"edge_width_mm"`
	StartX          float64      `yaml:"start_x" toml:"start_x"`
	StartY          float64      `yaml:"start_y" toml:"start_y"`
	StartHeadingDeg float64      `yaml:"start_heading_deg" toml:"start_heading_deg"`
	SensorForwardMm float64      `yaml:"sensor_forward_mm" toml:"sensor_forward_mm"`
	SensorSpacingMm float64      `yaml:"sensor_spacing_mm" toml:"sensor_spacing_mm"`
	Dark            int          `yaml:"dark" toml:"dark"`
	Bright          int          `yaml:"bright" toml:"bright"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int    `yaml:"debug_level" toml:"debug_level"` // 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	Hardware   string `yaml:"hardware" toml:"hardware"`       // rpio | mock | sim
}

// Config aggregates all application configuration.
type Config struct {
	Defaults     DefaultsConfig     `yaml:"defaults" toml:"defaults"`
	Drive        DriveConfig        `yaml:"drive" toml:"drive"`
	Sensors      SensorsConfig      `yaml:"sensors" toml:"sensors"`
	LineFollower LineFollowerConfig `yaml:"line_follower" toml:"line_follower"`
	Grippers     []GripperConfig    `yaml:"grippers" toml:"grippers"`
	Buzzer       BuzzerConfig       `yaml:"buzzer" toml:"buzzer"`
	Mission      MissionConfig      `yaml:"mission" toml:"mission"`
	Sim          SimConfig          `yaml:"sim" toml:"sim"`
}

// DefaultMission is the mission run when the config has no steps: beep, reach
// the line, turn right, follow to the crossing, turn left, back up one wheel turn.
func DefaultMission() []StepConfig {
	return []StepConfig{
		{Step: "beep"},
		{Step: "straight_until_line"},
		{Step: "turn", Degrees: 90},
		{Step: "follow_until_crossing"},
		{Step: "turn", Degrees: -90},
		{Step: "follow_for_angle", Degrees: 360, Backwards: true},
	}
}

// ValidateConfigPath checks that path names a .yaml or .toml file directly
// inside a directory called "configs".
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("config path %q escapes the working directory", path)
	}
	switch strings.ToLower(filepath.Ext(clean)) {
	case ".yaml", ".toml":
	default:
		return fmt.Errorf("config path %q: extension must be .yaml or .toml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML or TOML file (by extension), applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Defaults.Hardware == "" {
		c.Defaults.Hardware = HardwareMock
	}

	if c.Drive.WheelDiameterMm == 0 {
		c.Drive.WheelDiameterMm = 62.4
	}
	if c.Drive.AxleTrackMm == 0 {
		c.Drive.AxleTrackMm = 211
	}
	if c.Drive.TurnSpeed == 0 {
		c.Drive.TurnSpeed = 200
	}
	motorDefaults(&c.Drive.Left)
	motorDefaults(&c.Drive.Right)

	for _, s := range []*ReflectanceConfig{&c.Sensors.Left, &c.Sensors.Right} {
		if s.ChargeTimeUs == 0 {
			s.ChargeTimeUs = 10
		}
		if s.TimeoutUs == 0 {
			s.TimeoutUs = 2500
		}
	}

	if c.LineFollower.BaseSpeed == 0 {
		c.LineFollower.BaseSpeed = 100
	}
	if c.LineFollower.Kp == 0 {
		c.LineFollower.Kp = 1.0
	}
	if c.LineFollower.LineThreshold == 0 {
		c.LineFollower.LineThreshold = 15
	}
	if c.LineFollower.PeriodMs == 0 {
		c.LineFollower.PeriodMs = 30
	}

	for i := range c.Grippers {
		g := &c.Grippers[i]
		if g.ClosedAngle == 0 {
			g.ClosedAngle = -90
		}
		if g.Speed == 0 {
			g.Speed = 500
		}
		if g.CalibrationSpeed == 0 {
			g.CalibrationSpeed = g.Speed
		}
		motorDefaults(&g.Motor)
		if g.Motor.SimMinAngle == 0 && g.Motor.SimMaxAngle == 0 {
			g.Motor.SimMinAngle, g.Motor.SimMaxAngle = -150, 30
		}
	}

	if c.Buzzer.DurationMs == 0 {
		c.Buzzer.DurationMs = 100
	}

	if c.Mission.CalibrationMode == "" {
		c.Mission.CalibrationMode = "concurrent"
	}
	if len(c.Mission.Steps) == 0 {
		c.Mission.Steps = DefaultMission()
	}

	if c.Sim.LineWidthMm == 0 {
		c.Sim.LineWidthMm = 19
	}
	if c.Sim.EdgeWidthMm == 0 {
		c.Sim.EdgeWidthMm = 8
	}
	if c.Sim.SensorForwardMm == 0 {
		c.Sim.SensorForwardMm = 20
	}
	if c.Sim.SensorSpacingMm == 0 {
		c.Sim.SensorSpacingMm = 30
	}
	if c.Sim.Dark == 0 && c.Sim.Bright == 0 {
		c.Sim.Dark, c.Sim.Bright = 5, 60
	}
}

func motorDefaults(m *MotorConfig) {
	if m.CountsPerRev == 0 {
		m.CountsPerRev = 360
	}
	if m.MaxSpeed == 0 {
		m.MaxSpeed = 1000
	}
	if m.PWMFreqHz == 0 {
		m.PWMFreqHz = 20000
	}
}

// Validate checks ranges after defaults were applied.
func (c *Config) Validate() error {
	switch c.Defaults.Hardware {
	case HardwareRPIO, HardwareMock, HardwareSim:
	default:
		return fmt.Errorf("defaults.hardware must be rpio, mock or sim, got %q", c.Defaults.Hardware)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}

	if c.Drive.WheelDiameterMm <= 0 || c.Drive.AxleTrackMm <= 0 {
		return errors.New("drive.wheel_diameter_mm and drive.axle_track_mm must be > 0")
	}
	if c.Drive.TurnSpeed < 0 {
		return fmt.Errorf("drive.turn_speed must be > 0, got %g", c.Drive.TurnSpeed)
	}

	lf := c.LineFollower
	for name, v := range map[string]float64{"base_speed": lf.BaseSpeed, "kp": lf.Kp} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("line_follower.%s must be finite", name)
		}
	}
	if lf.PeriodMs < 0 || lf.MaxTicks < 0 {
		return errors.New("line_follower.period_ms and line_follower.max_ticks must be >= 0")
	}

	names := make(map[string]bool)
	for i, g := range c.Grippers {
		if g.Name == "" {
			return fmt.Errorf("grippers[%d].name is required", i)
		}
		if names[g.Name] {
			return fmt.Errorf("grippers: duplicate name %q", g.Name)
		}
		names[g.Name] = true
		if g.Speed < 0 || g.CalibrationSpeed < 0 {
			return fmt.Errorf("gripper %s: speeds must be > 0", g.Name)
		}
		if g.Motor.SimMinAngle >= g.Motor.SimMaxAngle {
			return fmt.Errorf("gripper %s: sim_min_angle must be below sim_max_angle", g.Name)
		}
	}

	switch c.Mission.CalibrationMode {
	case "concurrent", "before":
	default:
		return fmt.Errorf("mission.calibration_mode must be concurrent or before, got %q", c.Mission.CalibrationMode)
	}
	for i, s := range c.Mission.Steps {
		if s.Step == "" {
			return fmt.Errorf("mission.steps[%d]: step is required", i)
		}
		switch s.SpeedPreset {
		case "", "slow", "fast":
		default:
			return fmt.Errorf("mission.steps[%d]: speed_preset must be slow or fast, got %q", i, s.SpeedPreset)
		}
	}

	if c.Sim.Dark >= c.Sim.Bright {
		return fmt.Errorf("sim.dark (%d) must be below sim.bright (%d)", c.Sim.Dark, c.Sim.Bright)
	}
	return nil
}

// Period returns the line follower control period.
func (c *Config) Period() time.Duration {
	return time.Duration(c.LineFollower.PeriodMs) * time.Millisecond
}

// BuzzerDuration returns how long one beep lasts.
func (c *Config) BuzzerDuration() time.Duration {
	return time.Duration(c.Buzzer.DurationMs) * time.Millisecond
}

// ChargeTime returns the sensor capacitor charge time.
func (r ReflectanceConfig) ChargeTime() time.Duration {
	return time.Duration(r.ChargeTimeUs) * time.Microsecond
}

// Timeout returns the decay time read as reflection 0.
func (r ReflectanceConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutUs) * time.Microsecond
}

// Duration returns the step duration.
func (s StepConfig) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// Gripper returns the gripper with the given name.
func (c *Config) Gripper(name string) (GripperConfig, bool) {
	for _, g := range c.Grippers {
		if g.Name == name {
			return g, true
		}
	}
	return GripperConfig{}, false
}
