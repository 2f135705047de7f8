package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	// Create a real configs/ directory so filepath.Abs resolves correctly.
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "default.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateConfigPath(path); err != nil {
		t.Errorf("expected valid path, got error: %v", err)
	}
}

func TestValidateConfigPath_PathTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"configs/../../../etc/shadow",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for traversal path %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_WrongExtension(t *testing.T) {
	cases := []string{
		"configs/default.json",
		"configs/default.yml",
		"configs/default.ini",
		"configs/default.txt",
		"configs/default",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for extension in %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_NotInConfigsDir(t *testing.T) {
	cases := []string{
		"other/default.yaml",
		"default.yaml",
		"/tmp/default.yaml",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for path outside configs/ %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_TOML(t *testing.T) {
	if err := ValidateConfigPath(filepath.Join("configs", "robot.toml")); err != nil {
		t.Errorf("expected .toml to be accepted, got %v", err)
	}
}

func TestValidateConfigPath_EmptyPath(t *testing.T) {
	if err := ValidateConfigPath(""); err == nil {
		t.Error("expected error for empty path, got nil")
	}
}

func TestValidateConfigPath_VeryLongPath(t *testing.T) {
	long := "configs/" + strings.Repeat("a", 1000) + ".yaml"
	// Should not panic; error or success is OS-dependent, but must not crash.
	_ = ValidateConfigPath(long)
}

func TestValidateConfigPath_SpecialChars(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		wantErr bool
	}{
		{"con fig.yaml", false},
		{"café.yaml", false},
	}
	for _, tc := range cases {
		path := filepath.Join(cfgDir, tc.name)
		err := ValidateConfigPath(path)
		if tc.wantErr && err == nil {
			t.Errorf("expected error for %q, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("unexpected error for %q: %v", tc.name, err)
		}
	}
}

func TestValidateConfigPath_DoubleTraversal(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Try to escape via ../../configs/ok.yaml; filepath.Clean resolves this
	// and the parent must still be "configs".
	path := filepath.Join(cfgDir, "../../configs/ok.yaml")
	err := ValidateConfigPath(path)
	// After Clean the parent may or may not be "configs" depending on resolution.
	// The important thing is it either succeeds with a valid parent or fails.
	_ = err
}


// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given content and returns the path.
func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
defaults:
  debug_level: 2
  hardware: rpio
drive:
  wheel_diameter_mm: 56
  axle_track_mm: 120
  left:
    forward_pin: 5
    reverse_pin: 6
    pwm_pin: 12
    encoder_a_pin: 17
    encoder_b_pin: 27
    counts_per_rev: 1440
  right:
    forward_pin: 20
    reverse_pin: 21
    pwm_pin: 13
    encoder_a_pin: 22
    encoder_b_pin: 23
    counts_per_rev: 1440
    inverted: true
sensors:
  left:
    pin: 24
  right:
    pin: 25
line_follower:
  base_speed: 120
  kp: 1.5
  line_threshold: 20
  period_ms: 25
grippers:
  - name: claw
    closed_angle: -75
    motor:
      forward_pin: 8
      reverse_pin: 7
      pwm_pin: 18
      encoder_a_pin: 9
      encoder_b_pin: 10
      counts_per_rev: 720
buzzer:
  pin: 26
mission:
  calibration_mode: before
  steps:
    - step: straight_until_line
    - step: follow_for_duration
      duration_ms: 1500
      speed_preset: slow
    - step: grab
      gripper: claw
`

func TestLoad_ValidFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "robot.yaml", validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Defaults.Hardware != HardwareRPIO {
		t.Errorf("hardware = %q, want rpio", cfg.Defaults.Hardware)
	}
	if cfg.Drive.WheelDiameterMm != 56 || cfg.Drive.AxleTrackMm != 120 {
		t.Errorf("drive geometry = %v/%v, want 56/120", cfg.Drive.WheelDiameterMm, cfg.Drive.AxleTrackMm)
	}
	if !cfg.Drive.Right.Inverted || cfg.Drive.Left.CountsPerRev != 1440 {
		t.Errorf("drive motors = %+v / %+v", cfg.Drive.Left, cfg.Drive.Right)
	}
	if cfg.LineFollower.Kp != 1.5 || cfg.Period() != 25*time.Millisecond {
		t.Errorf("line follower = %+v", cfg.LineFollower)
	}
	g, ok := cfg.Gripper("claw")
	if !ok {
		t.Fatal("gripper claw missing")
	}
	if g.ClosedAngle != -75 || g.Speed != 500 || g.CalibrationSpeed != 500 {
		t.Errorf("gripper = %+v", g)
	}
	if len(cfg.Mission.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(cfg.Mission.Steps))
	}
	if s := cfg.Mission.Steps[1]; s.Duration() != 1500*time.Millisecond || s.SpeedPreset != "slow" {
		t.Errorf("step 2 = %+v", s)
	}
	if cfg.Mission.CalibrationMode != "before" {
		t.Errorf("calibration_mode = %q, want before", cfg.Mission.CalibrationMode)
	}
}

const validTOML = `
[defaults]
hardware = "sim"

[line_follower]
base_speed = 80.0
kp = 0.5

[[grippers]]
name = "left"

[[grippers]]
name = "right"
closed_angle = -60

[[mission.steps]]
step = "follow_until_crossing"

[[mission.steps]]
step = "turn"
degrees = 180.0

[[sim.lines]]
from = { x = 0.0, y = 0.0 }
to = { x = 1000.0, y = 0.0 }
`

func TestLoad_TOML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "robot.toml", validTOML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Defaults.Hardware != HardwareSim {
		t.Errorf("hardware = %q, want sim", cfg.Defaults.Hardware)
	}
	if cfg.LineFollower.BaseSpeed != 80 || cfg.LineFollower.Kp != 0.5 {
		t.Errorf("line follower = %+v", cfg.LineFollower)
	}
	if len(cfg.Grippers) != 2 || cfg.Grippers[1].ClosedAngle != -60 || cfg.Grippers[0].ClosedAngle != -90 {
		t.Errorf("grippers = %+v", cfg.Grippers)
	}
	if len(cfg.Mission.Steps) != 2 || cfg.Mission.Steps[1].Degrees != 180 {
		t.Errorf("steps = %+v", cfg.Mission.Steps)
	}
	if len(cfg.Sim.Lines) != 1 || cfg.Sim.Lines[0].To.X != 1000 {
		t.Errorf("sim lines = %+v", cfg.Sim.Lines)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, "test.yaml", "grippers:\n  - name: claw\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Defaults.Hardware != HardwareMock {
		t.Errorf("hardware default = %q, want mock", cfg.Defaults.Hardware)
	}
	if cfg.Drive.WheelDiameterMm != 62.4 || cfg.Drive.AxleTrackMm != 211 {
		t.Errorf("drive defaults = %v/%v, want 62.4/211", cfg.Drive.WheelDiameterMm, cfg.Drive.AxleTrackMm)
	}
	lf := cfg.LineFollower
	if lf.BaseSpeed != 100 || lf.Kp != 1.0 || lf.LineThreshold != 15 || lf.PeriodMs != 30 || lf.MaxTicks != 0 {
		t.Errorf("line follower defaults = %+v", lf)
	}
	if cfg.Sensors.Left.ChargeTime() != 10*time.Microsecond || cfg.Sensors.Right.Timeout() != 2500*time.Microsecond {
		t.Errorf("sensor defaults = %+v", cfg.Sensors)
	}
	if g := cfg.Grippers[0]; g.ClosedAngle != -90 || g.Speed != 500 {
		t.Errorf("gripper defaults = %+v", g)
	}
	if cfg.BuzzerDuration() != 100*time.Millisecond {
		t.Errorf("buzzer duration = %v, want 100ms", cfg.BuzzerDuration())
	}
	if cfg.Mission.CalibrationMode != "concurrent" {
		t.Errorf("calibration_mode default = %q", cfg.Mission.CalibrationMode)
	}
	if len(cfg.Mission.Steps) != len(DefaultMission()) {
		t.Errorf("default mission has %d steps, want %d", len(cfg.Mission.Steps), len(DefaultMission()))
	}
	if cfg.Drive.Left.MaxSpeed != 1000 {
		t.Errorf("motor max_speed default = %v, want 1000", cfg.Drive.Left.MaxSpeed)
	}
}

func TestDefaultMission(t *testing.T) {
	steps := DefaultMission()
	want := []string{"beep", "straight_until_line", "turn", "follow_until_crossing", "turn", "follow_for_angle"}
	for i, s := range steps {
		if s.Step != want[i] {
			t.Errorf("step %d = %q, want %q", i, s.Step, want[i])
		}
	}
	if last := steps[len(steps)-1]; last.Degrees != 360 || !last.Backwards {
		t.Errorf("last step = %+v, want 360 deg backwards", last)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"hardware", "defaults:\n  hardware: arduino\n"},
		{"debug level", "defaults:\n  debug_level: 9\n"},
		{"wheel", "drive:\n  wheel_diameter_mm: -3\n"},
		{"kp nan", "line_follower:\n  kp: .nan\n"},
		{"base speed inf", "line_follower:\n  base_speed: .inf\n"},
		{"negative period", "line_follower:\n  period_ms: -1\n"},
		{"gripper without name", "grippers:\n  - closed_angle: -90\n"},
		{"duplicate gripper", "grippers:\n  - name: a\n  - name: a\n"},
		{"calibration mode", "mission:\n  calibration_mode: sometimes\n"},
		{"empty step", "mission:\n  steps:\n    - degrees: 90\n"},
		{"speed preset", "mission:\n  steps:\n    - step: follow_until_crossing\n      speed_preset: ludicrous\n"},
		{"sim levels", "sim:\n  dark: 70\n  bright: 20\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, "bad.yaml", tc.yaml)); err == nil {
				t.Errorf("expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	data := make([]byte, MaxConfigFileBytes+1)
	for i := range data {
		data[i] = '#'
	}
	if _, err := Load(writeConfig(t, "big.yaml", string(data))); err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "test.yaml", "{{{{invalid yaml!!!!")); err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	if _, err := Load(writeConfig(t, "test.toml", "[defaults\nhardware = ")); err == nil {
		t.Error("expected error for invalid TOML, got nil")
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "test.yaml", ""))
	if err != nil {
		t.Fatalf("empty config should load with defaults, got %v", err)
	}
	if len(cfg.Grippers) != 0 {
		t.Errorf("grippers = %v, want none", cfg.Grippers)
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	content := "unknown_section:\n  foo: bar\n"
	if _, err := Load(writeConfig(t, "test.yaml", content)); err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(filepath.Join(cfgDir, "nonexistent.yaml")); err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestLoad_ShippedConfigs(t *testing.T) {
	for _, name := range []string{"default.yaml", "sim.yaml"} {
		path := filepath.Join("..", "..", "configs", name)
		cfg, err := Load(path)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if len(cfg.Mission.Steps) == 0 {
			t.Errorf("%s: no mission steps", name)
		}
	}
}

// ---------- Helper methods ----------

func TestConfig_Durations(t *testing.T) {
	cfg := &Config{
		LineFollower: LineFollowerConfig{PeriodMs: 30},
		Buzzer:       BuzzerConfig{DurationMs: 250},
	}
	if got := cfg.Period(); got != 30*time.Millisecond {
		t.Errorf("Period() = %v, want 30ms", got)
	}
	if got := cfg.BuzzerDuration(); got != 250*time.Millisecond {
		t.Errorf("BuzzerDuration() = %v, want 250ms", got)
	}
	s := StepConfig{DurationMs: 1200}
	if got := s.Duration(); got != 1200*time.Millisecond {
		t.Errorf("Duration() = %v, want 1.2s", got)
	}
	r := ReflectanceConfig{ChargeTimeUs: 12, TimeoutUs: 3000}
	if r.ChargeTime() != 12*time.Microsecond || r.Timeout() != 3*time.Millisecond {
		t.Errorf("sensor durations = %v/%v", r.ChargeTime(), r.Timeout())
	}
}

func TestConfig_GripperLookup(t *testing.T) {
	cfg := &Config{Grippers: []GripperConfig{{Name: "a"}, {Name: "b", ClosedAngle: -45}}}
	if g, ok := cfg.Gripper("b"); !ok || g.ClosedAngle != -45 {
		t.Errorf("Gripper(b) = %+v, %v", g, ok)
	}
	if _, ok := cfg.Gripper("z"); ok {
		t.Error("Gripper(z) should not be found")
	}
}

// formatFloat is a test helper for embedding floats into YAML strings.
func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}

func TestLoad_NegativeTurnSpeed(t *testing.T) {
	content := "drive:\n  turn_speed: " + formatFloat(-12.5) + "\n"
	if _, err := Load(writeConfig(t, "test.yaml", content)); err == nil {
		t.Error("expected error for negative turn_speed, got nil")
	}
}
