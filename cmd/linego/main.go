package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/LineGo/internal/config"
	"github.com/cjeanneret/LineGo/internal/debug"
	"github.com/cjeanneret/LineGo/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file (.yaml or .toml, inside configs/)")
	baseSpeed := flag.Float64("base_speed", 0, "override line follower base speed in deg/s (1-1000)")
	kp := flag.Float64("kp", 0, "override line follower proportional gain (0-20]")
	lineThreshold := flag.Float64("line_threshold", 0, "override crossing threshold (1-100)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (only non-zero values are applied; zero means "use config default")
	if err := validateCLIOverrides(*baseSpeed, *kp, *lineThreshold); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, web.Overrides{
		BaseSpeed:     *baseSpeed,
		Kp:            *kp,
		LineThreshold: *lineThreshold,
	})

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	debug.Step(1, "Opening hardware")
	hw, err := newHardware(cfg)
	if err != nil {
		log.Fatalf("init hardware failed: %v", err)
	}
	defer func() {
		if err := hw.Close(); err != nil {
			log.Printf("closing hardware failed: %v", err)
		}
	}()

	// Fail on a bad mission before anything moves.
	debug.Step(2, "Checking mission")
	m, err := newMission(cfg, hw)
	if err != nil {
		log.Fatalf("invalid mission: %v", err)
	}
	var steps []string
	for _, s := range m.Steps() {
		steps = append(steps, s.String())
	}
	debug.Value("Steps", len(steps))

	runMission := func(ctx context.Context, overrides web.Overrides) error {
		return executeMission(ctx, cfg, hw, overrides)
	}

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		formDefaults := web.FormConfig{
			BaseSpeed:     cfg.LineFollower.BaseSpeed,
			Kp:            cfg.LineFollower.Kp,
			LineThreshold: float64(cfg.LineFollower.LineThreshold),
			Steps:         steps,
		}
		srv := web.NewServer(webAddr, broadcaster, runMission, formDefaults)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	// Run the mission once with current config (already has CLI overrides applied)
	if err := runMission(ctx, web.Overrides{}); err != nil {
		log.Fatalf("mission failed: %v", err)
	}
}

// executeMission runs the configured mission with the given overrides.
// It applies overrides to a copy of the config and builds fresh controllers,
// so every run starts uncalibrated with its odometry at zero.
func executeMission(ctx context.Context, baseCfg *config.Config, hw *hardware, overrides web.Overrides) error {
	cfg := applyOverridesToCopy(baseCfg, overrides)

	debug.Section("Line follower")
	debug.Value("Base speed", cfg.LineFollower.BaseSpeed)
	debug.Value("Kp", cfg.LineFollower.Kp)
	debug.Value("Line threshold", cfg.LineFollower.LineThreshold)
	debug.Value("Period", cfg.Period())

	m, err := newMission(cfg, hw)
	if err != nil {
		return err
	}
	err = m.Run(ctx)
	if hw.world != nil && debug.IsEnabled(debug.LevelInfo) {
		p := hw.world.Pose()
		debug.Info("Final pose: x=%.0f y=%.0f heading=%.0f", p.X, p.Y, p.Heading)
	}
	return err
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(baseSpeed, kp, lineThreshold float64) error {
	checks := []struct {
		name  string
		v     float64
		limit float64
	}{
		{"base_speed", baseSpeed, 1000},
		{"kp", kp, 20},
		{"line_threshold", lineThreshold, 100},
	}
	for _, c := range checks {
		if c.v == 0 {
			continue
		}
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) || c.v <= 0 || c.v > c.limit {
			return fmt.Errorf("%s must be in (0, %g], got %g", c.name, c.limit, c.v)
		}
	}
	if lineThreshold != math.Trunc(lineThreshold) {
		return fmt.Errorf("line_threshold must be an integer, got %g", lineThreshold)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, overrides web.Overrides) {
	if overrides.BaseSpeed > 0 {
		cfg.LineFollower.BaseSpeed = overrides.BaseSpeed
	}
	if overrides.Kp > 0 {
		cfg.LineFollower.Kp = overrides.Kp
	}
	if overrides.LineThreshold > 0 {
		cfg.LineFollower.LineThreshold = int(overrides.LineThreshold)
	}
}

// applyOverridesToCopy returns a new config with overrides applied.
// Zero values in overrides mean "use base config".
func applyOverridesToCopy(baseCfg *config.Config, overrides web.Overrides) *config.Config {
	cfg := *baseCfg
	applyOverrides(&cfg, overrides)
	return &cfg
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
