package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Addr          string `toml:"addr"`
	DBPath        string `toml:"db_path"`
	WorkspaceRoot string `toml:"workspace_root"`

	Recovery  RecoveryConfig  `toml:"recovery"`
	Behavior  BehaviorConfig  `toml:"behavior"`
	Plan      PlanConfig      `toml:"plan"`
	Browser   BrowserConfig   `toml:"browser"`
	Selectors SelectorsConfig `toml:"selectors"`

	Raw  map[string]any `toml:"-"`
	Path string         `toml:"-"`
}

type RecoveryConfig struct {
	MaxL2Retries        int     `toml:"max_l2_retries"`
	L2BackoffBaseMS     int     `toml:"l2_backoff_base_ms"`
	L2BackoffMultiplier float64 `toml:"l2_backoff_multiplier"`
	L4ErrorThreshold    int     `toml:"l4_error_threshold"`
	L4RollingWindowMS   int     `toml:"l4_rolling_window_ms"`
	ReplyTimeoutMS      int     `toml:"reply_timeout_ms"`
	FrustrationMinMS    int     `toml:"frustration_min_ms"`
	FrustrationMaxMS    int     `toml:"frustration_max_ms"`
}

type BehaviorConfig struct {
	ThinkingDelayMu        float64 `toml:"thinking_delay_mu"`
	ThinkingDelaySigma     float64 `toml:"thinking_delay_sigma"`
	ThinkingDelayPerCharMS float64 `toml:"thinking_delay_per_char_ms"`
	BezierJitterFrac       float64 `toml:"bezier_jitter_frac"`
	BezierMinJitterPx      float64 `toml:"bezier_min_jitter_px"`
	PathStepsMin           int     `toml:"path_steps_min"`
	PathStepsMax           int     `toml:"path_steps_max"`
	IdleProbability        float64 `toml:"idle_probability"`
	TypoProbability        float64 `toml:"typo_probability"`
}

type PlanConfig struct {
	MaxTaskRejectionAttempts int `toml:"max_task_rejection_attempts"`
}

type BrowserConfig struct {
	UserDataDir string            `toml:"user_data_dir"`
	Headless    bool              `toml:"headless"`
	RoleURLs    map[string]string `toml:"role_urls"`
}

type SelectorsConfig struct {
	Input             string `toml:"input"`
	SendButton        string `toml:"send_button"`
	MessageAnchor     string `toml:"message_anchor"`
	ThinkingIndicator string `toml:"thinking_indicator"`
}

func Load(path string) (Config, error) {
	resolved := path
	usingDefault := false
	if resolved == "" {
		resolved = defaultConfigPath()
		usingDefault = true
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if usingDefault && os.IsNotExist(err) {
			return Config{Path: resolved}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentstation/config.toml"
	}
	return filepath.Join(home, ".agentstation", "config.toml")
}
