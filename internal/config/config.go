// Package config loads curator's configuration: defaults, an optional
// global user config, an optional project config, and CLI overrides, in
// that precedence order.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// Config holds the engine's tunable parameters (spec §4.9 ambient config
// section; fields mirror corpus.Config's fuzzer-facing knobs).
type Config struct {
	OutDir  string `json:"out_dir"`
	MapSize int    `json:"map_size"`
	K       int    `json:"k"`
	NCDAtom string `json:"ncd_atom"` // "testcase" or "trace_mini"

	HashfuzzMode bool `json:"hashfuzz_mode"`

	KeepUniqueHang  int `json:"keep_unique_hang"`
	KeepUniqueCrash int `json:"keep_unique_crash"`

	ExecTmoutMS int `json:"exec_tmout_ms"`
	HangTmoutMS int `json:"hang_tmout_ms"`
}

// DefaultConfig returns curator's built-in defaults.
func DefaultConfig() Config {
	return Config{
		OutDir:      "out",
		MapSize:     1 << 16,
		K:           4,
		NCDAtom:     "testcase",
		ExecTmoutMS: 1000,
		HangTmoutMS: 5000,
	}
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".curator.json"

var errOutDirEmpty = errors.New("config: out_dir must not be empty")

// Sources tracks which config files were loaded, for diagnostics.
type Sources struct {
	Global  string
	Project string
}

// LoadInput carries everything LoadConfig needs beyond defaults.
type LoadInput struct {
	WorkDir       string
	ConfigPath    string // explicit --config path; must exist if set
	OutDirOverride string
	Env           map[string]string
}

// LoadConfig loads configuration with the following precedence (highest
// wins): defaults, global user config ($XDG_CONFIG_HOME/curator/config.json
// or ~/.config/curator/config.json), project config (.curator.json or an
// explicit --config path), CLI overrides.
func LoadConfig(in LoadInput) (Config, Sources, error) {
	cfg := DefaultConfig()

	var sources Sources

	globalCfg, globalPath, err := loadGlobalConfig(in.Env)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(in.WorkDir, in.ConfigPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	if in.OutDirOverride != "" {
		cfg.OutDir = in.OutDirOverride
	}

	if cfg.OutDir == "" {
		return Config{}, Sources{}, errOutDirEmpty
	}

	return cfg, sources, nil
}

func getGlobalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "curator", "config.json")
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "curator", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "curator", "config.json")
}

func loadGlobalConfig(env map[string]string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var (
		path      string
		mustExist bool
	)

	if configPath != "" {
		path = configPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		mustExist = true

		if _, err := os.Stat(path); err != nil {
			return Config{}, "", fmt.Errorf("config: explicit config file not found: %s", configPath)
		}
	} else {
		path = filepath.Join(workDir, ConfigFileName)
	}

	cfg, loaded, err := loadConfigFile(path, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("config: invalid config at %s: %w", path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.OutDir != "" {
		base.OutDir = overlay.OutDir
	}

	if overlay.MapSize != 0 {
		base.MapSize = overlay.MapSize
	}

	if overlay.K != 0 {
		base.K = overlay.K
	}

	if overlay.NCDAtom != "" {
		base.NCDAtom = overlay.NCDAtom
	}

	if overlay.HashfuzzMode {
		base.HashfuzzMode = true
	}

	if overlay.KeepUniqueHang != 0 {
		base.KeepUniqueHang = overlay.KeepUniqueHang
	}

	if overlay.KeepUniqueCrash != 0 {
		base.KeepUniqueCrash = overlay.KeepUniqueCrash
	}

	if overlay.ExecTmoutMS != 0 {
		base.ExecTmoutMS = overlay.ExecTmoutMS
	}

	if overlay.HangTmoutMS != 0 {
		base.HangTmoutMS = overlay.HangTmoutMS
	}

	return base
}

// FormatConfig renders cfg as indented JSON, for the REPL/CLI's
// print-config diagnostic.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("config: format: %w", err)
	}

	return string(data), nil
}

// EnvMap converts os.Environ()-style "K=V" strings into a map, for passing
// the environment to LoadConfig explicitly. When the map has no
// XDG_CONFIG_HOME, the global config lookup still falls back to
// os.Getenv("XDG_CONFIG_HOME") and then to os.UserHomeDir.
func EnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	return env
}
