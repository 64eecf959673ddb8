package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jguan/hookflow/pkg/fault"
	"github.com/jguan/hookflow/pkg/pipeline"
	"github.com/jguan/hookflow/pkg/portal"
)

// ProjectFiles are the project file names searched upward, in order.
var ProjectFiles = []string{"hookflow.toml", "hookflow.yaml", "hookflow.yml"}

var ErrNoProjectFile = fault.NewDomain("config", fault.ErrCodeConfig, "no hookflow.toml, hookflow.yaml or hookflow.yml found")

// Config is a loaded project: its settings, its pipelines and where it lives.
type Config struct {
	Settings  Settings         `toml:"settings" yaml:"settings"`
	Pipelines []PipelineConfig `toml:"pipelines" yaml:"pipelines" validate:"dive"`

	// Path is the project file, or "" when none was found.
	Path string `toml:"-" yaml:"-"`
	// Root is the directory holding the project file, or the working
	// directory when none was found.
	Root string `toml:"-" yaml:"-"`
}

type Settings struct {
	General GeneralConfig `toml:"general" yaml:"general"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
	Logs    LogsConfig    `toml:"logs" yaml:"logs"`
	Exec    ExecConfig    `toml:"exec" yaml:"exec"`
	Watch   WatchConfig   `toml:"watch" yaml:"watch"`
}

type GeneralConfig struct {
	// WorkDir is the tool-owned directory, relative to Root unless absolute.
	WorkDir string `toml:"work_dir" yaml:"work_dir" validate:"required"`
}

type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" yaml:"format" validate:"oneof=json text"`
	// File receives diagnostics instead of stderr when set. Detached
	// processes fall back to DefaultLogFile.
	File string `toml:"file" yaml:"file"`
}

type LogsConfig struct {
	Backend string `toml:"backend" yaml:"backend" validate:"oneof=file sqlite"`
	// Dir defaults to <work_dir>/logs.
	Dir string `toml:"dir" yaml:"dir"`
}

type ExecConfig struct {
	// Shell runs step commands. Empty means $SHELL, then sh.
	Shell string `toml:"shell" yaml:"shell"`
}

type WatchConfig struct {
	Debounce  string        `toml:"debounce" yaml:"debounce"`
	// Detach runs each triggered batch in a detached child. When false the
	// watcher waits for the batch to finish.
	Detach    bool          `toml:"detach" yaml:"detach"`
	Ignore    []string      `toml:"ignore_files" yaml:"ignore_files"`
	DebounceD time.Duration `toml:"-" yaml:"-"`
}

type PipelineConfig struct {
	Name     string       `toml:"name" yaml:"name" validate:"required"`
	Triggers []string     `toml:"triggers" yaml:"triggers" validate:"dive,required"`
	Steps    []StepConfig `toml:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

type StepConfig struct {
	Name        string   `toml:"name" yaml:"name" validate:"required"`
	Commands    []string `toml:"commands" yaml:"commands" validate:"required,min=1,dive,required"`
	NonBlocking bool     `toml:"non_blocking" yaml:"non_blocking"`
}

func Default() *Config {
	return &Config{
		Settings: Settings{
			General: GeneralConfig{
				WorkDir: ".hookflow",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
			Logs: LogsConfig{
				Backend: "file",
			},
			Watch: WatchConfig{
				Debounce: "50ms",
				Detach:   true,
				Ignore:   []string{".hookflow_ignore", ".gitignore"},
			},
		},
	}
}

// LoadFromFile decodes a TOML or YAML project file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	expandedPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}
	absPath, err := filepath.Abs(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}

	cfg.Path = absPath
	cfg.Root = filepath.Dir(absPath)
	return cfg, nil
}

func (c *Config) postProcess() error {
	var err error

	if c.Settings.Watch.DebounceD, err = time.ParseDuration(c.Settings.Watch.Debounce); err != nil {
		return fmt.Errorf("parse watch.debounce: %w", err)
	}

	c.Settings.Logging.Level = strings.ToLower(c.Settings.Logging.Level)
	c.Settings.Logging.Format = strings.ToLower(c.Settings.Logging.Format)
	c.Settings.Logs.Backend = strings.ToLower(c.Settings.Logs.Backend)

	if c.Settings.General.WorkDir, err = c.resolve(c.Settings.General.WorkDir); err != nil {
		return fmt.Errorf("expand general.work_dir: %w", err)
	}
	if c.Settings.Logs.Dir == "" {
		c.Settings.Logs.Dir = filepath.Join(c.Settings.General.WorkDir, "logs")
	}
	if c.Settings.Logs.Dir, err = c.resolve(c.Settings.Logs.Dir); err != nil {
		return fmt.Errorf("expand logs.dir: %w", err)
	}
	if c.Settings.Logging.File, err = c.resolve(c.Settings.Logging.File); err != nil {
		return fmt.Errorf("expand logging.file: %w", err)
	}

	c.Pipelines = dedupe(c.Pipelines)
	return nil
}

// resolve expands ~ and makes relative paths relative to Root.
func (c *Config) resolve(path string) (string, error) {
	p, err := expandPath(path)
	if err != nil || p == "" {
		return p, err
	}
	if !filepath.IsAbs(p) && c.Root != "" {
		p = filepath.Join(c.Root, p)
	}
	return p, nil
}

// dedupe keeps the first pipeline of each name.
func dedupe(pipelines []PipelineConfig) []PipelineConfig {
	seen := make(map[string]bool, len(pipelines))
	out := pipelines[:0]
	for _, p := range pipelines {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Settings.Watch.DebounceD <= 0 {
		return fmt.Errorf("watch.debounce must be positive, got %s", c.Settings.Watch.Debounce)
	}
	return nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOOKFLOW_WORK_DIR"); v != "" {
		cfg.Settings.General.WorkDir = v
	}
	if v := os.Getenv("HOOKFLOW_LOG_LEVEL"); v != "" {
		cfg.Settings.Logging.Level = v
	}
	if v := os.Getenv("HOOKFLOW_LOG_FORMAT"); v != "" {
		cfg.Settings.Logging.Format = v
	}
	if v := os.Getenv("HOOKFLOW_LOG_FILE"); v != "" {
		cfg.Settings.Logging.File = v
	}
	if v := os.Getenv("HOOKFLOW_LOGS_BACKEND"); v != "" {
		cfg.Settings.Logs.Backend = v
	}
	if v := os.Getenv("HOOKFLOW_WATCH_DETACH"); v != "" {
		cfg.Settings.Watch.Detach = strings.ToLower(v) == "true" || v == "1"
	}
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	return path, nil
}

// Load reads configPath, or the first project file found upward from the
// working directory. Finding none is not an error: the result carries the
// defaults and no pipelines. Every failure is a ConfigError.
func Load(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath == "" {
		configPath, err = portal.FindAny(ProjectFiles...)
		if err != nil && !fault.IsNotFound(err) {
			return nil, fault.Wrap(err, fault.ErrCodeConfig, "locate project file")
		}
	}

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fault.Wrap(err, fault.ErrCodeConfig, "load config from "+configPath)
		}
	} else {
		cfg = Default()
		if cfg.Root, err = os.Getwd(); err != nil {
			return nil, fault.Wrap(err, fault.ErrCodeConfig, "get working directory")
		}
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fault.Wrap(err, fault.ErrCodeConfig, "post process config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fault.Wrap(err, fault.ErrCodeConfig, "validate config")
	}

	return cfg, nil
}

// RequireProject fails when no project file was loaded.
func (c *Config) RequireProject() error {
	if c.Path == "" {
		return ErrNoProjectFile
	}
	return nil
}

// DefaultLogFile is where detached processes write diagnostics.
func (c *Config) DefaultLogFile() string {
	return filepath.Join(c.Settings.Logs.Dir, "hookflow.log")
}

// PipelineDefs converts the declared pipelines into runtime definitions.
func (c *Config) PipelineDefs() []pipeline.Pipeline {
	out := make([]pipeline.Pipeline, 0, len(c.Pipelines))
	for _, pc := range c.Pipelines {
		p := pipeline.Pipeline{Name: pc.Name}
		for _, t := range pc.Triggers {
			p.Triggers = append(p.Triggers, pipeline.Trigger{Flag: pipeline.ParseFlag(t)})
		}
		for _, sc := range pc.Steps {
			p.Steps = append(p.Steps, pipeline.Step{
				Name:        sc.Name,
				Commands:    sc.Commands,
				NonBlocking: sc.NonBlocking,
			})
		}
		out = append(out, p)
	}
	return out
}
