package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "imagegen.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/imagegen"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Environment variables that override file configuration.
const (
	EnvAddr        = "IMAGEGEN_ADDR"
	EnvBaseURL     = "IMAGEGEN_BASE_URL"
	EnvModel       = "IMAGEGEN_MODEL"
	EnvNATSURL     = "IMAGEGEN_NATS_URL"
	EnvMaxAttempts = "IMAGEGEN_MAX_ATTEMPTS"
	EnvBudget      = "IMAGEGEN_OVERALL_BUDGET"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger

	// userDir overrides the home directory lookup (tests).
	userDir string
	// workDir overrides the working directory for the project search (tests).
	workDir string

	// activePath is the highest-precedence file applied by the last Load.
	activePath string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/imagegen/config.yaml)
// 3. Project config (imagegen.yaml in current or parent directories)
// 4. Explicit config file (explicitPath, if non-empty; must exist)
// 5. Environment variables (IMAGEGEN_*)
func (l *Loader) Load(explicitPath string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()
	l.activePath = ""

	// Load user config
	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if userConfig, err := LoadFromFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
			l.activePath = userConfigPath
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
			l.activePath = projectConfigPath
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// Explicit config is the only layer whose absence is an error
	if explicitPath != "" {
		explicitConfig, err := LoadFromFile(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", explicitPath, err)
		}
		l.logger.Debug("Loaded config file", slog.String("path", explicitPath))
		config.Merge(explicitConfig)
		l.activePath = explicitPath
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ActivePath returns the highest-precedence config file used by the last
// Load, or "" when only defaults and environment applied.
func (l *Loader) ActivePath() string {
	return l.activePath
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("cannot determine home directory")
	}

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// applyEnv overlays IMAGEGEN_* environment variables.
func (l *Loader) applyEnv(config *Config) error {
	if v := os.Getenv(EnvAddr); v != "" {
		config.Server.Addr = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		config.Inference.BaseURL = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		config.Inference.Model = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		config.Events.NATSURL = v
	}
	if v := os.Getenv(EnvMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxAttempts, err)
		}
		config.Retry.MaxAttempts = n
	}
	if v := os.Getenv(EnvBudget); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBudget, err)
		}
		config.Retry.OverallBudget = d
	}
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home := l.userDir
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return ""
		}
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for imagegen.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	dir := l.workDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
