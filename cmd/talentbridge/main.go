package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.talentbridge/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Store   ConfigStore   `toml:"store"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
}

// ConfigAuth holds the remembered sign-in identity. The token itself lives in
// the session store, not here.
type ConfigAuth struct {
	Email string `toml:"email"`
}

// ConfigStore selects the session token backend. An empty redis_addr keeps
// the token in ~/.talentbridge/session.toml.
type ConfigStore struct {
	RedisAddr string `toml:"redis_addr"`
	RedisKey  string `toml:"redis_key"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.talentbridge (or $TALENTBRIDGE_HOME),
// creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("TALENTBRIDGE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".talentbridge")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func sessionPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// effectiveConfig is the file config with TALENTBRIDGE_* overrides applied.
// It is never saved.
func effectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	overrides := map[string]*string{
		"TALENTBRIDGE_BASE_URL":    &cfg.Default.BaseURL,
		"TALENTBRIDGE_ENVIRONMENT": &cfg.Default.Environment,
		"TALENTBRIDGE_EMAIL":       &cfg.Auth.Email,
		"TALENTBRIDGE_REDIS_ADDR":  &cfg.Store.RedisAddr,
		"TALENTBRIDGE_REDIS_KEY":   &cfg.Store.RedisKey,
	}
	for env, field := range overrides {
		if v := getenv(env); v != "" {
			*field = v
		}
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	debug  bool
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "talentbridge",
	Short: "TalentBridge CLI",
	Long:  "Command-line interface for the TalentBridge client.\nSign in, inspect the session and watch realtime notifications.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal.
		_ = godotenv.Load()

		var err error
		if debug {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Verbose development logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
