package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	talentbridge "github.com/talentbridge/talentbridge-go"
)

// configKey is one settable field, addressed as section.field.
type configKey struct {
	section, field string
	ptr            func(*Config) *string
	// unset describes what an empty value means.
	unset string
}

var configKeys = []configKey{
	{"default", "environment", func(c *Config) *string { return &c.Default.Environment }, "production"},
	{"default", "base_url", func(c *Config) *string { return &c.Default.BaseURL }, "environment default"},
	{"auth", "email", func(c *Config) *string { return &c.Auth.Email }, "none"},
	{"store", "redis_addr", func(c *Config) *string { return &c.Store.RedisAddr }, "token kept in session.toml"},
	{"store", "redis_key", func(c *Config) *string { return &c.Store.RedisKey }, talentbridge.DefaultRedisTokenKey},
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	known := false
	for _, k := range configKeys {
		if k.section != section {
			continue
		}
		known = true
		if k.field == field {
			*k.ptr(cfg) = value
			return nil
		}
	}
	if !known {
		return fmt.Errorf("unknown config section %q (valid: default, auth, store)", section)
	}
	return fmt.Errorf("unknown field %q in section [%s]", field, section)
}

// renderConfig lists every key by section. Values overridden by TALENTBRIDGE_*
// variables in eff are marked.
func renderConfig(file, eff *Config) string {
	var b strings.Builder
	section := ""
	for _, k := range configKeys {
		if k.section != section {
			if section != "" {
				b.WriteByte('\n')
			}
			section = k.section
			fmt.Fprintf(&b, "[%s]\n", section)
		}
		v := *k.ptr(eff)
		switch {
		case v == "":
			fmt.Fprintf(&b, "  %-12s (unset: %s)\n", k.field, k.unset)
		case v != *k.ptr(file):
			fmt.Fprintf(&b, "  %-12s %s (from environment)\n", k.field, v)
		default:
			fmt.Fprintf(&b, "  %-12s %s\n", k.field, v)
		}
	}
	return b.String()
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage TalentBridge configuration",
	Long:  "View or modify the TalentBridge CLI configuration stored in ~/.talentbridge/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		file, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		eff, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Printf("# %s\n", path)
		fmt.Print(renderConfig(file, eff))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: talentbridge config set store.redis_addr localhost:6379",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
