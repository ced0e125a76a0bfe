package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	capiconfig "github.com/capi-project/capi-core/internal/config"
	"github.com/capi-project/capi-core/internal/core"
	"github.com/capi-project/capi-core/pkg/types"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or update the persisted configuration",
	}
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())
	return cmd
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a single configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return configError{err}
			}
			cfg, err := loadOrDefault(home)
			if err != nil {
				return configError{err}
			}
			val, err := configField(&cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Update a configuration value and persist it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return configError{err}
			}
			cfg, err := loadOrDefault(home)
			if err != nil {
				return configError{err}
			}
			if err := setConfigField(&cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := capiconfig.Save(configPath(home), cfg); err != nil {
				return configError{err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	}
}

func loadOrDefault(home string) (types.Config, error) {
	cfg, err := capiconfig.Load(configPath(home))
	if err != nil {
		cfg = types.Defaults()
	}
	return capiconfig.WithDefaults(cfg), nil
}

// configField and setConfigField expose the handful of Config fields the
// CLI supports by name, per spec.md §6's `config get|set <key> [value]`.
func configField(cfg *types.Config, key string) (string, error) {
	switch key {
	case "bind_host":
		return cfg.BindHost, nil
	case "bind_port":
		return strconv.Itoa(cfg.BindPort), nil
	case "device_preference":
		return string(cfg.DevicePreference), nil
	case "resource_mode":
		return string(cfg.ResourceMode), nil
	case "default_context_tokens":
		return strconv.Itoa(cfg.DefaultContextTokens), nil
	case "auto_start":
		return strconv.FormatBool(cfg.AutoStart), nil
	case "models_dir":
		return cfg.ModelsDir, nil
	case "idle_eviction_seconds":
		return strconv.Itoa(cfg.IdleEvictionSeconds), nil
	default:
		return "", core.InvalidRequestError{Reason: fmt.Sprintf("unknown config key: %s", key)}
	}
}

func setConfigField(cfg *types.Config, key, value string) error {
	switch key {
	case "bind_host":
		cfg.BindHost = value
	case "bind_port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return core.InvalidRequestError{Reason: "bind_port must be an integer"}
		}
		cfg.BindPort = n
	case "device_preference":
		cfg.DevicePreference = types.DevicePreference(value)
	case "resource_mode":
		cfg.ResourceMode = types.ResourceMode(value)
	case "default_context_tokens":
		n, err := strconv.Atoi(value)
		if err != nil {
			return core.InvalidRequestError{Reason: "default_context_tokens must be an integer"}
		}
		cfg.DefaultContextTokens = n
	case "auto_start":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return core.InvalidRequestError{Reason: "auto_start must be a boolean"}
		}
		cfg.AutoStart = b
	case "models_dir":
		cfg.ModelsDir = value
	case "idle_eviction_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return core.InvalidRequestError{Reason: "idle_eviction_seconds must be an integer"}
		}
		cfg.IdleEvictionSeconds = n
	default:
		return core.InvalidRequestError{Reason: fmt.Sprintf("unknown config key: %s", key)}
	}
	return nil
}
