package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/snapsync/internal/socketrpc"
)

const defaultCallTimeout = 10 * time.Minute

// cliConfig holds only client-relevant configuration.
type cliConfig struct {
	SocketPath  string        `mapstructure:"socket-path"`
	CallTimeout time.Duration `mapstructure:"cli-timeout"`
	Plain       bool          `mapstructure:"cli-plain"`
}

func loadCLIConfig(configPath string) (cliConfig, error) {
	var cfg cliConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("SNAPSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("cli-timeout", defaultCallTimeout)
	v.SetDefault("cli-plain", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "snapsync", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if strings.HasPrefix(cfg.SocketPath, "~/") {
		cfg.SocketPath = filepath.Join(home, cfg.SocketPath[2:])
	}

	return cfg, nil
}
