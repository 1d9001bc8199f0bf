package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/snapsync/internal/snapshot"
	"github.com/tinytelemetry/snapsync/internal/socketrpc"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/snapsync/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("snapsync - Remote Snapshot Sync Daemon\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(configPath, home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath, home string) (appConfig, error) {
	var cfg appConfig

	stateDir := filepath.Join(home, ".local", "state", "snapsync")
	dataDir := filepath.Join(home, ".local", "share", "snapsync")

	v := viper.New()
	v.SetEnvPrefix("SNAPSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	v.SetDefault("db-path", filepath.Join(dataDir, "snapsync.duckdb"))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("staging-dir", os.TempDir())
	v.SetDefault("safety-copy-dir", filepath.Join(dataDir, "safety"))
	v.SetDefault("safety-copy-keep", defaultSafetyCopyKeep)
	v.SetDefault("journal-path", filepath.Join(stateDir, "intents.jsonl"))
	v.SetDefault("http-timeout", defaultHTTPTimeout)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-max-size-mb", defaultLogMaxSizeMB)
	v.SetDefault("log-path", filepath.Join(stateDir, "snapsync.log"))
	v.SetDefault("log-stderr", false)

	v.SetDefault("scheduler.mode", defaultSchedulerMode)
	v.SetDefault("scheduler.retry-attempts", defaultRetryAttempts)
	v.SetDefault("scheduler.retry-delay", defaultRetryDelay)
	v.SetDefault("scheduler.max-retry-delay", defaultMaxRetryDelay)

	v.SetDefault("remote.backend", defaultBackend)
	v.SetDefault("remote.gist-base-url", snapshot.DefaultGistBaseURL)
	v.SetDefault("remote.s3-bucket", "")
	v.SetDefault("remote.s3-endpoint", "")
	v.SetDefault("remote.s3-region", "")
	v.SetDefault("remote.s3-access-key", "")
	v.SetDefault("remote.s3-secret-key", "")
	v.SetDefault("remote.s3-session-token", "")
	v.SetDefault("remote.s3-use-ssl", true)
	v.SetDefault("remote.dropbox-folder", snapshot.DefaultDropboxFolder)

	v.SetDefault("github-token", "")
	v.SetDefault("auto-backup", false)
	v.SetDefault("backup-interval", defaultBackupInterval)

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
	if _, err := os.Stat(v.ConfigFileUsed()); err == nil {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	switch cfg.Scheduler.Mode {
	case schedulerModeLoop, schedulerModeJob:
	default:
		return cfg, fmt.Errorf("invalid scheduler.mode %q: want %q or %q", cfg.Scheduler.Mode, schedulerModeLoop, schedulerModeJob)
	}
	if cfg.SafetyCopyKeep < 0 {
		return cfg, fmt.Errorf("invalid safety-copy-keep: %d", cfg.SafetyCopyKeep)
	}

	for _, p := range []*string{&cfg.DBPath, &cfg.SocketPath, &cfg.StagingDir, &cfg.SafetyCopyDir, &cfg.JournalPath, &cfg.LogPath} {
		*p = expandHome(*p, home)
	}

	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

// expandHome expands a leading ~/ in path.
func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
