package main

import (
	"time"

	"github.com/tinytelemetry/snapsync/internal/model"
)

const (
	defaultBindHost       = "127.0.0.1"
	defaultAPIPort        = 3000
	defaultHTTPTimeout    = 30 * time.Second
	defaultQueryTimeout   = 30 * time.Second
	defaultSafetyCopyKeep = 5
	defaultSchedulerMode  = schedulerModeLoop
	defaultBackend        = "gist"
	defaultLogLevel       = "info"
	defaultLogMaxSizeMB   = 10
	defaultRetryAttempts  = 5
	defaultRetryDelay     = 30 * time.Second
	defaultMaxRetryDelay  = 30 * time.Minute
	defaultBackupInterval = model.DefaultInterval
)

const (
	schedulerModeLoop = "loop"
	schedulerModeJob  = "job"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DBPath         string        `mapstructure:"db-path"`
	QueryTimeout   time.Duration `mapstructure:"query-timeout"`
	APIEnabled     bool          `mapstructure:"api-enabled"`
	APIPort        int           `mapstructure:"api-port"`
	APIAddr        string        `mapstructure:"api-addr"`
	SocketPath     string        `mapstructure:"socket-path"`
	StagingDir     string        `mapstructure:"staging-dir"`
	SafetyCopyDir  string        `mapstructure:"safety-copy-dir"`
	SafetyCopyKeep int           `mapstructure:"safety-copy-keep"`
	JournalPath    string        `mapstructure:"journal-path"`
	HTTPTimeout    time.Duration `mapstructure:"http-timeout"`
	LogLevel       string        `mapstructure:"log-level"`
	LogMaxSizeMB   int           `mapstructure:"log-max-size-mb"`
	LogPath        string        `mapstructure:"log-path"`
	LogStderr      bool          `mapstructure:"log-stderr"`

	Scheduler schedulerConfig `mapstructure:"scheduler"`
	Remote    remoteConfig    `mapstructure:"remote"`

	// Seeds for the preference store, applied only to keys never stored.
	GitHubToken    string `mapstructure:"github-token"`
	AutoBackup     bool   `mapstructure:"auto-backup"`
	BackupInterval string `mapstructure:"backup-interval"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

type schedulerConfig struct {
	Mode          string        `mapstructure:"mode"`
	RetryAttempts int           `mapstructure:"retry-attempts"`
	RetryDelay    time.Duration `mapstructure:"retry-delay"`
	MaxRetryDelay time.Duration `mapstructure:"max-retry-delay"`
}

type remoteConfig struct {
	Backend       string `mapstructure:"backend"`
	GistBaseURL   string `mapstructure:"gist-base-url"`
	S3Bucket      string `mapstructure:"s3-bucket"`
	S3Endpoint    string `mapstructure:"s3-endpoint"`
	S3Region      string `mapstructure:"s3-region"`
	S3AccessKey   string `mapstructure:"s3-access-key"`
	S3SecretKey   string `mapstructure:"s3-secret-key"`
	S3Session     string `mapstructure:"s3-session-token"`
	S3UseSSL      bool   `mapstructure:"s3-use-ssl"`
	DropboxFolder string `mapstructure:"dropbox-folder"`
}
