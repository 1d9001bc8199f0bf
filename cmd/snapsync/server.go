package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/snapsync/internal/control"
	"github.com/tinytelemetry/snapsync/internal/duckdb"
	"github.com/tinytelemetry/snapsync/internal/httpserver"
	"github.com/tinytelemetry/snapsync/internal/jobguard"
	"github.com/tinytelemetry/snapsync/internal/journal"
	"github.com/tinytelemetry/snapsync/internal/logging"
	"github.com/tinytelemetry/snapsync/internal/model"
	"github.com/tinytelemetry/snapsync/internal/pipeline"
	"github.com/tinytelemetry/snapsync/internal/prefs"
	"github.com/tinytelemetry/snapsync/internal/scheduler"
	"github.com/tinytelemetry/snapsync/internal/snapshot"
	"github.com/tinytelemetry/snapsync/internal/socketrpc"
	"github.com/tinytelemetry/snapsync/internal/syncer"
)

// runner is the common shape of both scheduler modes.
type runner interface {
	Start()
	Stop()
}

// runServer starts the sync daemon with its scheduler and control surfaces.
func runServer(cfg appConfig) error {
	log, cleanupLogger := logging.Configure(logging.Config{
		Path:      cfg.LogPath,
		Level:     cfg.LogLevel,
		MaxSizeMB: cfg.LogMaxSizeMB,
		Stderr:    cfg.LogStderr,
	})
	defer cleanupLogger()

	// Set up context and signal handling before anything blocks.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.WallClock
	store, err := duckdb.Open(ctx, cfg.DBPath, duckdb.Options{
		QueryTimeout: cfg.QueryTimeout,
		Logger:       log,
		Clock:        clk,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()

	settings := prefs.New(store)
	if err := settings.Seed(ctx, model.Settings{
		Token:             cfg.GitHubToken,
		AutoBackupEnabled: cfg.AutoBackup,
		Interval:          cfg.BackupInterval,
	}); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	intents, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("failed to open intent journal: %w", err)
	}
	defer intents.Close()
	reportPendingIntents(intents, log)

	remote, err := snapshot.New(ctx, snapshot.Config{
		Backend:     cfg.Remote.Backend,
		HTTPTimeout: cfg.HTTPTimeout,
		GistBaseURL: cfg.Remote.GistBaseURL,
		S3: snapshot.S3Config{
			BucketURL:    cfg.Remote.S3Bucket,
			Endpoint:     cfg.Remote.S3Endpoint,
			Region:       cfg.Remote.S3Region,
			AccessKey:    cfg.Remote.S3AccessKey,
			SecretKey:    cfg.Remote.S3SecretKey,
			SessionToken: cfg.Remote.S3Session,
			UseSSL:       cfg.Remote.S3UseSSL,
		},
		DropboxFolder: cfg.Remote.DropboxFolder,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize %s remote: %w", cfg.Remote.Backend, err)
	}

	engine, err := syncer.New(syncer.Deps{
		Prefs:      settings,
		Remote:     remote,
		Exporter:   pipeline.NewExporter(store, clk),
		Importer:   pipeline.NewImporter(store),
		Journal:    intents,
		Logger:     log,
		Clock:      clk,
		Backend:    cfg.Remote.Backend,
		StagingDir: cfg.StagingDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize syncer: %w", err)
	}

	guard := jobguard.New(log)
	ctl, err := control.New(control.Deps{
		Syncer: engine,
		Guard:  guard,
		Links:  store,
		Safety: control.SafetyCopyFunc(func(ctx context.Context) (string, error) {
			return store.SafetyCopy(ctx, cfg.SafetyCopyDir, cfg.SafetyCopyKeep)
		}),
		Logger: log,
		Clock:  clk,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize controller: %w", err)
	}

	sched, err := buildScheduler(cfg, engine, settings, guard, ctl, clk, log)
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	// Start HTTP API server if enabled
	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, ctl, log)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	// Start socket RPC server for CLI IPC
	sockServer := socketrpc.NewServer(cfg.SocketPath, ctl, log)
	if err := sockServer.Start(); err != nil {
		log.WithError(err).Warn("failed to start socket server")
	} else {
		defer sockServer.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	printStartupBanner(cfg, settings.Settings())

	g, gctx := errgroup.WithContext(ctx)

	sched.Start()
	g.Go(func() error {
		<-gctx.Done()
		// Stop cancels any scheduled backup in flight and waits for it.
		sched.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server: errgroup exited with error")
	}

	// Any user job still running is superseded by shutdown.
	for category := range guard.ActiveJobs() {
		guard.Cancel(category)
	}

	signal.Stop(sigCh)
	return nil
}

func buildScheduler(cfg appConfig, engine *syncer.Syncer, settings *prefs.Store, guard *jobguard.Guard, ctl *control.Controller, clk clock.Clock, log logrus.FieldLogger) (runner, error) {
	if cfg.Scheduler.Mode == schedulerModeJob {
		return scheduler.NewHostRunner(scheduler.HostConfig{
			Job: &scheduler.BackupJob{
				Backup:     engine,
				Settings:   settings,
				Guard:      guard,
				OnComplete: ctl.Recorder(model.CategoryBackup, model.TriggerHostJob),
			},
			Settings:      settings,
			Clock:         clk,
			Logger:        log,
			Attempts:      cfg.Scheduler.RetryAttempts,
			RetryDelay:    cfg.Scheduler.RetryDelay,
			MaxRetryDelay: cfg.Scheduler.MaxRetryDelay,
		})
	}
	return scheduler.NewLoop(scheduler.LoopConfig{
		Backup:     engine,
		Settings:   settings,
		Guard:      guard,
		Clock:      clk,
		Logger:     log,
		OnComplete: ctl.Recorder(model.CategoryBackup, model.TriggerScheduler),
	})
}

// reportPendingIntents warns about creates that never had their id persisted
// and clears them. The remote may hold an orphaned snapshot for each.
func reportPendingIntents(j *journal.Journal, log logrus.FieldLogger) {
	for _, p := range j.Pending() {
		log.WithFields(logrus.Fields{
			"component":  "journal",
			"op":         p.Op,
			"backend":    p.Backend,
			"started_at": p.StartedAt,
		}).Warn("a previous create may have left an orphaned remote snapshot")
		if err := j.Commit(p.Seq); err != nil {
			log.WithError(err).Warn("journal: commit pending intent")
		}
	}
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func printStartupBanner(cfg appConfig, s model.Settings) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔╗╔╔═╗╔═╗╔═╗╦ ╦╔╗╔╔═╗
    ╚═╗║║║╠═╣╠═╝╚═╗╚╦╝║║║║
    ╚═╝╝╚╝╩ ╩╩  ╚═╝ ╩ ╝╚╝╚═╝`)

	ver := dim.Render("v" + version)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	// Gateway
	lines = append(lines, bold.Render("    Gateway"))
	lines = append(lines, "")

	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Unix Socket    %s", check, cyan.Render(shortenPath(cfg.SocketPath))))
	lines = append(lines, "")

	// Storage
	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Links          %s", check, dim.Render(shortenPath(cfg.DBPath))))
	lines = append(lines, fmt.Sprintf("    %s  Safety Copies  %s", check, dim.Render(shortenPath(cfg.SafetyCopyDir))))
	lines = append(lines, fmt.Sprintf("    %s  Journal        %s", check, dim.Render(shortenPath(cfg.JournalPath))))
	lines = append(lines, "")

	// Sync
	lines = append(lines, bold.Render("    Sync"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Remote         %s", check, dim.Render(cfg.Remote.Backend)))
	if s.HasToken() {
		lines = append(lines, fmt.Sprintf("    %s  Token          %s", check, dim.Render("configured")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Token          %s", dot, dim.Render("not set")))
	}
	if s.HasSnapshot() {
		lines = append(lines, fmt.Sprintf("    %s  Snapshot       %s", check, dim.Render(s.SnapshotID)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Snapshot       %s", dot, dim.Render("created on first backup")))
	}
	if s.AutoBackupEnabled {
		period, _ := model.ParseInterval(s.Interval)
		lines = append(lines, fmt.Sprintf("    %s  Auto Backup    %s", check, dim.Render(fmt.Sprintf("every %s (%s mode)", period, cfg.Scheduler.Mode))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Auto Backup    %s", dot, dim.Render("disabled")))
	}

	lines = append(lines, "")
	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
