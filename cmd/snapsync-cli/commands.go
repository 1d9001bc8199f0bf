package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/snapsync/internal/control"
	"github.com/tinytelemetry/snapsync/internal/model"
	"github.com/tinytelemetry/snapsync/internal/tui"
)

// daemon is the subset of socketrpc.Client used by the commands.
type daemon interface {
	Backup(ctx context.Context, onProgress model.ProgressSink) (control.JobResult, error)
	Restore(ctx context.Context, onProgress model.ProgressSink) (control.JobResult, error)
	ExportFile(ctx context.Context, path string, onProgress model.ProgressSink) (control.JobResult, error)
	ImportFile(ctx context.Context, path string, onProgress model.ProgressSink) (control.JobResult, error)
	Cancel(ctx context.Context, category string) (bool, error)
	Status(ctx context.Context) (control.Status, error)
	Settings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, u control.SettingsUpdate) (model.Settings, error)
	SetSnapshotID(ctx context.Context, id string) (model.Settings, error)
	ListLinks(ctx context.Context) ([]model.Link, error)
	WipeLinks(ctx context.Context) (control.WipeResult, error)
}

// errJobNotSuccessful makes the process exit non-zero after a failed job.
var errJobNotSuccessful = errors.New("job did not succeed")

type cli struct {
	daemon daemon
	out    io.Writer
	plain  bool
}

func (c *cli) run(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "backup":
		return c.job(ctx, "Backup", c.daemon.Backup)
	case "restore":
		return c.job(ctx, "Restore", c.daemon.Restore)
	case "export", "import":
		if len(rest) != 1 {
			return fmt.Errorf("%s takes exactly one file path", cmd)
		}
		// the daemon resolves paths in its own working directory
		path, err := filepath.Abs(rest[0])
		if err != nil {
			return err
		}
		if cmd == "export" {
			return c.job(ctx, "Export", func(ctx context.Context, p model.ProgressSink) (control.JobResult, error) {
				return c.daemon.ExportFile(ctx, path, p)
			})
		}
		return c.job(ctx, "Import", func(ctx context.Context, p model.ProgressSink) (control.JobResult, error) {
			return c.daemon.ImportFile(ctx, path, p)
		})
	case "status":
		st, err := c.daemon.Status(ctx)
		if err != nil {
			return err
		}
		return c.yaml(st)
	case "settings":
		if len(rest) > 0 && rest[0] == "set" {
			return c.saveSettings(ctx, rest[1:])
		}
		s, err := c.daemon.Settings(ctx)
		if err != nil {
			return err
		}
		return c.yaml(s)
	case "snapshot-id":
		if len(rest) != 1 {
			return fmt.Errorf("snapshot-id takes exactly one id")
		}
		s, err := c.daemon.SetSnapshotID(ctx, rest[0])
		if err != nil {
			return err
		}
		return c.yaml(s)
	case "cancel":
		if len(rest) != 1 {
			return fmt.Errorf("cancel takes a category: backup or restore")
		}
		ok, err := c.daemon.Cancel(ctx, rest[0])
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(c.out, "cancelled %s\n", rest[0])
		} else {
			fmt.Fprintf(c.out, "no %s running\n", rest[0])
		}
		return nil
	case "links":
		links, err := c.daemon.ListLinks(ctx)
		if err != nil {
			return err
		}
		return c.yaml(links)
	case "wipe":
		fs := flag.NewFlagSet("wipe", flag.ContinueOnError)
		fs.SetOutput(c.out)
		yes := fs.Bool("yes", false, "confirm deleting all local links")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if !*yes {
			return fmt.Errorf("wipe deletes every local link; pass -yes to confirm")
		}
		res, err := c.daemon.WipeLinks(ctx)
		if err != nil {
			return err
		}
		return c.yaml(res)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *cli) job(ctx context.Context, title string, fn tui.JobFunc) error {
	var (
		res control.JobResult
		err error
	)
	if c.plain {
		res, err = fn(ctx, func(msg string) { fmt.Fprintln(c.out, msg) })
	} else {
		res, err = tui.RunJob(ctx, title, fn)
	}
	if err != nil {
		return err
	}
	if c.plain {
		fmt.Fprintf(c.out, "%s: %s\n", res.Outcome, res.Message)
	}
	if !res.OK() {
		return fmt.Errorf("%s %s: %w", strings.ToLower(title), res.Outcome, errJobNotSuccessful)
	}
	return nil
}

func (c *cli) saveSettings(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("settings set", flag.ContinueOnError)
	fs.SetOutput(c.out)
	token := fs.String("token", "", "access token for the remote")
	interval := fs.String("interval", "", "backup interval: hourly, daily, weekly or a duration")
	auto := fs.String("auto-backup", "", "enable scheduled backups (true/false)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var u control.SettingsUpdate
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "token":
			u.Token = token
		case "interval":
			u.Interval = interval
		}
	})
	if *auto != "" {
		enabled, err := strconv.ParseBool(*auto)
		if err != nil {
			return fmt.Errorf("invalid -auto-backup %q", *auto)
		}
		u.AutoBackupEnabled = &enabled
	}
	if u.Token == nil && u.Interval == nil && u.AutoBackupEnabled == nil {
		return fmt.Errorf("settings set needs at least one of -token, -interval, -auto-backup")
	}

	s, err := c.daemon.SaveSettings(ctx, u)
	if err != nil {
		return err
	}
	return c.yaml(s)
}

func (c *cli) yaml(v any) error {
	enc := yaml.NewEncoder(c.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
