package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinytelemetry/snapsync/internal/socketrpc"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

const usage = `usage: snapsync-cli [flags] <command> [args]

commands:
  backup                       run a backup now
  restore                      restore links from the remote snapshot
  export <file>                write local links to a JSON file
  import <file>                merge links from an exported JSON file
  status                       show jobs, last outcomes and settings
  settings                     show settings
  settings set [flags]         update settings (-token, -interval, -auto-backup)
  snapshot-id <id>             point at an existing remote snapshot
  cancel <backup|restore>      cancel a running job
  links                        list local links
  wipe -yes                    delete all local links (a safety copy is kept)
`

func main() {
	var configPath string
	var socketPath string
	var plain bool
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/snapsync/config.yml)")
	flag.StringVar(&socketPath, "socket", "", "override socket path to connect to the snapsync daemon")
	flag.BoolVar(&plain, "plain", false, "print progress lines instead of the interactive view")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("snapsync CLI - Sync Control Client\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadCLIConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if plain {
		cfg.Plain = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()

	client, err := socketrpc.Dial(cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot connect to snapsync daemon at %s: %v\nIs the daemon running? Start it with: snapsync\n", cfg.SocketPath, err)
		os.Exit(1)
	}
	defer client.Close()

	app := &cli{daemon: client, out: os.Stdout, plain: cfg.Plain}
	if err := app.run(ctx, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		client.Close()
		os.Exit(1)
	}
}
