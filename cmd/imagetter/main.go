package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/steveb/imagetter/internal/config"
	"github.com/steveb/imagetter/internal/progress"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitInvalidManifest  = 3
	ExitInvalidTarget    = 4
	ExitChecksumMismatch = 5
	ExitStorageError     = 6
)

var version = "dev"

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	err := newApp(stdout, stderr).Run(args)
	if err == nil {
		return ExitSuccess
	}

	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		if msg := err.Error(); msg != "" {
			fmt.Fprintf(stderr, "Error: %s\n", msg)
		}
		return ec.ExitCode()
	}

	// Anything urfave/cli returns unwrapped is a usage problem.
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitInvalidArgs
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "imagetter",
		Usage:     "fetch, verify and unpack the artifacts listed in a manifest",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			fetchCommand(),
			discoverCommand(),
			validateCommand(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 0 {
				return cli.Exit(fmt.Sprintf("unknown command: %s", c.Args().First()), ExitInvalidArgs)
			}
			cli.ShowAppHelp(c)
			return cli.Exit("", ExitInvalidArgs)
		},
		// Exit codes are handled by run, never by os.Exit inside the app.
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

// manifestFlags are accepted by every command.
func manifestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "manifest",
			Aliases:  []string{"m"},
			Usage:    "YAML manifest listing the downloads",
			EnvVars:  []string{"IMAGETTER_MANIFEST"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "target",
			Aliases: []string{"t"},
			Usage:   "root directory to download into (overrides the manifest)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, notice, warning, error or critical",
		},
	}
}

// loadConfig applies defaults, the manifest, IMAGETTER_* variables and flags,
// in increasing order of precedence, then validates the result.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.LoadFromFile(c.String("manifest"))
	if err != nil {
		return config.Config{}, cli.Exit(err.Error(), ExitInvalidManifest)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, cli.Exit(err.Error(), ExitInvalidArgs)
	}

	var override config.Config
	override.Target = c.String("target")
	override.LogLevel = c.String("log-level")
	if c.IsSet("concurrency") {
		override.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("timeout") {
		override.Timeout = c.Duration("timeout")
	}
	if c.IsSet("chunk-size") {
		size, err := progress.ParseBytes(c.String("chunk-size"))
		if err != nil {
			return config.Config{}, cli.Exit(fmt.Sprintf("invalid chunk size: %v", err), ExitInvalidArgs)
		}
		override.ChunkSize = size
	}
	override.Progress = c.Bool("progress")
	override.Mirror = c.String("mirror")
	override.MetricsFile = c.String("metrics-file")
	cfg = cfg.Merge(override)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, cli.Exit(err.Error(), ExitInvalidManifest)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, stderr io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "\n[imagetter] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
