package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/steveb/imagetter/internal/downloader"
	imhttp "github.com/steveb/imagetter/internal/http"
	"github.com/steveb/imagetter/internal/logging"
)

func discoverCommand() *cli.Command {
	return &cli.Command{
		Name:   "discover",
		Usage:  "look up checksums in the manifest's checksum listings without downloading",
		Flags:  manifestFlags(),
		Action: runDiscover,
	}
}

// runDiscover prints one "<checksum>  <url>" line per artifact with a
// checksum listing. Artifacts without a match print "-".
func runDiscover(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log, err := logging.New("imagetter", cfg.LogLevel, c.App.ErrWriter)
	if err != nil {
		return cli.Exit(err.Error(), ExitInvalidArgs)
	}

	ctx, cancel := signalContext(c.Context, c.App.ErrWriter)
	defer cancel()

	e := downloader.NewExecutor(downloader.Options{
		Target:      cfg.Target,
		Concurrency: cfg.Concurrency,
		HTTPOptions: imhttp.Options{Timeout: cfg.Timeout},
		Log:         log,
	})
	discoverErr := e.Discover(ctx, cfg.Downloads)

	for _, t := range cfg.Downloads {
		if t.ChecksumURL == "" {
			continue
		}
		sum := t.Checksum
		if sum == "" {
			sum = "-"
		}
		fmt.Fprintf(c.App.Writer, "%s  %s\n", sum, t.URL)
	}

	if discoverErr != nil {
		return cli.Exit(discoverErr.Error(), ExitGeneralError)
	}
	return nil
}
