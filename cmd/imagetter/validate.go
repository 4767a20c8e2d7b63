package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/steveb/imagetter/internal/downloader"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:   "validate",
		Usage:  "check the manifest and target directory without touching the network",
		Flags:  manifestFlags(),
		Action: runValidate,
	}
}

func runValidate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if err := downloader.CheckTarget(cfg.Target); err != nil {
		return cli.Exit(err.Error(), ExitInvalidTarget)
	}

	fmt.Fprintf(c.App.Writer, "Manifest OK: %d downloads into %s\n", len(cfg.Downloads), cfg.Target)
	return nil
}
