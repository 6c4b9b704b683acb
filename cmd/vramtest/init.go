package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/vramtest/fixtures"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "Write a commented config file",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing file",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				path = "config.yaml"
			}
			flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			if !c.Bool("force") {
				flags |= os.O_EXCL
			}
			f, err := os.OpenFile(path, flags, 0o644)
			if err != nil {
				return errors.Wrap(err, "create config")
			}
			if _, err := f.Write(fixtures.ConfigTemplate); err != nil {
				f.Close()
				return errors.Wrap(err, "write config")
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Config written to %s\n", path)
			return nil
		},
	}
}
