package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/soukhq/souk/pkg/config"
)

// InitCommand creates the init command
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a commented sample configuration file",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing configuration file",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			configPath := c.String("config")

			if _, err := os.Stat(configPath); err == nil && !c.Bool("force") {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
			}

			cfg, err := config.GetDefaultConfig()
			if err != nil {
				return fmt.Errorf("building default config: %w", err)
			}
			if err := cfg.SaveTemplateConfig(configPath); err != nil {
				return fmt.Errorf("writing config template: %w", err)
			}

			fmt.Printf("Wrote %s\n", configPath)
			fmt.Println("Edit api_url to point at your marketplace backend, then run `souk login`.")
			return nil
		},
	}
}
