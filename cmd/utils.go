package cmd

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/soukhq/souk/pkg/config"
	"github.com/soukhq/souk/pkg/log"
)

// loadConfig reads the config named by the global --config flag and honors
// the global --debug flag.
func loadConfig(c *cli.Command) (*config.Config, error) {
	if c.Bool("debug") {
		log.SetGlobalDebug(true)
	}
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
