package main

import (
	"fmt"

	"github.com/maestro-run/maestro/pkg/config"
)

// ValidateCmd validates a configuration file and reports what it defines.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	fmt.Printf("%s is valid\n", cli.Config)
	fmt.Printf("  agents:    %d\n", len(cfg.Agents))
	fmt.Printf("  mcp:       %d\n", len(cfg.MCP))
	fmt.Printf("  intents:   %d\n", len(cfg.Intents))
	fmt.Printf("  pipelines: %d\n", len(cfg.Pipelines))
	fmt.Printf("  storage:   %s\n", cfg.Storage.Backend)
	return nil
}
