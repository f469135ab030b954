// Command maestro runs the orchestration runtime.
//
// Usage:
//
//	maestro serve --config config.yaml
//	maestro chat --config config.yaml "hello"
//	maestro validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/llms"
	"github.com/maestro-run/maestro/pkg/logger"
	"github.com/maestro-run/maestro/pkg/observability"
	"github.com/maestro-run/maestro/pkg/router"
	"github.com/maestro-run/maestro/pkg/runtime"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Chat     ChatCmd     `cmd:"" help:"Chat with the configured agents from the terminal."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Print the configuration JSON schema."`

	Config   string `short:"c" help:"Path to config file." default:"maestro.yaml" type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("maestro %s\n", version)
	return nil
}

// loadConfig reads the config file and applies the CLI log level.
func (cli *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	logger.Init(logger.ParseLevel(level), os.Stderr)
	return cfg, nil
}

// buildEngine assembles the runtime shared by serve and chat.
func buildEngine(ctx context.Context, cfg *config.Config, semantic bool) (*runtime.Engine, error) {
	if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:      cfg.Tracing.Enabled,
		ExporterType: cfg.Tracing.ExporterType,
		EndpointURL:  cfg.Tracing.EndpointURL,
		SamplingRate: cfg.Tracing.SamplingRate,
		ServiceName:  "maestro",
	}); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	providers := llms.NewRegistry()
	openai := llms.NewOpenAIProvider(llms.OpenAIConfig{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
	})
	if err := providers.RegisterProvider(openai); err != nil {
		return nil, err
	}

	opts := []runtime.Option{runtime.WithMetrics(observability.NewMetrics())}
	if semantic {
		opts = append(opts, runtime.WithSemanticMatcher(router.NewChromemMatcher(nil)))
	}
	return runtime.New(ctx, cfg, providers, opts...)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("maestro"),
		kong.Description("Multi-agent orchestration runtime"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
