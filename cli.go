package s3ui

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/mashiike/slogutils"
)

// CLI is the command-line interface for s3ui.
//
// Use the Run method to execute the CLI:
//
//	var cli s3ui.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// Available commands:
//   - serve: Start the console server and the polling loop (default)
//   - poll: Run only the polling loop
//   - list: List buckets and their notification settings
//   - validate: Validate a delivery rules file
type CLI struct {
	LogLevel    string           `help:"log level" default:"info" env:"S3UI_LOG_LEVEL"`
	LogFormat   string           `help:"log format" default:"text" enum:"text,json" env:"S3UI_LOG_FORMAT"`
	LogColor    bool             `help:"enable color output" default:"true" env:"S3UI_LOG_COLOR" negatable:""`
	Version     kong.VersionFlag `help:"show version"`
	Store       StoreOption      `embed:"" prefix:"store-"`
	Notifier    NotifierOption   `embed:"" prefix:"notifier-"`
	Polling     PollOption       `embed:"" prefix:"poll-"`
	RulesConfig string           `name:"rules-config" help:"path to delivery rules configuration file" env:"S3UI_RULES_CONFIG"`
	AppOption   `embed:""`

	Serve    ServeOption       `cmd:"" help:"serve the management console and run the polling loop" default:"true"`
	Poll     PollCommandOption `cmd:"" help:"run only the polling loop, without the console"`
	List     ListOption        `cmd:"" help:"list buckets and their notification settings"`
	Validate ValidateOption    `cmd:"" help:"validate a delivery rules configuration file"`
}

// ServeOption contains options for the serve command.
type ServeOption struct {
	Port int `help:"console httpd port" default:"8080" env:"S3UI_PORT"`
}

// PollCommandOption contains options for the poll command.
type PollCommandOption struct {
}

// ListOption contains options for the list command.
type ListOption struct {
	Output io.Writer `kong:"-"`
}

// ValidateOption contains options for the validate command.
type ValidateOption struct {
	RulesConfig string `arg:"" name:"config-file" optional:"" help:"path to delivery rules configuration file (overrides --rules-config)"`
}

// Run parses command-line arguments and executes the appropriate command.
// Returns 0 on success, 1 on error.
func (c *CLI) Run(ctx context.Context) int {
	k := kong.Parse(c,
		kong.Name("s3ui"),
		kong.Description("s3ui is a management console and change notifier for S3 compatible storage."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
	)
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(c.LogLevel)); err != nil {
		k.Fatalf("invalid log level: %s", c.LogLevel)
	}
	logger := newLogger(logLevel, c.LogFormat, c.LogColor)
	slog.SetDefault(logger)
	if err := c.run(ctx, k); err != nil {
		slog.Error("runtime error", "details", err)
		return 1
	}
	return 0
}

func (c *CLI) run(ctx context.Context, k *kong.Context) error {
	cmd := k.Command()
	if cmd == "version" {
		fmt.Printf("s3ui version %s\n", Version)
		return nil
	}
	// validate command doesn't need App initialization
	if cmd == "validate" || cmd == "validate <config-file>" {
		return c.runValidate(ctx)
	}
	app, err := c.newApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	switch cmd {
	case "serve", "":
		return app.Serve(ctx, c.Serve)
	case "poll":
		return app.Poll(ctx, c.Poll)
	case "list":
		return app.List(ctx, c.List)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (c *CLI) runValidate(ctx context.Context) error {
	configPath := c.Validate.RulesConfig
	if configPath == "" {
		configPath = c.RulesConfig
	}
	if configPath == "" {
		return fmt.Errorf("no configuration file specified; use --rules-config or provide a path as argument")
	}

	env, err := NewCELEnv()
	if err != nil {
		return fmt.Errorf("create CEL environment: %w", err)
	}

	slog.InfoContext(ctx, "validating delivery rules", "path", configPath)
	cfg, err := LoadRulesConfig(configPath, env)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	for i, rule := range cfg.Rules {
		slog.InfoContext(ctx, "rule validated",
			"index", i,
			"when", rule.When.Raw(),
			"skip", rule.Skip,
			"webhook_url_is_expr", rule.WebhookURL.IsExpr(),
		)
	}

	fmt.Println("✓ Configuration is valid")
	return nil
}

func (c *CLI) newApp(ctx context.Context) (*App, error) {
	policies, err := NewPolicyStore(ctx, c.Store)
	if err != nil {
		return nil, fmt.Errorf("create policy store: %w", err)
	}
	notifier, err := NewNotifier(ctx, c.Notifier)
	if err != nil {
		return nil, fmt.Errorf("create notifier: %w", err)
	}
	app, err := New(c.AppOption, policies, notifier, c.Polling)
	if err != nil {
		return nil, err
	}
	if c.RulesConfig != "" {
		env, err := NewCELEnv()
		if err != nil {
			return nil, fmt.Errorf("create CEL environment: %w", err)
		}
		rules, err := LoadRulesConfig(c.RulesConfig, env)
		if err != nil {
			return nil, fmt.Errorf("load delivery rules: %w", err)
		}
		app.SetDeliveryRules(rules, env)
		slog.InfoContext(ctx, "delivery rules enabled", "config", c.RulesConfig, "rules", len(rules.Rules))
	}
	return app, nil
}

func newLogger(level slog.Level, format string, c bool) *slog.Logger {
	var f func(io.Writer, *slog.HandlerOptions) slog.Handler
	switch format {
	case "json":
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewJSONHandler(w, ho)
		}
	default:
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewTextHandler(w, ho)
		}
	}
	var modifierFuncs map[slog.Level]slogutils.ModifierFunc
	if c {
		modifierFuncs = map[slog.Level]slogutils.ModifierFunc{
			slog.LevelDebug: slogutils.Color(color.FgBlack),
			slog.LevelInfo:  nil,
			slog.LevelWarn:  slogutils.Color(color.FgYellow),
			slog.LevelError: slogutils.Color(color.FgRed, color.Bold),
		}
	}
	var addSource bool
	if level == slog.LevelDebug {
		addSource = true
	}
	middleware := slogutils.NewMiddleware(
		f,
		slogutils.MiddlewareOptions{
			Writer:        os.Stderr,
			ModifierFuncs: modifierFuncs,
			HandlerOptions: &slog.HandlerOptions{
				Level:     level,
				AddSource: addSource,
			},
			RecordTransformerFuncs: []slogutils.RecordTransformerFunc{
				slogutils.ConvertLegacyLevel(
					map[string]slog.Level{
						"debug": slog.LevelDebug,
						"info":  slog.LevelInfo,
						"warn":  slog.LevelWarn,
						"error": slog.LevelError,
					},
					true,
				),
			},
		},
	)
	logger := slog.New(middleware)
	return logger
}
