package s3ui

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fujiwara/ridge"
	"github.com/gorilla/mux"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"
)

// AppOption contains app-level settings shared by every command.
type AppOption struct {
	ConnFile string `help:"path to the storage connection settings file" default:"s3_config.json" env:"S3UI_CONN_FILE"`
}

// App wires the console HTTP API and the polling loop around a shared policy
// store and storage connection. Both sides observe policy and connection
// edits on their next read; nothing is cached across requests or cycles
// except the verified S3 client.
type App struct {
	router   *mux.Router
	policies PolicyStore
	conns    *ConnStore
	provider *S3Provider
	notifier Notifier
	poller   *Poller
}

// New assembles an App from its dependencies.
func New(opt AppOption, policies PolicyStore, notifier Notifier, pollOpt PollOption) (*App, error) {
	conns := NewConnStore(opt.ConnFile)
	provider := NewS3Provider(conns)
	app := &App{
		router:   mux.NewRouter(),
		policies: policies,
		conns:    conns,
		provider: provider,
		notifier: notifier,
		poller:   NewPoller(policies, provider, notifier, pollOpt),
	}
	app.setupRoute()
	return app, nil
}

// SetDeliveryRules attaches compiled delivery rules to the poller.
func (app *App) SetDeliveryRules(rules *RulesConfig, env *CELEnv) {
	app.poller.WithRules(rules, env)
}

func isLambda() bool {
	return os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" ||
		os.Getenv("AWS_EXECUTION_ENV") == "AWS_Lambda"
}

// Serve runs the console server and the polling loop until the context is
// cancelled. On Lambda only the console runs; the loop needs a long-lived
// process.
func (app *App) Serve(ctx context.Context, opt ServeOption) error {
	eg, egCtx := errgroup.WithContext(ctx)
	if isLambda() {
		slog.InfoContext(ctx, "running on lambda, polling loop disabled")
	} else {
		eg.Go(func() error {
			return app.poller.Run(egCtx)
		})
	}
	eg.Go(func() error {
		addr := fmt.Sprintf(":%d", opt.Port)
		slog.InfoContext(egCtx, "starting console server", "address", addr)
		ridge.RunWithContext(egCtx, addr, "/", app)
		return nil
	})
	return eg.Wait()
}

// Poll runs only the polling loop, without the console server.
func (app *App) Poll(ctx context.Context, _ PollCommandOption) error {
	return app.poller.Run(ctx)
}

// List prints the buckets on the connected storage together with their
// notification settings.
func (app *App) List(ctx context.Context, opt ListOption) error {
	w := opt.Output
	if w == nil {
		w = io.Writer(os.Stdout)
	}
	client, err := app.provider.Client(ctx)
	if err != nil {
		return err
	}
	buckets, err := client.ListBuckets(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	policies, err := app.policies.Load(ctx)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header("Bucket", "Created At", "Notifications", "Webhook URL")
	for _, bucket := range buckets {
		monitoring := "off"
		webhookURL := "-"
		if policy, ok := policies[bucket.Name]; ok {
			if policy.Enabled {
				monitoring = "on"
			} else {
				monitoring = "paused"
			}
			webhookURL = policy.WebhookURL
		}
		if err := table.Append([]string{
			bucket.Name,
			bucket.CreatedAt.Format(time.RFC3339),
			monitoring,
			webhookURL,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// ServeHTTP implements http.Handler for ridge and for tests.
func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	app.router.ServeHTTP(w, r)
}
