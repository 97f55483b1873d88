package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/metrics"
	"github.com/rendis/taskflow/internal/notify"
	"github.com/rendis/taskflow/internal/scheduler"
	"github.com/rendis/taskflow/internal/secrets"
	"github.com/rendis/taskflow/internal/service"
	"github.com/rendis/taskflow/internal/validation"
	taskflowmcp "github.com/rendis/taskflow/pkg/mcp"
)

type serveOptions struct {
	workflows []string
	owner     string
	noMCP     bool
}

func newServeCmd(a *app) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine",
		Long: `Serve runs the queue dispatcher, the trigger processor and the ops HTTP
endpoint, and speaks MCP over stdio. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.workflows, "workflows", nil, "workflow definition files or directories to register at startup")
	cmd.Flags().StringVar(&opts.owner, "owner", "default", "tenant owning the --workflows definitions")
	cmd.Flags().BoolVar(&opts.noMCP, "no-mcp", false, "run headless without the MCP stdio transport")
	return cmd
}

func (a *app) serve(ctx context.Context, opts serveOptions) error {
	logger := a.logger

	shutdownTracing, err := metrics.InitTracing(ctx, a.tracingConfig(), "taskflow", version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces failed", "error", err)
		}
	}()

	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	q, closeQueue, err := a.openQueue(ctx, s)
	if err != nil {
		return err
	}
	defer closeQueue()

	execs := executors.NewRegistry()
	if err := executors.RegisterBuiltins(execs, a.httpConfig()); err != nil {
		return err
	}

	aes, err := a.openVault(s)
	if err != nil {
		return err
	}
	var (
		vault    secrets.Vault
		resolver secrets.Resolver
	)
	if aes != nil {
		vault, resolver = aes, aes
	}

	sessions := taskflowmcp.NewSessionRegistry()
	push := taskflowmcp.NewMCPNotifier(sessions)
	notifier := notify.NewAsync(notify.Multi{notify.NewLogNotifier(logger), push}, logger, 0)
	defer notifier.Wait()

	orch, err := engine.New(engine.Config{
		Store:              s,
		Queue:              q,
		Executors:          execs,
		Secrets:            resolver,
		Notifier:           notifier,
		Metrics:            m,
		Logger:             logger,
		CircuitBreaker:     a.breakerConfig(),
		LeaseRenewInterval: a.leaseRenewInterval(),
	})
	if err != nil {
		return err
	}
	validator, err := validation.NewWorkflowValidator(execs)
	if err != nil {
		return err
	}
	svc, err := service.New(service.Config{
		Store:     s,
		Engine:    orch,
		Validator: validator,
		Vault:     vault,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if n, err := orch.RecoverOrphans(ctx); err != nil {
		return err
	} else if n > 0 {
		logger.Info("recovered executions", "count", n)
	}
	if err := a.registerWorkflows(ctx, svc, opts); err != nil {
		return err
	}

	triggers := scheduler.NewTriggerProcessor(scheduler.Config{
		Store:        s,
		Starter:      orch,
		PollInterval: a.cfg.Scheduler.PollInterval,
		Metrics:      m,
		Logger:       logger,
	})
	dispatcher := engine.NewDispatcher(q, orch, engine.DispatcherConfig{
		Workers:         a.cfg.Workers,
		RecoverInterval: a.cfg.Queue.VisibilityTimeout,
		Metrics:         m,
		Logger:          logger,
	})
	mcpServer := taskflowmcp.NewTaskflowServer(taskflowmcp.ServerDeps{
		Service:  svc,
		Sessions: sessions,
		Notifier: push,
		Version:  version,
		Logger:   logger,
	})
	a.watchConfig()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runOpsServer(gctx, newOpsServer(s.DB(), m.Handler()), a.cfg.MetricsAddr)
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		if err := triggers.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		triggers.Stop()
		return nil
	})
	if !opts.noMCP {
		// The client closing stdin ends the process.
		g.Go(func() error {
			err := mcpServer.Serve(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err == nil {
				err = errStdinClosed
			}
			return err
		})
	}

	logger.Info("taskflow serving",
		"version", version,
		"queue", a.cfg.Queue.Backend,
		"workers", a.cfg.Workers,
		"metrics_addr", a.cfg.MetricsAddr,
		"mcp", !opts.noMCP,
		"tracing", a.cfg.Tracing.Enabled,
	)
	err = g.Wait()
	if errors.Is(err, errStdinClosed) {
		err = nil
	}
	logger.Info("taskflow stopped")
	return err
}

var errStdinClosed = errors.New("mcp client disconnected")

// registerWorkflows registers the --workflows definitions under the owner.
func (a *app) registerWorkflows(ctx context.Context, svc *service.Service, opts serveOptions) error {
	if len(opts.workflows) == 0 {
		return nil
	}
	defs, err := loadDefinitions(opts.workflows)
	if err != nil {
		return err
	}
	ctx = logging.WithUserID(ctx, opts.owner)
	for _, d := range defs {
		wf, err := svc.RegisterWorkflow(ctx, opts.owner, d.Definition)
		if err != nil {
			return err
		}
		logging.LogWith(ctx, a.logger).Info("workflow registered", "file", d.Path, "workflow_id", wf.ID, "version", wf.Version)
	}
	return nil
}

// watchConfig applies log level changes from the config file while serving
// and reports changes that need a restart.
func (a *app) watchConfig() {
	if a.v.ConfigFileUsed() == "" {
		return
	}
	current := a.cfg
	a.v.OnConfigChange(func(ev fsnotify.Event) {
		next, err := loadConfig(a.v)
		if err != nil {
			a.logger.Warn("config reload rejected", "file", ev.Name, "error", err)
			return
		}
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			if lvl, err := logging.ParseLevel(next.LogLevel); err == nil {
				a.level.Set(lvl)
				a.logger.Info("log level changed", "level", next.LogLevel)
			}
		}
		if len(d.RestartNeeded) > 0 {
			a.logger.Warn("config changes need a restart", "keys", d.RestartNeeded)
		}
		current = next
	})
	a.v.WatchConfig()
}
