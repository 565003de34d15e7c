package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gibaragibara/nezha-dash-v1/internal/alerts"
	"github.com/gibaragibara/nezha-dash-v1/internal/config"
	"github.com/gibaragibara/nezha-dash-v1/internal/db"
	"github.com/gibaragibara/nezha-dash-v1/internal/live"
	"github.com/gibaragibara/nezha-dash-v1/internal/normalize"
	"github.com/gibaragibara/nezha-dash-v1/internal/notifier"
	"github.com/gibaragibara/nezha-dash-v1/internal/recorder"
	"github.com/gibaragibara/nezha-dash-v1/internal/retention"
	"github.com/gibaragibara/nezha-dash-v1/internal/rpc"
	"github.com/gibaragibara/nezha-dash-v1/internal/settings"
	"github.com/gibaragibara/nezha-dash-v1/internal/web"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	db     *db.Repository
	caller rpc.Caller
	nodes  *normalize.NodeCache

	sync       *live.Synchronizer
	supervisor *live.Supervisor
	recorder   *recorder.Recorder
	alerts     *alerts.Engine
	retention  *retention.Service
	web        *web.Server

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	sqldb, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqldb); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	repo := db.NewRepository(sqldb)

	schema, err := normalize.SchemaByName(cfg.StatusSchema)
	if err != nil {
		_ = sqldb.Close()
		return nil, err
	}

	var caller rpc.Caller
	switch cfg.BackendTransport {
	case "ws":
		caller = rpc.NewWSClient(rpc.Endpoint(cfg.BackendURL, "ws"), cfg.BackendAPIKey, cfg.CallTimeout, logger.With("module", "rpc"))
	default:
		caller = rpc.NewHTTPClient(rpc.Endpoint(cfg.BackendURL, "http"), cfg.BackendAPIKey, cfg.CallTimeout)
	}
	src := rpc.NewStatusSource(caller)
	nodes := normalize.NewNodeCache(src, cfg.NodesTTL)

	hub := live.NewHub()
	syncer := live.NewSynchronizer(src, normalize.New(schema, nodes), hub, live.Options{
		Interval:    cfg.PollInterval,
		HistorySize: cfg.HistorySize,
		MaxFailures: cfg.MaxFailures,
	}, logger.With("module", "sync"))

	token, chatID, err := repo.LoadTelegramSettings(context.Background())
	if err != nil {
		logger.Warn("load telegram settings failed", "err", err)
	}
	if token == "" {
		token = cfg.TelegramBotToken
	}
	if chatID == "" {
		chatID = cfg.TelegramChatID
	}
	n := notifier.NewTelegram(token, chatID)

	w := web.NewServer(web.Deps{
		Hub:            hub,
		Sync:           syncer,
		Nodes:          nodes,
		Backend:        src,
		Repo:           repo,
		Settings:       settings.NewStore(repo, logger.With("module", "settings")),
		Notify:         n,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger.With("module", "web"))

	app := &App{
		cfg:        cfg,
		log:        logger,
		db:         repo,
		caller:     caller,
		nodes:      nodes,
		sync:       syncer,
		supervisor: live.NewSupervisor(hub, cfg.ReconnectAttempts, cfg.ReconnectInterval, logger.With("module", "supervisor")),
		recorder:   recorder.New(hub, repo, logger.With("module", "recorder")),
		alerts:     alerts.NewEngine(repo, n, hub, logger.With("module", "alerts")),
		retention:  retention.NewService(repo, cfg.RetentionDays, cfg.RetentionSchedule, logger.With("module", "retention")),
		web:        w,
	}
	app.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           w.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app, nil
}

// Run blocks until ctx is cancelled or a component fails, then shuts the
// HTTP server down and releases the backend connection and the database.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return a.sync.Run(gCtx) })
	g.Go(func() error { return a.supervisor.Run(gCtx) })
	g.Go(func() error { return a.recorder.Run(gCtx) })
	g.Go(func() error { return a.retention.Run(gCtx) })
	g.Go(func() error { return a.refreshNodes(gCtx) })
	g.Go(func() error { return a.evaluateRules(gCtx) })

	err := g.Wait()
	if c, ok := a.caller.(io.Closer); ok {
		_ = c.Close()
	}
	if cerr := a.db.DB().Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *App) refreshNodes(ctx context.Context) error {
	ticker := time.NewTicker(a.nodes.TTL())
	defer ticker.Stop()

	// Immediate first run
	if err := a.nodes.Refresh(ctx); err != nil {
		a.log.Warn("node list refresh failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.nodes.RefreshIfStale(ctx); err != nil {
				a.log.Warn("node list refresh failed", "err", err)
			}
		}
	}
}

func (a *App) evaluateRules(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.RulesInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.alerts.Evaluate(ctx)
		}
	}
}
