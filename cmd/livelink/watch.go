package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lightforgemedia/go-livelink/internal/config"
	"github.com/lightforgemedia/go-livelink/internal/logging"
	"github.com/lightforgemedia/go-livelink/pkg/connection"
	"github.com/lightforgemedia/go-livelink/pkg/coordinator"
	"github.com/lightforgemedia/go-livelink/pkg/envelope"
	"github.com/lightforgemedia/go-livelink/pkg/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func watchCmd(opts *rootOptions) *cobra.Command {
	var (
		sessions []string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream connectivity and session changes until interrupted",
		Long: `Connect to the backend and print every connectivity change and every
session snapshot as it changes. When metrics.listen is configured, the
Prometheus metrics are served on /metrics and a health summary on
/healthz. With --config, edits to the file change the log level without
a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := coordinator.New(cfg.URL, cfg.CoordinatorOptions(logger))
			defer c.Close()

			p := &printer{out: opts.out, json: asJSON}
			defer c.OnConnectivityChange(p.connectivity)()
			defer c.SubscribeSessions(p.session)()
			for _, id := range sessions {
				if _, err := c.TrackSession(id, ""); err != nil {
					return err
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			c.Start(gctx)

			if cfg.Metrics.Listen != "" {
				srv := newMetricsServer(cfg.Metrics.Listen, c)
				g.Go(func() error {
					logger.Info("metrics: listening", "addr", cfg.Metrics.Listen)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}
			if opts.configPath != "" {
				g.Go(func() error {
					err := config.Watch(gctx, opts.configPath, logger, func(next config.Config) {
						level, _ := logging.ParseLevel(next.Log.Level)
						if level != opts.level.Level() {
							opts.level.Set(level)
							logger.Info("log level changed", "level", level.String())
						}
					}, opts.flagOverrides)
					if err != nil {
						logger.Warn("config reload disabled", "error", err)
					}
					return nil
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				c.Stop()
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringSliceVarP(&sessions, "session", "s", nil, "session ids to track from the start (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per line")
	return cmd
}

func newMetricsServer(addr string, c *coordinator.Coordinator) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           metricsRouter(c),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func metricsRouter(c *coordinator.Coordinator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := c.ConnectivityState()
		w.Header().Set("Content-Type", "application/json")
		if state != connection.StateOpen {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health{
			Connectivity: state.String(),
			Sessions:     len(c.ListSessions()),
			Pending:      c.PendingRequests(),
		})
	})
	return r
}

type health struct {
	Connectivity string `json:"connectivity"`
	Sessions     int    `json:"sessions"`
	Pending      int    `json:"pending"`
}

// printer serializes output from the dispatch and subscriber goroutines.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
}

type line struct {
	Event        string           `json:"event"`
	Connectivity string           `json:"connectivity,omitempty"`
	Error        string           `json:"error,omitempty"`
	Session      *session.Session `json:"session,omitempty"`
}

func (p *printer) connectivity(ev envelope.ConnectionChange) {
	l := line{Event: "connectivity", Connectivity: ev.State}
	if ev.Err != nil {
		l.Error = ev.Err.Error()
	}
	p.print(l, func() string {
		if l.Error != "" {
			return fmt.Sprintf("connection %s: %s", ev.State, l.Error)
		}
		return "connection " + ev.State
	})
}

func (p *printer) session(s session.Session) {
	p.print(line{Event: "session", Session: &s}, func() string {
		text := fmt.Sprintf("session %s #%d %s", s.ID, s.Seq, s.Status)
		switch {
		case s.PairingPayload != "":
			text += " pairing=" + s.PairingPayload
		case s.Detail != "":
			text += " detail=" + s.Detail
		}
		return text
	})
}

func (p *printer) print(l line, text func() string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		_ = json.NewEncoder(p.out).Encode(l)
		return
	}
	fmt.Fprintln(p.out, text())
}
