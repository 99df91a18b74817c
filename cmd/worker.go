package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/civicsense/reportgen/internal/queue"
)

var workerPort int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume report jobs from the queue",
	Long:  "Attaches to the durable queue consumer, executes report generation jobs, sweeps expired audit logs, and serves health and status endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		consumer := queue.NewConsumer(queue.Config{
			URL:          cfg.Queue.URL,
			Stream:       cfg.Queue.Stream,
			Subject:      cfg.Queue.Subject,
			ConsumerName: cfg.Queue.ConsumerName,
			MaxDeliver:   cfg.Queue.MaxDeliver,
		}, env.Runner)

		port := workerPort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: statusRouter(env),
		}

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return consumer.Start(ctx)
		})

		g.Go(func() error {
			zap.L().Info("status server listening", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "status server listen")
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			sweepAudits(ctx, env)
			return nil
		})

		return g.Wait()
	},
}

// statusRouter exposes worker health and pipeline activity.
func statusRouter(env *runEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		window := 24 * time.Hour
		if raw := req.URL.Query().Get("window"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid window"})
				return
			}
			window = d
		}
		snap, err := env.Collector.Snapshot(req.Context(), window)
		if err != nil {
			zap.L().Error("status snapshot failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot failed"})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Get("/reports/{reportID}", func(w http.ResponseWriter, req *http.Request) {
		st, err := env.Store.GetState(req.Context(), chi.URLParam(req, "reportID"))
		if err != nil {
			zap.L().Error("state lookup failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
			return
		}
		if st == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown report"})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sweepAudits periodically deletes audit logs past their TTL backstop.
func sweepAudits(ctx context.Context, env *runEnv) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := env.Store.DeleteExpiredAudits(ctx)
			if err != nil {
				zap.L().Warn("audit sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("swept expired audit logs", zap.Int("deleted", n))
			}
		}
	}
}

func init() {
	workerCmd.Flags().IntVar(&workerPort, "port", 0, "status server port (default from config)")
	rootCmd.AddCommand(workerCmd)
}
