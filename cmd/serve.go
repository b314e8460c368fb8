package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/checkpoint"
	"github.com/sells-group/research-orchestrator/internal/config"
	"github.com/sells-group/research-orchestrator/internal/events"
	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/monitoring"
	"github.com/sells-group/research-orchestrator/internal/orchestrator"
	"github.com/sells-group/research-orchestrator/internal/phasegraph"
)

var (
	servePort    int
	serveExecute bool
)

// runTracker remembers the outcome of the run executed by serve --execute.
type runTracker struct {
	mu      sync.Mutex
	running bool
	outcome *model.RunOutcome
	err     error
}

func (t *runTracker) snapshot() (bool, *model.RunOutcome, error) {
	if t == nil {
		return false, nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running, t.outcome, t.err
}

func (t *runTracker) finish(out *model.RunOutcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.outcome = out
	t.err = err
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run status, failures, and metrics over HTTP",
	Long:  "Starts the status API. With --execute the configured run is executed in the background while the API reports its progress.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		if serveExecute {
			if err := cfg.Validate("run"); err != nil {
				return err
			}
		}
		g, err := loadGraph()
		if err != nil {
			return err
		}
		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		var (
			tracker *runTracker
			runDone <-chan struct{}
		)
		if serveExecute {
			runCtx, cancelRun := context.WithCancel(ctx)
			defer func() {
				// The store closes only after the run stops writing to it.
				cancelRun()
				<-runDone
			}()
			tracker = &runTracker{running: true}
			runDone = startBackgroundRun(runCtx, cfg, st, newSink(reg), tracker)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(st, g, reg, tracker),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// startBackgroundRun executes the configured run in a goroutine, records its
// outcome in tracker, and sends alerts. The returned channel closes when the
// run has finished.
func startBackgroundRun(ctx context.Context, c *config.Config, st checkpoint.Store, sink events.Sink, tracker *runTracker) <-chan struct{} {
	done := make(chan struct{})
	alerter := monitoring.NewAlerter(c.Monitoring)
	go func() {
		defer close(done)
		out, err := executeRun(ctx, c, st, sink, io.Discard)
		if err != nil {
			zap.L().Error("background run failed", zap.String("run_id", c.Run.ID), zap.Error(err))
		}
		if out != nil {
			alerter.Notify(context.WithoutCancel(ctx), out)
		}
		tracker.finish(out, err)
	}()
	return done
}

// buildRouter mounts the status API. tracker may be nil when no run is
// executing in this process.
func buildRouter(st checkpoint.Store, g *phasegraph.Graph, reg *prometheus.Registry, tracker *runTracker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			report, err := orchestrator.Status(req.Context(), st, g, chi.URLParam(req, "runID"))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, report)
		})

		r.Get("/failures", func(w http.ResponseWriter, req *http.Request) {
			failures, err := orchestrator.Failures(req.Context(), st, g, chi.URLParam(req, "runID"))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if failures == nil {
				failures = []model.FailureEntry{}
			}
			writeJSON(w, http.StatusOK, failures)
		})
	})

	r.Get("/execution", func(w http.ResponseWriter, req *http.Request) {
		if tracker == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run executing in this process"})
			return
		}
		running, out, err := tracker.snapshot()
		resp := map[string]any{"running": running}
		if out != nil {
			resp["outcome"] = out
		}
		if err != nil {
			resp["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	zap.L().Error("status api", zap.Error(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveExecute, "execute", false, "execute the configured run in the background")
	rootCmd.AddCommand(serveCmd)
}
