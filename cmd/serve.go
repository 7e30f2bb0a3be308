package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/member-history/internal/config"
	"github.com/sells-group/member-history/internal/engine"
	"github.com/sells-group/member-history/internal/fetcher"
	"github.com/sells-group/member-history/internal/model"
	"github.com/sells-group/member-history/internal/monitoring"
	"github.com/sells-group/member-history/internal/store"
)

var servePort int

// runRequest is the POST /runs body.
type runRequest struct {
	Feed           string `json:"feed"`
	Format         string `json:"format"`
	ObservedAt     string `json:"observed_at"`
	DryRun         bool   `json:"dry_run"`
	AllowReprocess bool   `json:"allow_reprocess"`
}

// runFunc executes one reconciliation run for a request.
type runFunc func(ctx context.Context, req runRequest) (*engine.Report, error)

var errFeedNotAllowed = eris.New("serve: feed location not allowed")

// newRunFunc runs requests against st. A request may only name the
// configured feed location or one under server.allowed_feeds.
func newRunFunc(c *config.Config, st store.HistoryStore, eng *engine.Engine) runFunc {
	return func(ctx context.Context, req runRequest) (*engine.Report, error) {
		if !feedAllowed(req.Feed, c) {
			return nil, eris.Wrapf(errFeedNotAllowed, "serve: %q", req.Feed)
		}
		src, err := newSource(c, storePool(st), req.Feed, req.Format, req.ObservedAt)
		if err != nil {
			return nil, err
		}
		return eng.Run(ctx, src, engine.RunOpts{
			DryRun:         req.DryRun,
			AllowReprocess: req.AllowReprocess || c.Run.AllowReprocess,
		})
	}
}

// feedAllowed reports whether a requested feed location may be read.
// Empty means the configured feed.location.
func feedAllowed(location string, c *config.Config) bool {
	if location == "" || location == c.Feed.Location {
		return true
	}
	for _, prefix := range c.Server.AllowedFeeds {
		if prefix != "" && underPrefix(location, prefix) {
			return true
		}
	}
	return false
}

// underPrefix compares cleaned paths so ".." cannot climb out of prefix.
// URLs must also match scheme and host.
func underPrefix(location, prefix string) bool {
	if fetcher.Scheme(location) == "" && fetcher.Scheme(prefix) == "" {
		return withinPath(filepath.Clean(location), filepath.Clean(prefix), string(filepath.Separator))
	}
	lu, err := url.Parse(location)
	if err != nil {
		return false
	}
	pu, err := url.Parse(prefix)
	if err != nil {
		return false
	}
	if !strings.EqualFold(lu.Scheme, pu.Scheme) || !strings.EqualFold(lu.Host, pu.Host) {
		return false
	}
	return withinPath(path.Clean("/"+lu.Path), path.Clean("/"+pu.Path), "/")
}

func withinPath(p, prefix, sep string) bool {
	if p == prefix || prefix == sep {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(prefix, sep)+sep)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run-trigger server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.CheckSchema(ctx); err != nil {
			return err
		}

		eng, err := newEngine(cfg, st)
		if err != nil {
			return err
		}
		run := newRunFunc(cfg, st, eng)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(run, st, cfg.Server.CORSOrigins, cfg.Monitoring.LookbackWindowHours),
			ReadHeaderTimeout: 10 * time.Second,
		}

		if cfg.Monitoring.Enabled {
			collector := monitoring.NewCollector(st)
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter wires the HTTP routes. Runs execute synchronously in the
// request; the store run lock rejects overlapping requests.
func buildRouter(run runFunc, syncs monitoring.SyncLister, corsOrigins []string, lookbackHours int) http.Handler {
	collector := monitoring.NewCollector(syncs)
	if lookbackHours <= 0 {
		lookbackHours = 24
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/runs", func(w http.ResponseWriter, req *http.Request) {
		var body runRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		report, err := run(req.Context(), body)
		if err != nil {
			status := runErrorStatus(err)
			if status == http.StatusInternalServerError {
				zap.L().Error("run request failed", zap.String("feed", body.Feed), zap.Error(err))
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		filter := store.SyncFilter{Status: model.SyncStatus(req.URL.Query().Get("status"))}
		if v := req.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			filter.Limit = n
		}

		entries, err := syncs.ListSyncs(req.Context(), filter)
		if err != nil {
			zap.L().Error("list runs failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list runs failed")
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		hours := lookbackHours
		if v := req.URL.Query().Get("lookback_hours"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "lookback_hours must be a positive integer")
				return
			}
			hours = n
		}

		snap, err := collector.Collect(req.Context(), hours)
		if err != nil {
			zap.L().Error("collect metrics failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "collect metrics failed")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	return r
}

// runErrorStatus maps a run error to an HTTP status.
func runErrorStatus(err error) int {
	var (
		di *model.DataIntegrityError
		sm *model.SchemaMismatchError
	)
	switch {
	case errors.Is(err, errFeedNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, store.ErrRunInProgress), errors.Is(err, engine.ErrSnapshotProcessed):
		return http.StatusConflict
	case errors.As(err, &di), errors.As(err, &sm):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
