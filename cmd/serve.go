package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
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

	"github.com/sells-group/property-cli/internal/address"
	"github.com/sells-group/property-cli/internal/etl"
	"github.com/sells-group/property-cli/internal/model"
	"github.com/sells-group/property-cli/internal/queue"
	"github.com/sells-group/property-cli/internal/scheduler"
	"github.com/sells-group/property-cli/internal/store"
)

var servePort int

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		q := queue.New(cfg.Worker.PoolSize, cfg.Worker.QueueSize)

		sched := scheduler.New()
		if err := sched.Add("etl", cfg.ETL.Schedule, func(ctx context.Context) error {
			_, err := env.ETL.ProcessPending(ctx)
			return err
		}); err != nil {
			return err
		}
		sched.Start()

		router := buildRouter(serverDeps{
			Store:      env.Store,
			Normalizer: env.Normalizer,
			Ingest:     env.Orchestrator,
			County:     env.Resolver,
			ETL:        env.ETL,
			Queue:      q,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown; the store closes only after the workers drain.
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
			if err := sched.Stop(shutdownCtx); err != nil {
				zap.L().Warn("scheduler shutdown", zap.Error(err))
			}
			if err := q.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("queue shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-drained
			return eris.Wrap(err, "server listen")
		}
		<-drained
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

type ingester interface {
	Run(ctx context.Context, input string) (*model.AcquisitionReport, error)
}

type countyResolver interface {
	Resolve(ctx context.Context, addr model.NormalizedAddress) *model.CountyResolution
}

type etlRunner interface {
	ProcessPending(ctx context.Context) (*model.ETLReport, error)
	ProcessOne(ctx context.Context, id int64) (model.SnapshotStatus, error)
}

type taskQueue interface {
	Submit(name string, fn queue.TaskFunc) (string, error)
}

// serverDeps are the collaborators behind the control endpoints.
type serverDeps struct {
	Store      store.Store
	Normalizer address.Normalizer
	Ingest     ingester
	County     countyResolver
	ETL        etlRunner
	Queue      taskQueue
}

type scrapeRequest struct {
	Addresses []string `json:"addresses"`
}

type acceptedAddress struct {
	Address string `json:"address"`
	TaskID  string `json:"task_id"`
}

type rejectedAddress struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

type scrapeResponse struct {
	Accepted []acceptedAddress `json:"accepted"`
	Rejected []rejectedAddress `json:"rejected"`
}

type countyResponse struct {
	Input      string                   `json:"input,omitempty"`
	Address    *model.NormalizedAddress `json:"address"`
	Resolution *model.CountyResolution  `json:"resolution"`
	Error      string                   `json:"error,omitempty"`
}

type propertyResponse struct {
	Property   *model.Property         `json:"property"`
	Attributes []model.AttributeRecord `json:"attributes"`
	Valuations []model.Valuation       `json:"valuations"`
}

func buildRouter(d serverDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/scrape", func(w http.ResponseWriter, r *http.Request) {
		var req scrapeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Addresses) == 0 {
			writeError(w, http.StatusBadRequest, "addresses is required")
			return
		}

		resp := scrapeResponse{Accepted: []acceptedAddress{}, Rejected: []rejectedAddress{}}
		for _, raw := range req.Addresses {
			input := strings.TrimSpace(raw)
			if input == "" {
				resp.Rejected = append(resp.Rejected, rejectedAddress{Address: raw, Reason: "empty address"})
				continue
			}
			if d.Ingest == nil {
				resp.Rejected = append(resp.Rejected, rejectedAddress{Address: input, Reason: "acquisition not configured"})
				continue
			}
			id, err := d.Queue.Submit("scrape", func(ctx context.Context) error {
				report, err := d.Ingest.Run(ctx, input)
				if err != nil {
					return err
				}
				zap.L().Info("scrape complete",
					zap.String("canonical", report.CanonicalAddress),
					zap.Int("ingested", report.Count(model.OutcomeIngested)),
					zap.Int("source_errors", report.Count(model.OutcomeSourceError)),
				)
				return nil
			})
			if err != nil {
				resp.Rejected = append(resp.Rejected, rejectedAddress{Address: input, Reason: err.Error()})
				continue
			}
			resp.Accepted = append(resp.Accepted, acceptedAddress{Address: input, TaskID: id})
		}
		writeJSON(w, http.StatusAccepted, resp)
	})

	r.Post("/scrape-county", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address string `json:"address"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Address) == "" {
			writeError(w, http.StatusBadRequest, "address is required")
			return
		}
		if d.Normalizer == nil || d.County == nil {
			writeError(w, http.StatusServiceUnavailable, "county resolution not configured")
			return
		}

		addr, err := d.Normalizer.Normalize(r.Context(), req.Address)
		if err != nil {
			if errors.Is(err, address.ErrInvalidAddress) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			zap.L().Error("normalize address", zap.String("address", req.Address), zap.Error(err))
			writeError(w, http.StatusBadGateway, "address normalization failed")
			return
		}
		writeJSON(w, http.StatusOK, countyResponse{Address: addr, Resolution: d.County.Resolve(r.Context(), *addr)})
	})

	r.Post("/run-etl", func(w http.ResponseWriter, _ *http.Request) {
		if d.ETL == nil {
			writeError(w, http.StatusServiceUnavailable, "etl not configured")
			return
		}
		id, err := d.Queue.Submit("etl", func(ctx context.Context) error {
			_, err := d.ETL.ProcessPending(ctx)
			return err
		})
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "task_id": id})
	})

	r.Get("/properties/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		ctx := r.Context()
		p, err := d.Store.GetProperty(ctx, id)
		if err != nil {
			internalError(w, "get property", err)
			return
		}
		if p == nil {
			writeError(w, http.StatusNotFound, "property not found")
			return
		}
		attrs, err := d.Store.ListAttributeHistory(ctx, id)
		if err != nil {
			internalError(w, "list attribute history", err)
			return
		}
		vals, err := d.Store.ListValuations(ctx, id)
		if err != nil {
			internalError(w, "list valuations", err)
			return
		}
		writeJSON(w, http.StatusOK, propertyResponse{Property: p, Attributes: attrs, Valuations: vals})
	})

	r.Get("/snapshots/stats", func(w http.ResponseWriter, r *http.Request) {
		counts, err := d.Store.CountSnapshotsByStatus(r.Context())
		if err != nil {
			internalError(w, "count snapshots", err)
			return
		}
		writeJSON(w, http.StatusOK, statusCounts(counts))
	})

	r.Post("/snapshots/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if d.ETL == nil {
			writeError(w, http.StatusServiceUnavailable, "etl not configured")
			return
		}
		snap, err := d.Store.GetSnapshot(r.Context(), id)
		if err != nil {
			internalError(w, "get snapshot", err)
			return
		}
		if snap == nil {
			writeError(w, http.StatusNotFound, "snapshot not found")
			return
		}

		status, err := d.ETL.ProcessOne(r.Context(), id)
		switch {
		case errors.Is(err, etl.ErrNotPending):
			writeError(w, http.StatusConflict, "snapshot is not pending")
		case err != nil:
			internalError(w, "process snapshot", err)
		default:
			writeJSON(w, http.StatusOK, map[string]any{"snapshot_id": id, "status": status})
		}
	})

	return r
}

// statusCounts reports every status, including those with no snapshots.
func statusCounts(counts map[model.SnapshotStatus]int) map[string]int {
	out := map[string]int{
		string(model.SnapshotPending):   0,
		string(model.SnapshotProcessed): 0,
		string(model.SnapshotError):     0,
	}
	for k, v := range counts {
		out[string(k)] = v
	}
	return out
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func internalError(w http.ResponseWriter, action string, err error) {
	zap.L().Error("serve: "+action, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
