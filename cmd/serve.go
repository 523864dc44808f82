package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/monitoring"
	"github.com/sells-group/deckeval/internal/service"
	"github.com/sells-group/deckeval/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for deck submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store)

		// Background alerting.
		if cfg.Monitoring.WebhookURL != "" {
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env.Service, env.Store, collector),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown: stop accepting, then drain evaluations.
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
			if err := env.Service.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("service drain", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newRouter builds the HTTP API around the evaluation service.
func newRouter(svc *service.Service, st store.Store, collector *monitoring.Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		snap, err := collector.Collect(req.Context(), 24)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to collect metrics")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Post("/submissions", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			CompanyName string `json:"company_name"`
			Sector      string `json:"sector"`
			Stage       string `json:"stage"`
			FundingAsk  string `json:"funding_ask"`
			FundThesis  string `json:"fund_thesis"`
			DeckText    string `json:"deck_text"`
			PageCount   int    `json:"page_count"`
			Filename    string `json:"filename"`
			NotifyURL   string `json:"notify_url"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		id, err := svc.Submit(req.Context(), model.DeckSubmission{
			CompanyName: body.CompanyName,
			Sector:      body.Sector,
			Stage:       body.Stage,
			FundingAsk:  body.FundingAsk,
			FundThesis:  body.FundThesis,
			RawText:     body.DeckText,
			PageCount:   body.PageCount,
			Filename:    body.Filename,
			NotifyURL:   body.NotifyURL,
		})
		if err != nil {
			var verr *service.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, verr.Error())
				return
			}
			zap.L().Error("submission failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to accept submission")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": string(model.StatusPending),
		})
	})

	r.Get("/reports", func(w http.ResponseWriter, req *http.Request) {
		filter := store.ReportFilter{
			Status: model.ReportStatus(req.URL.Query().Get("status")),
		}
		if raw := req.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			filter.Limit = limit
		}

		reports, err := st.ListReports(req.Context(), filter)
		if err != nil {
			zap.L().Error("list reports failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list reports")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
	})

	r.Get("/reports/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		report, err := svc.GetReport(req.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "report not found")
		case errors.Is(err, service.ErrNotReady):
			writeError(w, http.StatusConflict, "report not ready")
		case err != nil:
			zap.L().Error("get report failed", zap.String("id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to fetch report")
		default:
			writeJSON(w, http.StatusOK, report)
		}
	})

	r.Get("/reports/{id}/status", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		status, err := svc.GetStatus(req.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "report not found")
		case err != nil:
			zap.L().Error("get status failed", zap.String("id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to fetch status")
		default:
			writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
		}
	})

	r.Delete("/submissions/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if !svc.Cancel(id) {
			writeError(w, http.StatusNotFound, "no evaluation in flight")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
