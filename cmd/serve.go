package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/model"
	"github.com/courtdata/pipeline-cli/internal/orchestrate"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive completion events and dispatch downstream phases",
	Long:  "Runs the webhook receiver: producers POST completion events, the dispatcher accumulates them in the state store, and complete phases trigger their downstream phase in-process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var env *pipelineEnv
		// Completion events from in-process runs loop back through the
		// same dispatcher the webhook uses.
		emit := func(ctx context.Context, ev model.PhaseCompletionEvent) error {
			_, err := env.dispatcher().HandleCompletion(ctx, ev)
			return err
		}

		env, err := initEnv(ctx, emit)
		if err != nil {
			return err
		}
		defer env.Close()
		if err := env.openStore(ctx); err != nil {
			return err
		}

		go env.notifier.Run(ctx)

		router := chi.NewRouter()
		router.Use(middleware.Recoverer)

		router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		router.Post("/events/completion", func(w http.ResponseWriter, r *http.Request) {
			var ev model.PhaseCompletionEvent
			if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event body"})
				return
			}
			if ev.PhaseID == "" || ev.ProcessorID == "" || ev.TargetDate.IsZero() {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "phase_id, processor_id, and target_date are required"})
				return
			}

			triggered, err := env.dispatcher().HandleCompletion(r.Context(), ev)
			if err != nil {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"status":    "accepted",
				"triggered": triggered,
			})
		})

		router.Get("/status/{date}", func(w http.ResponseWriter, r *http.Request) {
			date, err := model.ParseDate(chi.URLParam(r, "date"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad date"})
				return
			}
			states := make([]*model.PhaseCompletionState, 0, len(env.registry.All()))
			for _, phase := range env.registry.All() {
				state, err := env.store.Get(r.Context(), date, phase.ID)
				if err != nil {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
					return
				}
				states = append(states, state)
			}
			writeJSON(w, http.StatusOK, states)
		})

		router.Get("/breakers", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, env.breaker.Suppressions())
		})

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", serverPort()),
			Handler: router,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", serverPort()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// dispatcher builds the dispatcher whose downstream trigger runs the
// phase in-process. Triggered phases run asynchronously so the webhook
// responds as soon as state is durable.
func (e *pipelineEnv) dispatcher() *orchestrate.Dispatcher {
	return orchestrate.NewDispatcher(e.store, e.registry,
		func(ctx context.Context, next model.PhaseStartCommand) error {
			go func() {
				if _, err := e.runner.Run(context.WithoutCancel(ctx), next); err != nil {
					zap.L().Error("triggered phase failed",
						zap.String("phase", string(next.PhaseID)),
						zap.String("date", next.TargetDate.String()),
						zap.Error(err))
				}
			}()
			return nil
		})
}

func serverPort() int {
	if servePort != 0 {
		return servePort
	}
	return cfg.Server.Port
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
