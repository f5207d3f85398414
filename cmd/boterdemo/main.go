// Command boterdemo wires the botdetect library behind a gorilla/mux router,
// in the shape of the teacher's cmd/api/main.go composition root: config
// load, singleton init, route registration, global middleware, graceful
// shutdown on SIGINT/SIGTERM. It exists only to exercise the library end to
// end; it is not the library's public surface.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/botdetect/internal/config"
	"github.com/ocx/botdetect/internal/policy"
	"github.com/ocx/botdetect/pkg/botdetect"
)

func main() {
	config.LoadDevEnv()

	engine, err := botdetect.Init(botdetect.Options{
		ConfigPath:   envOr("BOTDETECT_CONFIG_PATH", "botdetect.yaml"),
		OverlaysPath: envOr("BOTDETECT_OVERLAYS_PATH", "botdetect-overlays.yaml"),
		DevMode:      true,
	})
	if err != nil {
		slog.Error("boterdemo: engine init failed", "error", err)
		os.Exit(1)
	}
	defer engine.Shutdown()

	if err := engine.Registry.Register(uaHeuristicDetector{}); err != nil {
		slog.Error("boterdemo: registering detector", "error", err)
		os.Exit(1)
	}

	registerPolicies(engine.Policy)

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "boterdemo"})
	}).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/checkout", checkoutHandler).Methods("POST").Name("checkout")
	api.HandleFunc("/search", searchHandler).Methods("GET").Name("search")
	api.HandleFunc("/admin/{id}", adminHandler).Methods("GET").Name("admin")

	mw := engine.Middleware()
	mw.RouteAttributePolicy = routeAttributePolicy
	router.Use(func(next http.Handler) http.Handler {
		return mw.Wrap(next)
	})

	srv := &http.Server{
		Addr:         envOr("BOTDETECT_LISTEN_ADDR", ":8080"),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("boterdemo: shutdown signal received, draining connections")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("boterdemo: server shutdown error", "error", err)
		}
	}()

	slog.Info("boterdemo: listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("boterdemo: server failed", "error", err)
		os.Exit(1)
	}
}

// routeAttributePolicy maps the matched mux route's name to a detection
// policy name, the route-attribute precedence step of policy resolution
// (spec §4.4.2). Routes with no name, or no matching policy, fall through
// to the next step in the chain.
func routeAttributePolicy(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	switch route.GetName() {
	case "checkout":
		return "strict"
	case "admin":
		return "strict"
	default:
		return ""
	}
}

func registerPolicies(eng *policy.Engine) {
	eng.RegisterDetectionPolicy(&policy.DetectionPolicy{
		PolicyName:              "strict",
		ImmediateBlockThreshold: 0.5,
		Calibration:             1.0,
		GlobalTimeout:           2 * time.Second,
		WaveTimeout:             500 * time.Millisecond,
		EnableQuorumExit:        true,
		QuorumConfidenceThreshold: 0.9,
	})
	eng.RegisterActionPolicy(&policy.ActionPolicy{
		PolicyName: "block",
		Kind:       policy.ActionBlock,
		StatusCode: http.StatusForbidden,
		Message:    "request blocked",
	})
	eng.RegisterActionPolicy(&policy.ActionPolicy{
		PolicyName:    "throttle",
		Kind:          policy.ActionThrottle,
		Delay:         2 * time.Second,
		JitterPercent: 20,
		ScaleByRisk:   true,
	})
	eng.SetDefaultActionPolicy("throttle")
	eng.SetPathPolicy("/api/search", "default")
}

func checkoutHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func searchHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"results":[]}`))
}

func adminHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"admin":true}`))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
