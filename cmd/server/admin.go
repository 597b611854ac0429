package main

import (
	"context"
	"net/http"
	"time"

	"github.com/epam/ai-dial-core-sub000/internal/logging"
	"github.com/epam/ai-dial-core-sub000/internal/metrics"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// adminHandler serves /metrics, /healthz and /loglevel.
func adminHandler(tier pinger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", healthz(tier))
	mux.HandleFunc("/loglevel", logLevel)
	return logging.Middleware(metrics.Middleware(mux))
}

func healthz(tier pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := tier.Ping(ctx); err != nil {
			logging.Warn("health check failed", logging.Err(err))
			http.Error(w, "cache tier unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}
}

// logLevel reports the log level on GET and changes it on PUT ?level=debug.
func logLevel(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut, http.MethodPost:
		level := r.FormValue("level")
		if err := logging.SetLevel(level); err != nil {
			http.Error(w, "invalid level: "+level, http.StatusBadRequest)
			return
		}
		logging.Info("log level changed", logging.String("level", level))
	default:
		w.Header().Set("Allow", "GET, PUT, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Write([]byte(logging.Level() + "\n"))
}
