// Package web serves the daemon's HTTP side channel: a JSON status page,
// recent logs and the Prometheus endpoint. Radio control stays on the
// front end sockets.
package web

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"time"
)

// Handler routes the status API. logs and metrics may be nil.
func Handler(status *Status, logs *LogBuffer, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	})

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := status.Snapshot(time.Now().UTC())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>trxd</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>trxd</h1><p>See <a href=\"/api/status\">/api/status</a>.</p><ul>")
		for _, t := range snap.Transceivers {
			_, _ = fmt.Fprintf(w, "<li>%s (%s, %s): %d Hz %s</li>",
				html.EscapeString(t.Name), html.EscapeString(t.Driver.Name), t.Status, t.State.Frequency, html.EscapeString(t.State.Mode))
		}
		_, _ = fmt.Fprintf(w, "</ul></body></html>")
	})

	return mux
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully. A cancelled context is a clean exit.
func Serve(ctx context.Context, listenAddr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
