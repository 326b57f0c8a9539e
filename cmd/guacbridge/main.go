package main

import (
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"golang.org/x/time/rate"

	"github.com/outpost-guac/guacbridge/internal/audit"
	"github.com/outpost-guac/guacbridge/internal/config"
	"github.com/outpost-guac/guacbridge/internal/guacamole"
	"github.com/outpost-guac/guacbridge/internal/middleware"
	"github.com/outpost-guac/guacbridge/internal/ratelimit"
	"github.com/outpost-guac/guacbridge/internal/token"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	listenAddr := flag.String("listen", config.DefaultListenAddr, "address to listen on")
	guacdHost := flag.String("guacd-host", config.DefaultGuacdHost, "guacd hostname")
	guacdPort := flag.Int("guacd-port", config.DefaultGuacdPort, "guacd port")
	flag.Parse()

	appConfig, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	if *listenAddr != config.DefaultListenAddr {
		appConfig.ListenAddr = *listenAddr
	}
	if *guacdHost != config.DefaultGuacdHost {
		appConfig.GuacdHost = *guacdHost
	}
	if *guacdPort != config.DefaultGuacdPort {
		appConfig.GuacdPort = *guacdPort
	}

	if appConfig.TokenEncryptionKey == "" {
		slog.Error("GUACBRIDGE_TOKEN_KEY not set - refusing to start without a way to authenticate connect tokens")
		os.Exit(1)
	}
	codec := token.NewCodec(appConfig.TokenEncryptionKey)

	auditStore, err := audit.Open(appConfig.AuditDBPath)
	if err != nil {
		slog.Error("failed to open audit database", "error", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	guard := ratelimit.NewGuard(rate.Limit(appConfig.RateLimitPerSecond), appConfig.RateLimitBurst, appConfig.MaxSessionsPerClient)

	handler := guacamole.NewHandler(logger, codec, auditStore, appConfig.GuacdHost, appConfig.GuacdPort)
	handler.SetInactivityTimeout(appConfig.InactivityTimeout)
	handler.SetConnectTimeouts(appConfig.ConnectTimeout, appConfig.HandshakeTimeout)

	mux := http.NewServeMux()
	mux.Handle("/ws/guac/sessions", guarded(guard, handler))

	root := middleware.WithRequestID(mux)

	slog.Info("guacbridge listening", "addr", appConfig.ListenAddr, "guacd", appConfig.GuacdHost)
	if err := http.ListenAndServe(appConfig.ListenAddr, root); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// guarded holds a session slot for the duration of the request; the
// WebSocket handler blocks in ServeHTTP until the session ends, so
// the deferred Release fires exactly when the session does.
func guarded(guard *ratelimit.Guard, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !guard.Acquire(key) {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		defer guard.Release(key)
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the connecting client for rate limiting: the
// first X-Forwarded-For hop when a load balancer fronts the service,
// otherwise the peer address without its port.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
