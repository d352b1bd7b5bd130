package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"chatwire-server/auth"
	"chatwire-server/history"
	"chatwire-server/hub"
	"chatwire-server/presence"
	"chatwire-server/protocol"
	"chatwire-server/registry"
	"chatwire-server/store"
	ws "chatwire-server/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type config struct {
	port        string
	dbPath      string
	jwtSecret   string
	jwtTTL      time.Duration
	frontendURL string
	googleID    string
	googleSec   string
	googleURL   string
}

func loadConfig() config {
	cfg := config{
		port:        envOr("PORT", "5000"),
		dbPath:      envOr("DB_PATH", "./data/chat.db"),
		jwtSecret:   envOr("JWT_SECRET", ""),
		frontendURL: envOr("FRONTEND_URL", "http://localhost:5173"),
		googleID:    os.Getenv("GOOGLE_CLIENT_ID"),
		googleSec:   os.Getenv("GOOGLE_CLIENT_SECRET"),
		googleURL:   envOr("GOOGLE_REDIRECT_URL", "http://localhost:5000/api/auth/google/callback"),
	}

	cfg.jwtTTL = 7 * 24 * time.Hour
	if raw := os.Getenv("JWT_EXPIRES"); raw != "" {
		if ttl, err := time.ParseDuration(raw); err == nil {
			cfg.jwtTTL = ttl
		} else {
			slog.Warn("invalid JWT_EXPIRES, using default", "value", raw)
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	setupLogger()

	cfg := loadConfig()
	if cfg.jwtSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	db, err := store.Open(cfg.dbPath)
	if err != nil {
		slog.Error("store open error", "path", cfg.dbPath, "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	broadcaster := hub.New()
	notifier := presence.NewNotifier(reg, broadcaster)
	handler := protocol.NewHandler(reg, broadcaster, db, db, notifier)

	tokens := auth.NewManager(cfg.jwtSecret, cfg.jwtTTL)
	google := auth.NewGoogleProvider(cfg.googleID, cfg.googleSec, cfg.googleURL, cfg.frontendURL)
	if google == nil {
		slog.Warn("google oauth disabled, client credentials not set")
	}
	authHandler := auth.NewHandler(db, tokens, google)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(broadcaster, handler))
	mux.HandleFunc("GET /api/health", healthHandler)
	mux.HandleFunc("GET /stats", statsHandler(broadcaster, reg))
	authHandler.Routes(mux)
	history.NewHandler(db).Routes(mux, authHandler)

	server := &http.Server{
		Addr:    ":" + cfg.port,
		Handler: corsMiddleware(cfg.frontendURL, mux),
	}

	go func() {
		slog.Info("server starting", "port", cfg.port, "db", cfg.dbPath)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func wsHandler(broadcaster *hub.Hub, handler *protocol.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "error", err)
			return
		}

		wsConn := ws.NewConn(uuid.New().String(), conn, broadcaster, handler)
		wsConn.Start()
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statsHandler(broadcaster *hub.Hub, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"clients": broadcaster.Clients(),
			"online":  len(reg.OnlineIdentities()),
		})
	}
}

func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
