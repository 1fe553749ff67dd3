// Command chatrelayd runs the chat relay: a WebSocket endpoint backed by a
// message broker for room fan-out and a durable store for history.
//
// Everything is configured through the environment. The interesting knobs:
//
//	LISTEN_ADDR      address to bind (default :8080)
//	BROKER_BACKEND   amqp | redis | memory (default amqp)
//	STORE_BACKEND    mongo | memory (default mongo)
//	AUTH_MODE        hmac | jwks | oidc (default hmac)
//	JWT_SECRET       shared secret for hmac mode
//	AUTH_ISSUER      expected token issuer (required for jwks/oidc)
//	AUTH_JWKS_URI    JWKS endpoint for jwks mode
//	AUTH_AUDIENCES   comma-separated accepted audiences (jwks/oidc)
//
// Backend-specific settings (AMQP_URL, REDIS_ADDR, MONGODB_URI, ...) are
// documented on each backend's Config struct.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/chatrelay/chatrelay/auth"
	"github.com/chatrelay/chatrelay/broker"
	"github.com/chatrelay/chatrelay/broker/amqpbroker"
	"github.com/chatrelay/chatrelay/broker/memorybroker"
	"github.com/chatrelay/chatrelay/broker/redisbroker"
	"github.com/chatrelay/chatrelay/internal/jwtauth"
	"github.com/chatrelay/chatrelay/internal/logctx"
	"github.com/chatrelay/chatrelay/relay"
	"github.com/chatrelay/chatrelay/store"
	"github.com/chatrelay/chatrelay/store/memorystore"
	"github.com/chatrelay/chatrelay/store/mongostore"
)

type config struct {
	ListenAddr    string `env:"LISTEN_ADDR,default=:8080"`
	BrokerBackend string `env:"BROKER_BACKEND,default=amqp"`
	StoreBackend  string `env:"STORE_BACKEND,default=mongo"`

	AuthMode  string `env:"AUTH_MODE,default=hmac"`
	JWTSecret string `env:"JWT_SECRET"`
	Issuer    string `env:"AUTH_ISSUER"`
	JWKSURI   string `env:"AUTH_JWKS_URI"`
	Audiences string `env:"AUTH_AUDIENCES"`

	// AllowedOrigins restricts WebSocket upgrades. Empty allows any
	// origin, matching the original deployment behind a trusted proxy.
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	Relay relay.Config
}

func main() {
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stdout, nil)})
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode config: %w", err)
	}

	authenticator, err := buildAuthenticator(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	st, err := buildStore(ctx, cfg.StoreBackend)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			log.Warn("store close", slog.String("err", err.Error()))
		}
	}()

	br, err := buildBroker(cfg.BrokerBackend, log)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer br.Close()

	srv := relay.NewServer(cfg.Relay, authenticator, st, br, log)

	mux := http.NewServeMux()
	mux.Handle("/ws", relay.WebsocketHandler(srv, originChecker(cfg.AllowedOrigins), log))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("broker", cfg.BrokerBackend),
			slog.String("store", cfg.StoreBackend),
			slog.String("auth_mode", cfg.AuthMode),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", slog.String("err", err.Error()))
	}
	srv.Close()
	return nil
}

func buildAuthenticator(ctx context.Context, cfg *config) (auth.Authenticator, error) {
	switch cfg.AuthMode {
	case "hmac":
		return jwtauth.NewHMAC(jwtauth.HMACConfig{
			Secret: []byte(cfg.JWTSecret),
			Issuer: cfg.Issuer,
		})
	case "jwks":
		if cfg.JWKSURI == "" {
			return nil, errors.New("AUTH_JWKS_URI is required for jwks mode")
		}
		jc := jwtauth.DefaultConfig()
		jc.Issuer = cfg.Issuer
		jc.ExpectedAudiences = splitList(cfg.Audiences)
		return jwtauth.NewStatic(ctx, jc, cfg.JWKSURI)
	case "oidc":
		if cfg.Issuer == "" {
			return nil, errors.New("AUTH_ISSUER is required for oidc mode")
		}
		jc := jwtauth.DefaultConfig()
		jc.Issuer = cfg.Issuer
		jc.ExpectedAudiences = splitList(cfg.Audiences)
		return jwtauth.NewFromDiscovery(ctx, jc)
	default:
		return nil, fmt.Errorf("unknown AUTH_MODE %q", cfg.AuthMode)
	}
}

func buildStore(ctx context.Context, backend string) (store.Store, error) {
	switch backend {
	case "mongo":
		var mc mongostore.Config
		if err := envdecode.Decode(&mc); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil, fmt.Errorf("decode mongo config: %w", err)
		}
		return mongostore.New(ctx, mc)
	case "memory":
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
}

func buildBroker(backend string, log *slog.Logger) (broker.Broker, error) {
	switch backend {
	case "amqp":
		var ac amqpbroker.Config
		if err := envdecode.Decode(&ac); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil, fmt.Errorf("decode amqp config: %w", err)
		}
		return amqpbroker.New(ac, log)
	case "redis":
		var rc redisbroker.Config
		if err := envdecode.Decode(&rc); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil, fmt.Errorf("decode redis config: %w", err)
		}
		return redisbroker.New(rc)
	case "memory":
		return memorybroker.New(), nil
	default:
		return nil, fmt.Errorf("unknown BROKER_BACKEND %q", backend)
	}
}

func originChecker(allowed string) func(*http.Request) bool {
	origins := splitList(allowed)
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSuffix(r.Header.Get("Origin"), "/")
		if origin == "" {
			return true // non-browser client
		}
		_, ok := set[origin]
		return ok
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
