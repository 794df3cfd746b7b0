package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/profilesync/internal/docstore"
	"github.com/agentworkforce/profilesync/internal/httpapi"
)

func main() {
	// .env is optional; values already in the environment win.
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			log.Fatalf("token: %v", err)
		}
		return
	}

	addr := envOrDefault("PROFILESYNC_ADDR", ":8080")
	store, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize document store: %v", err)
	}
	defer store.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := buildVerifierFromEnv(rootCtx)
	if err != nil {
		log.Fatalf("failed to initialize token verifier: %v", err)
	}
	handler := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("PROFILESYNC_JWT_SECRET"),
		Verifier:           verifier,
		RateLimitMax:       intEnv("PROFILESYNC_RATE_LIMIT_MAX_WRITES", 0),
		RateLimitWindow:    durationEnv("PROFILESYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("PROFILESYNC_MAX_BODY_BYTES", 0),
		StreamPingInterval: durationEnv("PROFILESYNC_STREAM_PING_INTERVAL", 0),
	})

	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("profilesync-server listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStoreFromEnv() (*docstore.Store, error) {
	backend, err := docstore.BuildBackendFromDSN(os.Getenv("PROFILESYNC_DOCUMENT_BACKEND_DSN"))
	if err != nil {
		return nil, fmt.Errorf("document backend: %w", err)
	}
	notifier, err := docstore.BuildNotifierFromDSN(os.Getenv("PROFILESYNC_NOTIFIER_DSN"))
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("notifier: %w", err)
	}
	return docstore.NewStoreWithOptions(docstore.StoreOptions{
		Backend:        backend,
		Notifier:       notifier,
		MaxRecordBytes: intEnv("PROFILESYNC_MAX_RECORD_BYTES", 0),
	}), nil
}

// buildVerifierFromEnv returns nil when only the HS256 secret is configured;
// the server builds that verifier itself.
func buildVerifierFromEnv(ctx context.Context) (httpapi.TokenVerifier, error) {
	credentials := strings.TrimSpace(os.Getenv("PROFILESYNC_FIREBASE_CREDENTIALS"))
	if credentials == "" {
		return nil, nil
	}
	firebaseVerifier, err := httpapi.NewFirebaseVerifier(ctx, credentials)
	if err != nil {
		return nil, err
	}
	secret := os.Getenv("PROFILESYNC_JWT_SECRET")
	if secret == "" {
		return firebaseVerifier, nil
	}
	return httpapi.ChainVerifier{firebaseVerifier, httpapi.NewHS256Verifier(secret)}, nil
}

func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	userID := fs.String("user", "", "subject (user id)")
	email := fs.String("email", "", "email claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	secret := fs.String("secret", envOrDefault("PROFILESYNC_JWT_SECRET", "dev-secret"), "HS256 signing secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*userID) == "" {
		return errors.New("--user is required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}
	token, err := httpapi.IssueHS256Token(*secret, strings.TrimSpace(*userID), strings.TrimSpace(*email), *ttl, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
