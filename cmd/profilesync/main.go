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
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"

	"github.com/agentworkforce/profilesync/internal/cloud"
	"github.com/agentworkforce/profilesync/internal/fsutil"
	"github.com/agentworkforce/profilesync/internal/localstore"
	"github.com/agentworkforce/profilesync/internal/payload"
	"github.com/agentworkforce/profilesync/internal/profilesync"
)

const usage = `usage: profilesync <command> [flags] [args]

commands:
  run                  sync continuously until interrupted
  sync                 reconcile once and exit
  status               print the last status reported by the agent
  login [token]        store a bearer token
  logout               forget the stored token
  profiles             list local profiles
  add <name>           create a profile
  rename <id> <name>   rename a profile
  use <id>             make a profile active
  delete <id>          delete a profile and push the change right away
`

func main() {
	// .env is optional; values already in the environment win.
	_ = godotenv.Load()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Printf("profilesync: %v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return flag.ErrHelp
	}
	command := args[0]
	cfg, rest, err := parseConfig(command, args[1:])
	if err != nil {
		return err
	}
	switch command {
	case "run":
		return runAgent(ctx, cfg, false)
	case "sync":
		return runAgent(ctx, cfg, true)
	case "status":
		return printStatus(cfg, stdout)
	case "login":
		return login(cfg, rest, stdout)
	case "logout":
		return logout(cfg, stdout)
	case "profiles", "add", "rename", "use", "delete":
		return editProfiles(ctx, cfg, command, rest, stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

type agentConfig struct {
	baseURL         string
	token           string
	tokenFile       string
	storeDSN        string
	clientIDFile    string
	statusFile      string
	reloadHook      string
	debounce        time.Duration
	timeout         time.Duration
	mergeBeforePush bool
}

func parseConfig(command string, args []string) (agentConfig, []string, error) {
	var cfg agentConfig
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", envOrDefault("PROFILESYNC_BASE_URL", "http://127.0.0.1:8080"), "profilesync server base URL")
	fs.StringVar(&cfg.token, "token", strings.TrimSpace(os.Getenv("PROFILESYNC_TOKEN")), "bearer token (overrides the token file)")
	fs.StringVar(&cfg.tokenFile, "token-file", envOrDefault("PROFILESYNC_TOKEN_FILE", filepath.Join(xdg.ConfigHome, "profilesync", "token")), "token file path")
	fs.StringVar(&cfg.storeDSN, "store", envOrDefault("PROFILESYNC_STORE", "file://"+filepath.Join(xdg.DataHome, "profilesync", "profiles")), "local profile store DSN")
	fs.StringVar(&cfg.clientIDFile, "client-id-file", envOrDefault("PROFILESYNC_CLIENT_ID_FILE", filepath.Join(xdg.DataHome, "profilesync", "client-id")), "device client id file")
	fs.StringVar(&cfg.statusFile, "status-file", envOrDefault("PROFILESYNC_STATUS_FILE", filepath.Join(xdg.StateHome, "profilesync", "status.json")), "status file path")
	fs.StringVar(&cfg.reloadHook, "reload-hook", strings.TrimSpace(os.Getenv("PROFILESYNC_RELOAD_HOOK")), "shell command run after sync rewrites local profiles")
	fs.DurationVar(&cfg.debounce, "debounce", durationEnv("PROFILESYNC_DEBOUNCE", profilesync.DefaultDebounce), "quiet period before pushing local edits")
	fs.DurationVar(&cfg.timeout, "timeout", durationEnv("PROFILESYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	fs.BoolVar(&cfg.mergeBeforePush, "merge-before-push", boolEnv("PROFILESYNC_MERGE_BEFORE_PUSH", false), "merge with the cloud copy before every push")
	if err := fs.Parse(args); err != nil {
		return agentConfig{}, nil, err
	}
	if cfg.debounce <= 0 {
		cfg.debounce = profilesync.DefaultDebounce
	}
	if cfg.timeout <= 0 {
		cfg.timeout = 15 * time.Second
	}
	return cfg, fs.Args(), nil
}

// tokenSource prefers an explicit token and otherwise reads the token file on
// every sign-in, so a rotated token is picked up without a restart.
func tokenSource(cfg agentConfig) cloud.TokenSource {
	return func(ctx context.Context) (string, error) {
		if cfg.token != "" {
			return cfg.token, nil
		}
		raw, err := os.ReadFile(cfg.tokenFile)
		if errors.Is(err, os.ErrNotExist) {
			return "", cloud.ErrSignedOut
		}
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		token := strings.TrimSpace(string(raw))
		if token == "" {
			return "", cloud.ErrSignedOut
		}
		return token, nil
	}
}

type agent struct {
	store    localstore.Store
	client   *cloud.HTTPClient
	provider *cloud.TokenProvider
}

func openAgent(cfg agentConfig) (*agent, error) {
	store, err := localstore.BuildStoreFromDSN(cfg.storeDSN)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	clientID, err := cloud.LoadOrCreateClientID(cfg.clientIDFile)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load client id: %w", err)
	}
	client := cloud.NewHTTPClient(cloud.HTTPClientOptions{
		BaseURL:    cfg.baseURL,
		HTTPClient: &http.Client{Timeout: cfg.timeout},
		Echo:       cloud.NewEchoSuppressor(clientID),
		Logger:     log.Default(),
	})
	return &agent{
		store:    store,
		client:   client,
		provider: cloud.NewTokenProvider(tokenSource(cfg)),
	}, nil
}

func runAgent(ctx context.Context, cfg agentConfig, once bool) error {
	a, err := openAgent(cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctrl, err := profilesync.New(profilesync.Options{
		Store:           a.store,
		Client:          a.client,
		Debounce:        cfg.debounce,
		MergeBeforePush: cfg.mergeBeforePush,
		Reload:          reloadHook(cfg.reloadHook),
		Status:          profilesync.MultiStatus{profilesync.NewStatusFile(cfg.statusFile, nil), profilesync.LogStatus{}},
		Logger:          log.Default(),
		OpTimeout:       cfg.timeout,
	})
	if err != nil {
		return err
	}
	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
		defer cancel()
		return ctrl.Shutdown(shutdownCtx)
	}

	if once {
		identity, err := a.provider.SignIn(ctx)
		if err != nil {
			ctrl.SignInFailed(err)
			return err
		}
		if err := ctrl.SignIn(ctx, identity); err != nil {
			_ = shutdown()
			return err
		}
		log.Printf("profilesync: sync completed for %s", identity.UID)
		return shutdown()
	}

	if watchable, ok := a.store.(localstore.Watchable); ok {
		watcher, err := localstore.NewWatcher(watchable, localstore.WatcherOptions{
			OnChange: func(path string) { ctrl.AutoSync() },
			Logger:   log.Default(),
		})
		if err != nil {
			return err
		}
		defer watcher.Close()
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("profilesync: watcher stopped: %v", err)
			}
		}()
	}

	unsubscribe := a.provider.OnAuthStateChanged(func(identity *cloud.Identity) {
		ctrl.HandleAuthState(ctx, identity)
	})
	defer unsubscribe()

	signIn := func() {
		if _, err := a.provider.SignIn(ctx); err != nil {
			if errors.Is(err, cloud.ErrSignedOut) {
				log.Printf("profilesync: not signed in; run `profilesync login` and send SIGHUP")
			}
			ctrl.SignInFailed(err)
		}
	}
	signIn()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			log.Printf("profilesync: stopping: %v", ctx.Err())
			return shutdown()
		case <-hup:
			log.Printf("profilesync: reloading token")
			signIn()
		}
	}
}

func reloadHook(command string) func(ctx context.Context) error {
	if command == "" {
		return nil
	}
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}
}

func printStatus(cfg agentConfig, stdout io.Writer) error {
	report, err := profilesync.ReadStatusFile(cfg.statusFile)
	if errors.Is(err, os.ErrNotExist) {
		_, err = fmt.Fprintln(stdout, profilesync.StatusNotConnected)
		return err
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	_, err = fmt.Fprintf(stdout, "%s (updated %s, pid %d)\n", report.Status, report.UpdatedAt, report.PID)
	return err
}

func login(cfg agentConfig, args []string, stdout io.Writer) error {
	token := cfg.token
	if len(args) > 0 {
		token = strings.TrimSpace(args[0])
	}
	identity, err := cloud.IdentityFromToken(token, time.Now())
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(cfg.tokenFile, []byte(identity.Token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	_, err = fmt.Fprintf(stdout, "signed in as %s\n", describeIdentity(identity))
	return err
}

func logout(cfg agentConfig, stdout io.Writer) error {
	if err := os.Remove(cfg.tokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	_, err := fmt.Fprintln(stdout, "signed out")
	return err
}

func editProfiles(ctx context.Context, cfg agentConfig, command string, args []string, stdout io.Writer) error {
	store, err := localstore.BuildStoreFromDSN(cfg.storeDSN)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer store.Close()
	profiles := localstore.NewProfiles(store)

	switch command {
	case "profiles":
		list, active, err := profiles.List(ctx)
		if err != nil {
			return err
		}
		for _, profile := range list {
			marker := " "
			if profile.ID == active {
				marker = "*"
			}
			fmt.Fprintf(stdout, "%s %s\t%s\n", marker, profile.ID, profile.Name)
		}
		return nil
	case "add":
		if len(args) != 1 {
			return errors.New("usage: profilesync add <name>")
		}
		created, err := profiles.Add(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, created.ID)
		return err
	case "rename":
		if len(args) != 2 {
			return errors.New("usage: profilesync rename <id> <name>")
		}
		renamed, err := profiles.Rename(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "%s\t%s\n", renamed.ID, renamed.Name)
		return err
	case "use":
		if len(args) != 1 {
			return errors.New("usage: profilesync use <id>")
		}
		return profiles.SetActive(ctx, args[0])
	case "delete":
		if len(args) != 1 {
			return errors.New("usage: profilesync delete <id>")
		}
		if err := profiles.Delete(ctx, args[0]); err != nil {
			return err
		}
		return pushDeletion(ctx, cfg, store, stdout)
	}
	return fmt.Errorf("unknown command %q", command)
}

// pushDeletion overwrites the cloud copy with the local state right away, so a
// later merge cannot bring the deleted profile back.
func pushDeletion(ctx context.Context, cfg agentConfig, store payload.LocalStore, stdout io.Writer) error {
	identity, err := cloud.NewTokenProvider(tokenSource(cfg)).SignIn(ctx)
	if errors.Is(err, cloud.ErrSignedOut) {
		_, err = fmt.Fprintln(stdout, "not signed in; deletion is local only")
		return err
	}
	if err != nil {
		return err
	}
	clientID, err := cloud.LoadOrCreateClientID(cfg.clientIDFile)
	if err != nil {
		return fmt.Errorf("load client id: %w", err)
	}
	client := cloud.NewHTTPClient(cloud.HTTPClientOptions{
		BaseURL:    cfg.baseURL,
		HTTPClient: &http.Client{Timeout: cfg.timeout},
		Echo:       cloud.NewEchoSuppressor(clientID),
		Logger:     log.Default(),
	})
	p, err := payload.Build(ctx, store, time.Now())
	if err != nil {
		return err
	}
	pushCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := client.Save(pushCtx, identity, p); err != nil {
		return fmt.Errorf("push deletion: %w", err)
	}
	_, err = fmt.Fprintf(stdout, "deleted and synced as %s\n", describeIdentity(identity))
	return err
}

func describeIdentity(identity cloud.Identity) string {
	if identity.Email == "" {
		return identity.UID
	}
	return identity.UID + " (" + identity.Email + ")"
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
