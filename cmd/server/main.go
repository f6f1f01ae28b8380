package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chainfeed.app/internal/config"
	"chainfeed.app/internal/ledger"
	"chainfeed.app/internal/persistence/kv"
	persistlog "chainfeed.app/internal/persistence/log"
	"chainfeed.app/internal/persistence/snapshot"
	"chainfeed.app/internal/session"
	"chainfeed.app/internal/transport/ws"
)

const defaultConfigPath = "./configs/chainfeed.yaml"

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", defaultConfigPath, "config file (empty for built-in defaults)")
		difficulty = flag.Int("difficulty", -1, "override difficulty (negative keeps the config value)")
		storePath  = flag.String("store", "", "override storage.path")
		memory     = flag.Bool("memory", false, "keep the ledger in memory only")
		snapPath   = flag.String("snapshot", "", "snapshot to import into the store before starting (optional)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil && os.IsNotExist(err) && *configPath == defaultConfigPath {
		logger.Printf("config %s not found; using defaults", defaultConfigPath)
		cfg, err = config.Load("")
	}
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *difficulty >= 0 {
		cfg.Difficulty = *difficulty
	}
	if strings.TrimSpace(*storePath) != "" {
		cfg.Storage.Path = *storePath
	}
	if *memory {
		cfg.Storage.Driver = config.DriverMemory
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if p := strings.TrimSpace(*snapPath); p != "" {
		if err := importSnapshot(ctx, store, cfg, p); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("imported snapshot %s", p)
	}

	sessLogger := log.New(os.Stdout, "[session] ", log.LstdFlags|log.Lmicroseconds)
	sess, err := session.Open(ctx, store, session.Config{
		LedgerKey: cfg.Storage.LedgerKey,
		UserKey:   cfg.Storage.UserKey,
		Ledger:    cfg.LedgerOptions(),
		Logger:    sessLogger,
	})
	if err != nil {
		logger.Fatalf("open session: %v", err)
	}

	if cfg.Events.Enabled {
		events := persistlog.NewEventLogger(cfg.Events.Dir)
		defer events.Close()
		changes, unsubscribe := sess.Subscribe(256)
		defer unsubscribe()
		go events.Run(ctx, changes, func(err error) {
			logger.Printf("event log: %v", err)
		})
	}

	snaps := newSnapshotter(cfg.Snapshots, sess, logger)
	if cfg.Snapshots.Every > 0 {
		go snaps.Loop(ctx, cfg.Snapshots.Every)
	}

	wsLogger := log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds)
	wsSrv := ws.NewServer(sess, wsLogger, cfg.Transport.MaxQueue)
	defer wsSrv.Close()
	go wsSrv.Run(ctx)

	app := &server{
		sess:  sess,
		ws:    wsSrv,
		snaps: snaps,
		log:   logger,
		admin: envBool("CF_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
	}
	if !app.admin {
		logger.Printf("admin endpoints disabled (CF_ENABLE_ADMIN_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	l := sess.Current()
	logger.Printf("ledger height=%d difficulty=%d scheme=%s driver=%s", l.Height(), l.Difficulty(), l.Scheme(), cfg.Storage.Driver)
	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Final snapshot so the last state is on disk next to the store.
	if cfg.Snapshots.Every > 0 {
		if _, err := snaps.Take(); err != nil {
			logger.Printf("final snapshot: %v", err)
		}
	}
}

func openStore(c config.StorageConfig) (kv.Store, error) {
	if c.Driver == config.DriverMemory {
		return kv.NewMemory(), nil
	}
	return kv.OpenSQLite(c.Path)
}

func importSnapshot(ctx context.Context, store kv.Store, cfg config.Config, path string) error {
	_, l, err := snapshot.Read(path, cfg.LedgerOptions())
	if err != nil {
		return err
	}
	b, err := ledger.Marshal(l)
	if err != nil {
		return err
	}
	return store.Set(ctx, cfg.Storage.LedgerKey, b)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
