package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
	"github.com/MouTaaz/TazMou-ChatApp/internal/backend/local"
	"github.com/MouTaaz/TazMou-ChatApp/internal/backend/realtime"
	"github.com/MouTaaz/TazMou-ChatApp/internal/config"
	"github.com/MouTaaz/TazMou-ChatApp/internal/handler"
	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
	"github.com/MouTaaz/TazMou-ChatApp/internal/service/feed"
	"github.com/MouTaaz/TazMou-ChatApp/internal/service/presence"
	"github.com/MouTaaz/TazMou-ChatApp/internal/service/session"
	syncsvc "github.com/MouTaaz/TazMou-ChatApp/internal/service/sync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	broker := local.NewBroker()
	store, err := local.OpenStore(cfg.Data.SQLitePath, broker)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	auth := local.NewAuth(store, cfg.Data.JWTSecret, time.Hour)
	presenceHub := local.NewPresenceHub()
	objects := local.NewDiskObjects(filepath.Join(cfg.Data.Dir, "objects"), cfg.Data.MediaBase)

	engine := syncsvc.NewEngine(store, objects, cfg.Sync.PageSize)
	subscriber := feed.NewSubscriber(broker, engine)
	subscriber.Reconnect = cfg.Sync.FeedReconnect
	tracker := presence.NewTracker(presenceHub, engine, cfg.Sync.PresenceChannel)

	hooks := session.Hooks{
		Initialize: func(ctx context.Context, s chat.Session) error {
			if err := engine.Initialize(ctx, s); err != nil {
				return err
			}
			if err := subscriber.Attach(ctx); err != nil {
				return err
			}
			if snap := engine.Snapshot(); snap.Profile != nil {
				if err := tracker.Start(ctx, *snap.Profile); err != nil {
					log.Printf("warning: presence unavailable: %v", err)
				}
			}
			return nil
		},
		Rearm: func(ctx context.Context, _ chat.Session) {
			subscriber.Rearm(ctx)
		},
		Clear: func() {
			subscriber.Detach()
			tracker.Stop(context.Background())
			engine.Reset()
		},
	}

	manager := session.NewManager(auth, session.NewFileCredentials(cfg.Data.Dir), engine, hooks)

	removeListener := auth.OnAuthEvent(func(ev backend.AuthEvent) {
		manager.HandleAuthEvent(ctx, ev)
	})
	defer removeListener()

	if err := manager.Restore(ctx); err != nil {
		log.Printf("warning: session restore failed: %v", err)
	}

	bridge := realtime.NewBridge(broker, auth.Verify)
	router := handler.NewRouter(handler.New(manager, engine), bridge.Handler(), objects.Root())

	startServer(ctx, cfg.Server, router)

	// Teardown stamps last_seen and releases the push handles.
	subscriber.Detach()
	tracker.Stop(context.Background())
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("chat sync service listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
