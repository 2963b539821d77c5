package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/teleop.bridge/internal/config"
	"github.com/banshee-data/teleop.bridge/internal/db"
	"github.com/banshee-data/teleop.bridge/internal/sampler"
	"github.com/banshee-data/teleop.bridge/internal/session"
	"github.com/banshee-data/teleop.bridge/internal/status"
	"github.com/banshee-data/teleop.bridge/internal/transport"
	"github.com/banshee-data/teleop.bridge/internal/xrinput"
)

var (
	listen      = flag.String("listen", ":8080", "Listen address")
	configPath  = flag.String("config", "", "Path to bridge config JSON (defaults used when empty)")
	robotURL    = flag.String("robot", "", "Robot consumer websocket URL (overrides config)")
	fixtures    = flag.String("fixtures", "fixtures/rig.json", "Replay fixture driving the input rig")
	dbPath      = flag.String("db", "", "Event log sqlite path (overrides config)")
	passthrough = flag.Bool("passthrough", true, "Prefer passthrough sessions when the rig supports them")
	autostart   = flag.Bool("autostart", false, "Start an immersive session immediately on boot")
	dbMigrate   = flag.Bool("db-migrate", false, "Run pending event log migrations on startup")
	migrations  = flag.String("migrations", "migrations", "Migrations directory for -db-migrate")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyBridgeConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadBridgeConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	robot := cfg.GetRobotURL()
	if *robotURL != "" {
		robot = *robotURL
	}
	eventLogPath := cfg.GetEventLogPath()
	if *dbPath != "" {
		eventLogPath = *dbPath
	}
	// The flag only overrides the config when given on the command line.
	prefer := cfg.GetPreferPassthrough()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "passthrough" {
			prefer = *passthrough
		}
	})

	script, err := xrinput.LoadReplayScript(*fixtures)
	if err != nil {
		log.Fatalf("failed to load input fixture: %v", err)
	}
	system := xrinput.NewReplaySystem(script)

	eventLog, err := db.New(eventLogPath)
	if err != nil {
		log.Fatalf("failed to open event log: %v", err)
	}
	defer eventLog.Close()

	if *dbMigrate {
		if err := eventLog.MigrateUp(*migrations); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
	}

	statusSync := status.NewSynchronizer()
	statusSync.OnChange = func(active bool, count uint64) {
		if err := eventLog.RecordRecordingTransition(active, count); err != nil {
			log.Printf("failed to record recording transition: %v", err)
		}
	}

	channel := transport.NewChannel(transport.Options{
		URL:            robot,
		DialTimeout:    cfg.GetConnectTimeout(),
		BaseRetryDelay: cfg.GetBaseRetryDelay(),
		MaxAttempts:    cfg.GetMaxRetryAttempts(),
		OnRecordingStatus: func(active bool, count uint64, hasCount bool) {
			statusSync.Apply(active, count, hasCount)
		},
		OnStateChange: func(state transport.State, attempt int, detail string) {
			if err := eventLog.RecordConnectionEvent(string(state), attempt, detail); err != nil {
				log.Printf("failed to record connection event: %v", err)
			}
		},
		OnDown: func(reason string) {
			log.Printf("robot connection is down: %s", reason)
		},
	})

	tail := newTelemetryTail()
	smp := sampler.New(cfg.GetQuantizeDecimals())
	manager := session.NewManager(system, smp, teeSender{channel: channel, tail: tail}, statusSync, cfg.GetSendInterval())
	manager.OnStateChange = func(id string, state session.State, mode xrinput.SessionMode, detail string) {
		switch state {
		case session.StateActive:
			if err := eventLog.RecordSessionStart(id, string(mode), time.Now()); err != nil {
				log.Printf("failed to record session start: %v", err)
			}
		case session.StateEnding, session.StateFailed:
			if err := eventLog.RecordSessionEnd(id, detail, time.Now()); err != nil {
				log.Printf("failed to record session end: %v", err)
			}
		}
	}
	manager.OnStatusText = func(text string) {
		log.Printf("status: %s", text)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channel.Connect()

	if *autostart {
		if err := manager.Start(ctx, prefer); err != nil {
			log.Printf("autostart session failed: %v", err)
		}
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		srv := &Server{
			manager:           manager,
			channel:           channel,
			statusSync:        statusSync,
			eventLog:          eventLog,
			tail:              tail,
			preferPassthrough: prefer,
		}

		// mount the admin debugging routes (accessible only over
		// localhost or Tailscale)
		eventLog.AttachAdminRoutes(mux)
		srv.AttachAdminRoutes(mux)

		mux.Handle("/api/", http.StripPrefix("/api", srv.ServeMux()))

		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("got request %q", r.URL.Path)
			mux.ServeHTTP(w, r)
		})

		server := &http.Server{
			Addr:    *listen,
			Handler: h,
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()

	manager.End("shutdown")
	channel.Disconnect()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
