// Package main runs the package-repository server: it loads the
// configuration, composes the feature set, and drives initialization,
// bootstrap, backup/restore and the serving loop.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/atwupack/hackage-server/features/core"
	"github.com/atwupack/hackage-server/features/recent"
	"github.com/atwupack/hackage-server/features/users"
	"github.com/atwupack/hackage-server/internal/config"
	"github.com/atwupack/hackage-server/internal/feature"
	"github.com/atwupack/hackage-server/internal/logging"
	"github.com/atwupack/hackage-server/internal/server"
)

func main() {
	configPath := pflag.String("config", "", "path to YAML config file")
	listenAddr := pflag.String("listen", "", "listen address (overrides config)")
	stateDir := pflag.String("state-dir", "", "state directory (overrides config)")
	staticDir := pflag.String("static-dir", "", "static asset directory (overrides config)")
	initAdmin := pflag.String("init", "", "initialize a fresh deployment with this admin name, then serve")
	backupDir := pflag.String("backup", "", "export all state to this directory and exit")
	restoreDir := pflag.String("restore", "", "import all state from this directory before serving")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *staticDir != "" {
		cfg.StaticDir = *staticDir
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		// Ephemeral secret: sessions do not survive a restart.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			log.WithError(err).Fatal("could not generate session secret")
		}
		log.Warn("no session secret configured, sessions will not survive restarts")
	}

	ctors := []feature.Constructor{
		users.New(secret),
		core.New(),
		recent.New(),
	}

	// A restore can take a while on a large deployment; the maintenance
	// listener answers 503 in the server's place if initialization is
	// still running after the configured delay.
	var maint *server.Maintenance
	if *restoreDir != "" {
		maint = server.StartMaintenance(cfg.ListenAddr, cfg.MaintenanceDelay, log)
	}

	srv, err := server.Initialise(cfg, log, ctors)
	if err != nil {
		log.WithError(err).Fatal("server initialization failed")
	}

	if *restoreDir != "" {
		if err := srv.Restore(*restoreDir); err != nil {
			log.WithError(err).Fatal("restore failed")
		}
		log.WithField("dir", *restoreDir).Info("state restored")
	}

	if *backupDir != "" {
		if err := srv.Backup(*backupDir); err != nil {
			log.WithError(err).Fatal("backup failed")
		}
		log.WithField("dir", *backupDir).Info("state exported")
		return
	}

	if *initAdmin != "" {
		password := os.Getenv("HACKAGE_ADMIN_PASSWORD")
		if password == "" {
			log.Fatal("--init requires HACKAGE_ADMIN_PASSWORD to be set")
		}
		if err := srv.InitState(*initAdmin, password); err != nil {
			log.WithError(err).Fatal("bootstrap failed")
		}
	}

	if maint != nil {
		maint.Stop(5 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
