// Command cad is the RPKI Certificate Authority and Publication Server
// daemon: one process hosting both façades, the HTTP API, and the
// periodic scheduler described by this repository's design.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rpki-io/krillgo/internal/ca"
	"github.com/rpki-io/krillgo/internal/config"
	"github.com/rpki-io/krillgo/internal/eventsourcing"
	"github.com/rpki-io/krillgo/internal/eventsourcing/postgrestore"
	"github.com/rpki-io/krillgo/internal/facade"
	"github.com/rpki-io/krillgo/internal/httpapi"
	"github.com/rpki-io/krillgo/internal/logging"
	"github.com/rpki-io/krillgo/internal/mq"
	"github.com/rpki-io/krillgo/internal/pubserver"
	"github.com/rpki-io/krillgo/internal/rpki"
	"github.com/rpki-io/krillgo/internal/scheduler"
	"github.com/rpki-io/krillgo/internal/signer"
)

const pubServerHandle = "pubd"

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to a YAML config file")
	rsyncBase := flag.String("rsync-base", "", "rsync URI prefix new publisher jails must fall under")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if trimmed := strings.TrimSpace(*rsyncBase); trimmed != "" {
		cfg.RsyncBase = trimmed
	}
	if trimmed := strings.TrimSpace(*dsn); trimmed != "" {
		cfg.Database.DSN = trimmed
	}

	appLog := logging.New(cfg.Logging)

	rootCtx := context.Background()

	caStore, pubStore, closeStore, err := openStores(rootCtx, cfg)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer closeStore()

	sgn := signer.NewSoftSigner()
	leases := leaseCoordinator(cfg)
	queue := mq.New(256)
	transport := facade.NewHTTPRemoteTransport(10*time.Second, nil)

	caFacade := facade.NewCAServer(caStore, sgn, transport, leases, queue, cfg.RsyncBase, appLog)
	pubFacade := facade.NewPubServer(pubStore, leases)

	if _, err := pubFacade.GetServer(rpki.MustHandle(pubServerHandle)); err != nil {
		if _, err := pubFacade.InitServer(rootCtx, rpki.MustHandle(pubServerHandle), cfg.RsyncBase); err != nil {
			log.Fatalf("init publication server: %v", err)
		}
	}

	dispatcher := &facade.Dispatcher{CA: caFacade, Pub: pubFacade, Queue: queue, PubHandle: rpki.MustHandle(pubServerHandle), Log: appLog}

	sched, err := scheduler.New(scheduler.Config{
		DrainInterval:     cfg.Scheduler.DrainInterval,
		RefreshInterval:   cfg.Scheduler.RefreshInterval,
		RepublishInterval: cfg.Scheduler.RepublishInterval,
	}, dispatcher, caFacade, appLog)
	if err != nil {
		log.Fatalf("build scheduler: %v", err)
	}
	sched.Start()

	apiCfg := httpapi.Config{
		JWTSecret:      cfg.Auth.JWTSecret,
		RateLimitRPS:   float64(cfg.Auth.RateLimitRPS),
		RateLimitBurst: cfg.Auth.RateLimitRPS,
	}
	handler := httpapi.New(caFacade, pubFacade, caStore, pubStore, pubServerHandle, apiCfg, appLog)

	listenAddr := determineAddr(*addr, cfg)
	httpServer := httpapi.NewHTTPServer(listenAddr, handler)

	go func() {
		appLog.WithFields(map[string]any{"addr": listenAddr}).Info("cad listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("http server shutdown")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("scheduler shutdown")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	return config.Load()
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	host := strings.TrimSpace(cfg.Server.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func leaseCoordinator(cfg *config.Config) facade.LeaseCoordinator {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return facade.NewNoopLeases()
	}
	return facade.NewRedisLeases(addr, cfg.Redis.Password, cfg.Redis.DB)
}

type closeFunc func()

func openStores(ctx context.Context, cfg *config.Config) (facade.CAStore, facade.PubStore, closeFunc, error) {
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" {
		caStore := eventsourcing.NewMemStore[*ca.CA, ca.Command, ca.Event, ca.Init]("ca", ca.New)
		pubStore := eventsourcing.NewMemStore[*pubserver.Server, pubserver.Command, pubserver.Event, pubserver.Init]("pubd", pubserver.New)
		return caStore, pubStore, func() {}, nil
	}

	db, err := postgrestore.Open(ctx, dsn, cfg.Database.MigrateOnStart)
	if err != nil {
		return nil, nil, nil, err
	}
	caStore := postgrestore.New[*ca.CA, ca.Command, ca.Event, ca.Init](db, "ca", ca.New)
	pubStore := postgrestore.New[*pubserver.Server, pubserver.Command, pubserver.Event, pubserver.Init](db, "pubd", pubserver.New)
	return caStore, pubStore, func() { _ = db.Close() }, nil
}
