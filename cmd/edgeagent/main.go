// Command edgeagent runs the facility-side Edge Sync Agent: it collects
// meter readings over Modbus/BACnet, uploads them to the tenant's remote
// API, mirrors reference data down from the remote database, ages out old
// rows, and exposes a loopback Control API. Grounded on Resin's
// cmd/resin/main.go phased-startup, signal-driven shutdown idiom.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/emil-guirguis/edge-sync-agent/internal/buildinfo"
	"github.com/emil-guirguis/edge-sync-agent/internal/cache"
	"github.com/emil-guirguis/edge-sync-agent/internal/cleanup"
	"github.com/emil-guirguis/edge-sync-agent/internal/collector"
	"github.com/emil-guirguis/edge-sync-agent/internal/config"
	"github.com/emil-guirguis/edge-sync-agent/internal/connpool"
	api "github.com/emil-guirguis/edge-sync-agent/internal/controlapi"
	"github.com/emil-guirguis/edge-sync-agent/internal/pullsync"
	"github.com/emil-guirguis/edge-sync-agent/internal/pushsync"
	"github.com/emil-guirguis/edge-sync-agent/internal/reliability"
	"github.com/emil-guirguis/edge-sync-agent/internal/scheduler"
	"github.com/emil-guirguis/edge-sync-agent/internal/store"
)

// defaultCleanupCron runs retention cleanup once daily; the spec names
// READING_RETENTION_DAYS/LOG_RETENTION_DAYS as the knobs that matter and
// leaves the cadence unspecified, so this is a fixed, undocumented-knob
// default rather than an env var of its own.
const defaultCleanupCron = "0 2 * * *"

// defaultModbusConnectTimeout applies to Modbus TCP dials; the env contract
// only names BACNET_CONNECT_TIMEOUT_MS; Modbus has no equivalent knob and
// uses this fixed value instead.
const defaultModbusConnectTimeout = 5 * time.Second

func main() {
	log.Printf("edge-sync-agent %s (commit %s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fatalf("%v", err)
	}

	localStore, err := store.Bootstrap(envCfg.StateDir, envCfg.LocalDBName)
	if err != nil {
		fatalf("local store bootstrap: %v", err)
	}
	defer localStore.Close()
	log.Println("Local store bootstrap complete")

	remoteDB, err := openRemoteDB(envCfg)
	if err != nil {
		fatalf("remote db: %v", err)
	}
	defer remoteDB.Close()

	schemaVersion, err := localStore.SchemaVersion()
	if err != nil {
		log.Printf("Warning: read schema version: %v", err)
	}

	meterCache := cache.New()
	breakers := reliability.NewBreakerRegistry(reliability.BreakerOptions{})
	retrier := reliability.NewRetrier(reliability.RetrierOptions{MaxRetries: envCfg.MaxRetries})

	modbusPool := connpool.NewManager(collector.ModbusDial, collector.ModbusProbe, connpool.Options{}, nil)
	defer modbusPool.CloseAll()
	bacnetPool := connpool.NewManager(collector.BACnetDial, collector.BACnetProbe, connpool.Options{}, nil)
	defer bacnetPool.CloseAll()

	coll := collector.New(collector.Config{
		Store:                localStore,
		Cache:                meterCache,
		Breakers:             breakers,
		Retrier:              retrier,
		ModbusPool:           modbusPool,
		ModbusConnectTimeout: defaultModbusConnectTimeout,
		BACnetPool:           bacnetPool,
		BACnetConnectTimeout: time.Duration(envCfg.BACnetConnectTimeoutMS) * time.Millisecond,
	})

	upload := pushsync.New(pushsync.Config{
		Store:      localStore,
		APIURL:     envCfg.ClientAPIURL,
		APIKey:     envCfg.ClientAPIKey,
		BatchSize:  envCfg.BatchSize,
		MaxRetries: envCfg.MaxRetries,
		RequestTimeout: envCfg.APITimeout,
		Retrier:    reliability.NewRetrier(reliability.RetrierOptions{MaxRetries: envCfg.MaxRetries}),
	})

	pull := pullsync.New(pullsync.Config{
		RemoteDB:        remoteDB,
		Local:           localStore,
		LocalCacheStore: localStore,
		Cache:           meterCache,
		Warnings:        coll,
		Retrier:         reliability.NewRetrier(reliability.RetrierOptions{MaxRetries: envCfg.MaxRetries}),
	})

	clean := cleanup.New(cleanup.Config{
		Store:                localStore,
		ReadingRetentionDays: envCfg.ReadingRetentionDays,
		LogRetentionDays:     envCfg.LogRetentionDays,
	})

	sched := scheduler.New(scheduler.Config{
		Collector:          coll,
		PushSync:           upload,
		PullSync:           pull,
		Cleanup:            clean,
		CollectionInterval: time.Duration(envCfg.CollectionIntervalSeconds) * time.Second,
		UploadCron:         envCfg.UploadCron,
		PullSyncInterval:   time.Duration(envCfg.PullSyncIntervalMinutes) * time.Minute,
		CleanupCron:        defaultCleanupCron,
		ShutdownTimeout:    10 * time.Second,
	})

	// Startup order per §4/§9: initial pull-sync is blocking and fatal on
	// failure (the cache and the collector have nothing to work from until
	// reference data has been mirrored at least once), then the tickers and
	// cron entries start.
	if err := sched.Start(context.Background()); err != nil {
		fatalf("scheduler start: %v", err)
	}
	log.Println("Scheduler started: initial pull-sync complete, collection/upload/pull-sync/cleanup timers running")

	controlSrv := api.NewServer(api.Config{
		Port:          envCfg.ControlAPIPort,
		Store:         localStore,
		Cache:         meterCache,
		Scheduler:     sched,
		SchemaVersion: schemaVersion,
	})

	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("Control API starting on 127.0.0.1:%d", envCfg.ControlAPIPort)
		if err := controlSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("control api: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runtimeErr error
	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
	case err := <-serverErrCh:
		runtimeErr = err
		log.Printf("Received server runtime error (%v), shutting down...", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := controlSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Control API shutdown error: %v", err)
	}
	log.Println("Control API stopped")

	sched.Stop()
	log.Println("Scheduler stopped")

	if runtimeErr != nil {
		fatalf("runtime error: %v", runtimeErr)
	}
}

func openRemoteDB(envCfg *config.EnvConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		envCfg.RemoteDBHost, envCfg.RemoteDBPort, envCfg.RemoteDBName,
		envCfg.RemoteDBUser, envCfg.RemoteDBPassword, envCfg.RemoteDBSSLMode,
	)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
