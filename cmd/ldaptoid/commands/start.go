package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ldaptoid/ldaptoid/internal/logger"
	"github.com/ldaptoid/ldaptoid/internal/telemetry"
	ldapadapter "github.com/ldaptoid/ldaptoid/pkg/adapter/ldap"
	"github.com/ldaptoid/ldaptoid/pkg/allocator"
	"github.com/ldaptoid/ldaptoid/pkg/api"
	"github.com/ldaptoid/ldaptoid/pkg/config"
	"github.com/ldaptoid/ldaptoid/pkg/idp"
	"github.com/ldaptoid/ldaptoid/pkg/idp/oauth"
	"github.com/ldaptoid/ldaptoid/pkg/mapstore"
	"github.com/ldaptoid/ldaptoid/pkg/metrics"
	promimpl "github.com/ldaptoid/ldaptoid/pkg/metrics/prometheus"
	"github.com/ldaptoid/ldaptoid/pkg/snapshot"
)

// Allocator salts. Distinct salts keep the UID and GID number spaces
// independent; changing them re-shuffles every hashed id, so they are
// fixed for the life of a deployment.
const (
	uidAllocatorSalt = "ldaptoid-uid"
	gidAllocatorSalt = "ldaptoid-gid"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the LDAP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return runServer(cfg)
	},
}

// runServer wires the components and blocks until shutdown.
func runServer(cfg *config.Config) error {
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "ldaptoid",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err)
		}
	}()

	// Metrics before any component that records them.
	if cfg.Admin.Enabled {
		metrics.InitRegistry()
	}

	// IdP adapter and token cache.
	idpCfg := config.IdPConfigOf(cfg)
	adapter, err := idp.New(idpCfg, nil)
	if err != nil {
		return err
	}
	tokens := oauth.NewCache(nil, promimpl.NewTokenMetrics())
	logger.Info("idp adapter configured", logger.KeyIdP, cfg.IdP.Type)

	// Allocators and snapshot builder.
	uid := allocator.New(uidAllocatorSalt, allocator.WithMetrics(promimpl.NewAllocatorMetrics("uid")))
	gid := allocator.New(gidAllocatorSalt, allocator.WithMetrics(promimpl.NewAllocatorMetrics("gid")))
	refreshMetrics := promimpl.NewRefreshMetrics()
	builder := &snapshot.Builder{
		UID:              uid,
		GID:              gid,
		MaxGroupMembers:  cfg.Refresh.MaxGroupMembers,
		Features:         cfg.Refresh.EnabledFeatures,
		MirrorMinMembers: cfg.Refresh.MirrorMinMembers,
		Metrics:          builderMetricsOrNil(refreshMetrics),
	}

	// Optional mapping store. Unreachable is degraded, never fatal.
	var store mapstore.Store
	if cfg.MappingStore.Enabled {
		redisStore := mapstore.NewRedisStore(mapstore.RedisConfig{
			Host:      cfg.MappingStore.Host,
			Port:      cfg.MappingStore.Port,
			Password:  cfg.MappingStore.Password,
			Database:  cfg.MappingStore.Database,
			OpTimeout: cfg.MappingStore.OpTimeout,
		})
		if err := redisStore.Connect(ctx); err != nil {
			logger.Warn("mapping store unreachable; running with in-memory allocation",
				logger.KeyError, err)
		} else {
			store = redisStore
			defer func() {
				_ = redisStore.Disconnect(context.Background())
			}()
		}
	}

	sched := snapshot.NewScheduler(snapshot.SchedulerConfig{
		Interval:          cfg.Refresh.Interval,
		MaxBackoff:        cfg.Refresh.MaxBackoff,
		BackoffMultiplier: cfg.Refresh.BackoffMultiplier,
		MaxRetries:        cfg.Refresh.MaxRetries,
	}, snapshot.NewSource(adapter, tokens, idpCfg), builder, store, schedulerMetricsOrNil(refreshMetrics))
	if cfg.MappingStore.Enabled && store == nil {
		sched.MarkPersistenceDegraded()
	}
	sched.Seed(ctx)

	// LDAP front-end.
	ldapSrv, err := ldapadapter.New(ldapadapter.Config{
		BindAddress:        cfg.LDAP.BindAddress,
		Port:               cfg.LDAP.Port,
		BaseDN:             cfg.LDAP.BaseDN,
		BindDN:             cfg.LDAP.BindDN,
		BindPassword:       cfg.LDAP.BindPassword,
		AllowAnonymousBind: cfg.LDAP.AllowAnonymousBind,
		SizeLimit:          cfg.LDAP.SizeLimit,
		MaxConnections:     cfg.LDAP.MaxConnections,
		ShutdownTimeout:    cfg.LDAP.ShutdownTimeout,
		VendorVersion:      Version,
	}, sched, promimpl.NewLDAPMetrics())
	if err != nil {
		return err
	}

	// Run everything; the first component to fail takes the process down.
	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ldapSrv.Serve(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("ldap server: %w", err)
		}
	}()

	if cfg.Admin.Enabled {
		adminSrv := api.NewServer(cfg.Admin, sched)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adminSrv.Serve(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("ldaptoid running", "version", Version)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case runErr = <-errCh:
		logger.Error("component failed; shutting down", logger.KeyError, runErr)
	}
	signal.Stop(sigCh)
	cancel()
	wg.Wait()

	if runErr != nil {
		return runErr
	}
	logger.Info("server stopped gracefully")
	return nil
}

// builderMetricsOrNil avoids a typed-nil interface when metrics are
// disabled.
func builderMetricsOrNil(m promimpl.RefreshMetrics) snapshot.BuilderMetrics {
	if m == nil {
		return nil
	}
	return m
}

func schedulerMetricsOrNil(m promimpl.RefreshMetrics) snapshot.SchedulerMetrics {
	if m == nil {
		return nil
	}
	return m
}
