// Command polystored runs the classified data platform daemon: the MAC
// engine, polyinstantiation store, sync engine, and CDS workflow behind one
// HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polystore/internal/auditarchive"
	"polystore/internal/cds"
	"polystore/internal/config"
	"polystore/internal/core"
	"polystore/internal/infra/persistence/memory"
	"polystore/internal/infra/persistence/postgres"
	"polystore/internal/infra/persistence/sqlite"
	"polystore/internal/mac"
	"polystore/internal/poly"
	"polystore/internal/seccache"
	"polystore/internal/syncengine"
	"polystore/pkg/domain"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if err := run(*configPath, logger); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, closeStorage, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStorage()

	auditLog := domain.NewMemoryAuditLog()

	macEngine := mac.NewEngine(mac.DefaultPolicy(), auditLog,
		mac.WithDecisionTTL(cfg.MAC.DecisionTTL))

	cache := seccache.New(macEngine,
		seccache.WithCapacity(cfg.Cache.Capacity),
		seccache.WithMaxBytes(cfg.Cache.MaxBytes),
		seccache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		seccache.WithSweepInterval(cfg.Cache.SweepInterval),
		seccache.WithAuditRecorder(auditLog))
	cache.Start()
	defer cache.Stop()

	store := poly.NewStore(storage, macEngine,
		poly.WithViewCache(cache),
		poly.WithAuditRecorder(auditLog))

	transport := syncengine.NewRESTTransport(cfg.Sync.RemoteURL, cfg.Sync.Token, nil)
	syncEngine := syncengine.NewEngine(syncengine.Config{
		OfflineQueueLimit: cfg.Sync.OfflineQueueLimit,
		BatchSize:         cfg.Sync.BatchSize,
		SubBatchSize:      cfg.Sync.SubBatchSize,
		Concurrency:       cfg.Sync.Concurrency,
		MaxRetries:        cfg.Sync.MaxRetries,
		BaseDelay:         cfg.Sync.BaseDelay,
		Debounce:          cfg.Sync.Debounce,
		PullPageLimit:     cfg.Sync.PullPageLimit,
	}, transport, store, storage, syncAgentContext(), syncengine.WithAuditRecorder(auditLog))
	defer syncEngine.Stop()

	workflow := cds.NewWorkflow(cds.Config{
		RequiredApprovals: cfg.CDS.RequiredApprovals,
		DistinctApprovers: cfg.CDS.DistinctApprovers,
	}, storage, store, macEngine, cds.WithAuditRecorder(auditLog))

	registry := prometheus.NewRegistry()
	metrics, err := core.NewPrometheusMetricsRecorder(registry)
	if err != nil {
		return err
	}
	service := core.NewService(store, syncEngine, workflow,
		core.WithAuditRecorder(auditLog),
		core.WithMetricsRecorder(metrics),
		core.WithLogger(slogAdapter{logger}))

	var archiver *auditarchive.Archiver
	if cfg.Archive.Enabled {
		objects, err := auditarchive.NewS3ObjectStore(ctx, auditarchive.S3Config{
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			Endpoint:  cfg.Archive.Endpoint,
			PathStyle: cfg.Archive.PathStyle,
		})
		if err != nil {
			return err
		}
		archiver = auditarchive.NewArchiver(auditLog, objects,
			auditarchive.WithPrefix(cfg.Archive.Prefix),
			auditarchive.WithFlushInterval(cfg.Archive.FlushInterval))
		archiver.Start(ctx)
		defer func() {
			if err := archiver.Stop(context.Background()); err != nil {
				logger.Error("final audit flush failed", "error", err)
			}
		}()
	}

	router := buildRouter(service, workflow, registry)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "storage", cfg.Storage.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}

func openStorage(cfg config.Storage) (domain.Storage, func(), error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewStore(domain.DefaultIndexes()...), func() {}, nil
	case "sqlite":
		s, err := sqlite.NewStore(cfg.Path, domain.DefaultIndexes()...)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := postgres.NewStore(cfg.DSN, domain.DefaultIndexes()...)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// syncAgentContext is the engine-bound identity pulled changes are written
// under. Its clearance caps what the pull may accept.
func syncAgentContext() domain.SecurityContext {
	now := time.Now().UTC()
	return domain.SecurityContext{
		SubjectID:    "sync-agent",
		Clearance:    domain.LevelTopSecret,
		Compartments: nil,
		Roles:        []domain.Role{mac.RoleSyncAgent},
		AuthProof:    domain.AuthProof{TokenID: "sync-agent", MFA: true, IssuedAt: now},
		IssuedAt:     now,
		ExpiresAt:    now.Add(365 * 24 * time.Hour),
	}
}

func buildRouter(service *core.Service, workflow *cds.Workflow, registry *prometheus.Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	cds.NewHandler(workflow, headerAuth).Register(router)

	api := router.Group("/api/v1")
	api.GET("/entities/:id", func(c *gin.Context) {
		sctx, ok := authOrAbort(c)
		if !ok {
			return
		}
		view, err := service.GetMergedEntity(c.Request.Context(), c.Param("id"), sctx)
		if err != nil {
			writeError(c, err)
			return
		}
		if view == nil {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "no visible instance"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "view": view})
	})
	api.PUT("/entities/:id", func(c *gin.Context) {
		sctx, ok := authOrAbort(c)
		if !ok {
			return
		}
		var instance domain.Instance
		if err := c.ShouldBindJSON(&instance); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
			return
		}
		instance.LogicalID = c.Param("id")
		if err := service.PutEntity(c.Request.Context(), instance, sctx); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	api.POST("/sync/run", func(c *gin.Context) {
		sctx, ok := authOrAbort(c)
		if !ok {
			return
		}
		direction := syncengine.Direction(c.DefaultQuery("direction", string(syncengine.DirectionBidirectional)))
		report, err := service.Sync(c.Request.Context(), direction, sctx)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "report": report})
	})
	api.POST("/sync/dead-letters/requeue", func(c *gin.Context) {
		sctx, ok := authOrAbort(c)
		if !ok {
			return
		}
		requeued, err := service.RequeueDeadLetters(c.Request.Context(), sctx)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "requeued": requeued})
	})
	api.GET("/sync/conflicts", func(c *gin.Context) {
		if _, ok := authOrAbort(c); !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "conflicts": service.SyncConflicts()})
	})
	return router
}

// headerAuth trusts the fronting proxy to authenticate subjects and carry
// the security context in headers. The daemon itself never terminates user
// credentials.
func headerAuth(c *gin.Context) (domain.SecurityContext, error) {
	subject := c.GetHeader("X-Subject")
	if subject == "" {
		return domain.SecurityContext{}, nil
	}
	clearance, err := domain.ParseClassificationLevel(c.GetHeader("X-Clearance"))
	if err != nil {
		return domain.SecurityContext{}, err
	}

	var compartments []domain.Compartment
	if raw := c.GetHeader("X-Compartments"); raw != "" {
		for _, label := range strings.Split(raw, ",") {
			compartments = append(compartments, domain.Compartment(strings.TrimSpace(label)))
		}
	}
	var roles []domain.Role
	for _, role := range strings.Split(c.GetHeader("X-Roles"), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, domain.Role(role))
		}
	}

	now := time.Now().UTC()
	return domain.SecurityContext{
		SubjectID:    subject,
		Clearance:    clearance,
		Compartments: domain.NewCompartmentSet(compartments...),
		Roles:        roles,
		AuthProof: domain.AuthProof{
			TokenID:  c.GetHeader("X-Token-ID"),
			MFA:      strings.EqualFold(c.GetHeader("X-MFA"), "true"),
			IssuedAt: now,
		},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}, nil
}

func authOrAbort(c *gin.Context) (domain.SecurityContext, bool) {
	sctx, err := headerAuth(c)
	if err != nil || sctx.SubjectID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthenticated"})
		return domain.SecurityContext{}, false
	}
	return sctx, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case domain.IsAccessDenied(err):
		c.JSON(http.StatusForbidden, gin.H{"ok": false, "error": "access denied"})
	case domain.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
	case domain.IsResourceExhausted(err):
		c.JSON(http.StatusInsufficientStorage, gin.H{"ok": false, "error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
	}
}

// slogAdapter bridges slog to the service's logging surface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Debug(msg string, keyvals ...any) { a.logger.Debug(msg, keyvals...) }
func (a slogAdapter) Info(msg string, keyvals ...any)  { a.logger.Info(msg, keyvals...) }
func (a slogAdapter) Warn(msg string, keyvals ...any)  { a.logger.Warn(msg, keyvals...) }
func (a slogAdapter) Error(msg string, keyvals ...any) { a.logger.Error(msg, keyvals...) }
