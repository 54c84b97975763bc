// Package app wires every engine package into one running Core (spec §9's
// Go re-architecture note): construct the ambient stack (logger, tracer,
// Postgres, Redis, metrics), build the BWS client and the workflow engines
// on top of it, and start the background loops (region health probing,
// deletion-request escalation sweep). Grounded on the reference stack's
// Run(ctx, cfg) bootstrap sequence, generalized away from HTTP-handler
// mounting into direct struct wiring since the engine's admin surface is a
// plain Go interface (AdminAPI), not a router.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/audit"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/config"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/lock"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/platform"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/store"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/telemetry"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/bulk"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/bws"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/credential"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/enroll"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/lifecycle"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/liveness"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/verify"
)

const serviceName = "bioengine"

// version is stamped at build time via -ldflags; "dev" is the fallback for
// local runs.
var version = "dev"

// Core bundles every wired engine and the infrastructure they share. It is
// the engine's top-level handle: a host embeds it and calls into the
// engines directly, or through AdminAPI for the administrative surface.
type Core struct {
	Config *config.Store

	DB    *pgxpool.Pool
	Redis *redis.Client

	Metrics  *telemetry.Metrics
	Registry *prometheus.Registry
	Logger   *slog.Logger
	Audit    *audit.Writer

	BWS       *bws.Client
	Enroll    *enroll.Engine
	Verify    *verify.Engine
	Liveness  *liveness.Engine
	Lifecycle *lifecycle.Manager
	Bulk      *bulk.Engine

	CredentialStore credential.Store
	Deletions       *store.DeletionStore

	shutdownTracer telemetry.ShutdownFunc
}

// New builds a Core from cfg, connecting to every piece of backing
// infrastructure and wiring every engine on top of it. The caller owns
// calling Close when done.
func New(ctx context.Context, cfg *config.Config, credentialStore credential.Store) (*Core, error) {
	if credentialStore == nil {
		return nil, fmt.Errorf("app: a credential.Store implementation is required")
	}

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting bioengine", "preferred_region", cfg.PreferredRegion, "failover_enabled", cfg.FailoverEnabled)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, version)
	if err != nil {
		return nil, fmt.Errorf("app: initializing tracer: %w", err)
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = shutdownTracer(ctx)
		return nil, fmt.Errorf("app: connecting to database: %w", err)
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		db.Close()
		_ = shutdownTracer(ctx)
		return nil, fmt.Errorf("app: connecting to redis: %w", err)
	}

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		rdb.Close()
		db.Close()
		_ = shutdownTracer(ctx)
		return nil, fmt.Errorf("app: running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metrics := telemetry.NewMetrics()
	registry := telemetry.NewRegistry(metrics.Collectors()...)

	endpoints := cfg.RegionEndpoints
	if len(endpoints) == 0 {
		endpoints = map[string]string{cfg.PreferredRegion: cfg.Endpoint}
	}
	if cfg.DataResidencyRequired {
		if endpoint, ok := endpoints[cfg.PreferredRegion]; ok {
			endpoints = map[string]string{cfg.PreferredRegion: endpoint}
		}
	}
	regionEndpoints := make(map[bws.Region]string, len(endpoints))
	for region, endpoint := range endpoints {
		regionEndpoints[bws.Region(region)] = endpoint
	}

	bwsClient, err := bws.NewClient(bws.ClientConfig{
		ClientID:        cfg.ClientID,
		SecretKey:       cfg.SecretKey,
		Endpoints:       regionEndpoints,
		PreferredRegion: bws.Region(cfg.PreferredRegion),
		FailoverEnabled: cfg.FailoverEnabled,
		ChannelPoolSize: cfg.ChannelPoolSize,
		KeepAlive:       time.Duration(cfg.KeepAliveTimeSeconds) * time.Second,
		TokenTTL:        5 * time.Minute,
		Metrics:         metrics,
	})
	if err != nil {
		rdb.Close()
		db.Close()
		_ = shutdownTracer(ctx)
		return nil, fmt.Errorf("app: building bws client: %w", err)
	}

	auditWriter := audit.NewWriter(logger)
	auditWriter.Start(ctx)

	locks := lock.NewStriped()
	deletions := store.NewDeletionStore(db)

	livenessEngine := &liveness.Engine{
		BWS:                     bwsClient,
		Redis:                   rdb,
		Metrics:                 metrics,
		ConfidenceThreshold:     cfg.LivenessConfidenceThreshold,
		DefaultMode:             bws.LivenessPassive,
		AdaptiveMode:            cfg.LivenessAdaptiveMode,
		PassiveOverheadBudget:   time.Duration(cfg.LivenessMaxOverheadMs) * time.Millisecond,
		ActiveOverheadBudget:    time.Duration(cfg.LivenessActiveMaxOverheadMs) * time.Millisecond,
		ChallengeOverheadBudget: time.Duration(cfg.LivenessChallengeMaxOverheadMs) * time.Millisecond,
		Logger:                  logger,
	}

	enrollEngine := &enroll.Engine{
		BWS:         bwsClient,
		Store:       credentialStore,
		Audit:       auditWriter,
		Metrics:     metrics,
		Locks:       locks,
		MaxImages:   cfg.MaxEnrollmentImages,
		TemplateTTL: time.Duration(cfg.TemplateTTLDays) * 24 * time.Hour,
		Logger:      logger,
	}

	verifyEngine := &verify.Engine{
		BWS:       bwsClient,
		Store:     credentialStore,
		Liveness:  livenessEngine,
		Audit:     auditWriter,
		Metrics:   metrics,
		Threshold: cfg.VerificationThreshold,
		Logger:    logger,
	}

	lifecycleManager := &lifecycle.Manager{
		BWS:                   bwsClient,
		Store:                 credentialStore,
		Deletions:             deletions,
		Escalation:            &lifecycle.LogEscalationSink{Logger: logger, Metrics: metrics},
		Metrics:               metrics,
		Logger:                logger,
		CurrentEncoderVersion: cfg.CurrentEncoderVersion,
		ExpiringSoonWindow:    time.Duration(cfg.TemplateExpiringSoonDays) * 24 * time.Hour,
	}

	bulkEngine := &bulk.Engine{
		Metrics: metrics,
		Logger:  logger,
	}

	core := &Core{
		Config:          config.NewStore(cfg),
		DB:              db,
		Redis:           rdb,
		Metrics:         metrics,
		Registry:        registry,
		Logger:          logger,
		Audit:           auditWriter,
		BWS:             bwsClient,
		Enroll:          enrollEngine,
		Verify:          verifyEngine,
		Liveness:        livenessEngine,
		Lifecycle:       lifecycleManager,
		Bulk:            bulkEngine,
		CredentialStore: credentialStore,
		Deletions:       deletions,
		shutdownTracer:  shutdownTracer,
	}

	return core, nil
}

// RunBackgroundLoops starts the engine's periodic maintenance: regional
// health probing (spec §4.1.2) and the deletion-request escalation sweep
// (spec §4.5). It blocks until ctx is cancelled.
func (c *Core) RunBackgroundLoops(ctx context.Context) {
	go c.runEscalationSweepLoop(ctx)
	go c.BWS.RunHealthLoop(ctx)
	<-ctx.Done()
}

func (c *Core) runEscalationSweepLoop(ctx context.Context) {
	interval := time.Duration(c.Config.Load().TemplateCleanupIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Lifecycle.RunEscalationSweep(ctx)
			if err != nil {
				c.Logger.Error("escalation sweep failed", "error", err)
				continue
			}
			if n > 0 {
				c.Logger.Info("escalation sweep completed", "escalated", n)
			}
		}
	}
}

// Close releases every resource Core holds. Call it once, after
// RunBackgroundLoops returns.
func (c *Core) Close(ctx context.Context) error {
	c.Audit.Close()

	tracerErr := c.shutdownTracer(ctx)

	if err := c.Redis.Close(); err != nil {
		c.Logger.Error("closing redis", "error", err)
	}
	c.DB.Close()

	if tracerErr != nil {
		return fmt.Errorf("app: shutting down tracer: %w", tracerErr)
	}
	return nil
}

// AdminAPI is the engine's administrative surface (spec §6.3): template
// status and health, bulk fan-out over many users, the deletion-request
// review workflow, and runtime config inspection/update. It is a plain Go
// interface — the host is responsible for exposing it over whatever
// transport (HTTP, gRPC, an internal RPC bus) its deployment needs.
type AdminAPI interface {
	TemplateStatus(ctx context.Context, realm, userID string) (bws.TemplateStatus, error)
	ServiceHealth(ctx context.Context) (bws.HealthReport, error)
	HealthReport(ctx context.Context, identities []lifecycle.TemplateIdentity) ([]lifecycle.TemplateHealth, error)
	DeleteTemplate(ctx context.Context, realm, userID string) (bws.DeleteOutcome, error)
	UpgradeTemplate(ctx context.Context, realm, userID string) (*credential.Record, error)

	SubmitBulkDelete(ctx context.Context, realm string, userIDs []string) (string, error)
	BulkOperationStatus(operationID string) (store.BulkOperation, bool)
	CancelBulkOperation(operationID string) bool

	CreateDeletionRequest(ctx context.Context, realm, userID, reason string, priority store.DeletionPriority) (*store.DeletionRequest, error)
	ApproveDeletionRequest(ctx context.Context, id, reviewedBy string) (*store.DeletionRequest, error)
	DeclineDeletionRequest(ctx context.Context, id, reviewedBy, note string) (*store.DeletionRequest, error)
	CancelDeletionRequest(ctx context.Context, id string) (*store.DeletionRequest, error)
	ProcessDeletionRequest(ctx context.Context, id string) (*store.DeletionRequest, error)

	GetConfig() *config.Config
	ProposeConfigUpdate(next *config.Config) error
}

var _ AdminAPI = (*Core)(nil)

// TemplateStatus reports the BWS-side enrollment snapshot for one user.
func (c *Core) TemplateStatus(ctx context.Context, realm, userID string) (bws.TemplateStatus, error) {
	return c.Lifecycle.GetStatus(ctx, realm, userID)
}

// ServiceHealth reports the BWS service's current operational status.
func (c *Core) ServiceHealth(ctx context.Context) (bws.HealthReport, error) {
	return c.Lifecycle.ServiceHealth(ctx)
}

// HealthReport classifies template health for each given identity (spec
// §4.5).
func (c *Core) HealthReport(ctx context.Context, identities []lifecycle.TemplateIdentity) ([]lifecycle.TemplateHealth, error) {
	return c.Lifecycle.HealthReport(ctx, identities)
}

// DeleteTemplate deletes a single user's template from BWS and the host's
// credential store (spec §6.3).
func (c *Core) DeleteTemplate(ctx context.Context, realm, userID string) (bws.DeleteOutcome, error) {
	outcome, err := c.BWS.DeleteTemplate(ctx, realm, userID)
	if err != nil {
		return outcome, err
	}
	if err := c.CredentialStore.Delete(ctx, realm, userID); err != nil {
		return outcome, fmt.Errorf("app: deleting credential record: %w", err)
	}
	return outcome, nil
}

// UpgradeTemplate re-enrolls a template from its stored thumbnails and bumps
// its encoder version (spec §4.5).
func (c *Core) UpgradeTemplate(ctx context.Context, realm, userID string) (*credential.Record, error) {
	return c.Lifecycle.Upgrade(ctx, realm, userID)
}

// SubmitBulkDelete fans a template deletion out over many users (spec §4.6).
func (c *Core) SubmitBulkDelete(ctx context.Context, realm string, userIDs []string) (string, error) {
	return c.Bulk.Submit(ctx, store.BulkDelete, userIDs, func(ctx context.Context, userID string) error {
		if _, err := c.BWS.DeleteTemplate(ctx, realm, userID); err != nil {
			return err
		}
		return c.CredentialStore.Delete(ctx, realm, userID)
	}, nil)
}

// BulkOperationStatus returns the O(1) progress snapshot for a bulk operation.
func (c *Core) BulkOperationStatus(operationID string) (store.BulkOperation, bool) {
	return c.Bulk.Progress(operationID)
}

// CancelBulkOperation cooperatively cancels a running bulk operation.
func (c *Core) CancelBulkOperation(operationID string) bool {
	return c.Bulk.Cancel(operationID)
}

// CreateDeletionRequest opens a new GDPR-oriented deletion request.
func (c *Core) CreateDeletionRequest(ctx context.Context, realm, userID, reason string, priority store.DeletionPriority) (*store.DeletionRequest, error) {
	return c.Lifecycle.CreateDeletionRequest(ctx, realm, userID, reason, priority)
}

// ApproveDeletionRequest transitions PENDING -> APPROVED.
func (c *Core) ApproveDeletionRequest(ctx context.Context, id, reviewedBy string) (*store.DeletionRequest, error) {
	return c.Lifecycle.Approve(ctx, id, reviewedBy)
}

// DeclineDeletionRequest transitions PENDING -> DECLINED.
func (c *Core) DeclineDeletionRequest(ctx context.Context, id, reviewedBy, note string) (*store.DeletionRequest, error) {
	return c.Lifecycle.Decline(ctx, id, reviewedBy, note)
}

// CancelDeletionRequest transitions PENDING -> CANCELLED.
func (c *Core) CancelDeletionRequest(ctx context.Context, id string) (*store.DeletionRequest, error) {
	return c.Lifecycle.Cancel(ctx, id)
}

// ProcessDeletionRequest executes an APPROVED deletion request.
func (c *Core) ProcessDeletionRequest(ctx context.Context, id string) (*store.DeletionRequest, error) {
	return c.Lifecycle.Process(ctx, id)
}

// GetConfig returns the currently active configuration snapshot.
func (c *Core) GetConfig() *config.Config {
	return c.Config.Load()
}

// ProposeConfigUpdate validates and, if valid, atomically swaps in next
// (spec §6.4). It never partially applies an update.
func (c *Core) ProposeConfigUpdate(next *config.Config) error {
	return c.Config.ProposeUpdate(next)
}
