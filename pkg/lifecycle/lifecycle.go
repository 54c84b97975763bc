// Package lifecycle manages a template's life after enrollment (spec §4.5):
// status and health lookups, template upgrade, expired-template cleanup,
// and the deletion-request approval/processing state machine. The state
// machine's persistence is grounded on internal/store's Postgres CAS
// primitive; the sweep/escalation shape follows the same periodic-sweep
// idiom pkg/bulk's worker loop uses.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/coreerrors"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/store"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/telemetry"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/bws"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/credential"
)

// errUpgradeNoThumbnails marks an upgrade attempt on a template that was
// never enrolled with thumbnails retained, so there is no source material to
// re-enroll from.
var errUpgradeNoThumbnails = errors.New("lifecycle: template has no stored thumbnails to upgrade from")

// TemplateIdentity addresses one user's template the same way the rest of
// this package does: by (realm, user_id) rather than a bare numeric id,
// since that's the key every other lifecycle operation and the credential
// store itself are keyed on.
type TemplateIdentity struct {
	Realm  string
	UserID string
}

// HealthClassification is the outcome of HealthReport for one template.
type HealthClassification string

const (
	HealthHealthy           HealthClassification = "healthy"
	HealthOutdatedEncoder   HealthClassification = "outdated_encoder"
	HealthExpiringSoon      HealthClassification = "expiring_soon"
	HealthMissingThumbnails HealthClassification = "missing_thumbnails"
	HealthOrphaned          HealthClassification = "orphaned"
	HealthSyncMismatch      HealthClassification = "sync_mismatch"
)

// TemplateHealth is one template's classification from HealthReport.
type TemplateHealth struct {
	Identity       TemplateIdentity
	TemplateID     int64
	Classification HealthClassification
}

const defaultExpiringSoonWindow = 30 * 24 * time.Hour

// EscalationSink is notified when a deletion request has sat PENDING past
// the review SLA (spec §4.5: 5 days). The host decides how to page a
// reviewer; this package only detects the condition.
type EscalationSink interface {
	Escalate(ctx context.Context, dr *store.DeletionRequest)
}

// LogEscalationSink is the reference EscalationSink: it logs a warning for
// each escalated request. It records no metric; the Metrics field is not
// used.
type LogEscalationSink struct {
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (s *LogEscalationSink) Escalate(_ context.Context, dr *store.DeletionRequest) {
	if s.Logger != nil {
		s.Logger.Warn("deletion request escalated past review SLA",
			"id", dr.ID, "realm", dr.Realm, "user_id", dr.UserID, "requested_at", dr.RequestedAt)
	}
}

const (
	escalationAfter = 5 * 24 * time.Hour
	maxDeleteRetries = 3
)

// Manager runs the template-lifecycle and deletion-request operations.
type Manager struct {
	BWS        *bws.Client
	Store      credential.Store
	Deletions  *store.DeletionStore
	Escalation EscalationSink
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
	Now        func() time.Time

	// CurrentEncoderVersion is the encoder version new enrollments are
	// produced with; HealthReport flags any record behind it as
	// outdated_encoder. Empty disables that check.
	CurrentEncoderVersion string
	// ExpiringSoonWindow is how far ahead of expires_at HealthReport flags a
	// record as expiring_soon. Zero uses defaultExpiringSoonWindow.
	ExpiringSoonWindow time.Duration
}

// GetStatus reports the BWS-side enrollment snapshot for one user.
func (m *Manager) GetStatus(ctx context.Context, realm, userID string) (bws.TemplateStatus, error) {
	return m.BWS.GetTemplateStatus(ctx, realm, userID, false)
}

// ServiceHealth reports the BWS service's current operational status.
func (m *Manager) ServiceHealth(ctx context.Context) (bws.HealthReport, error) {
	return m.BWS.ServiceHealth(ctx)
}

// HealthReport classifies each identity's template health by comparing the
// host's local credential record against BWS's remote status (spec §4.5):
// {healthy, outdated_encoder, expiring_soon, missing_thumbnails, orphaned,
// sync_mismatch}.
func (m *Manager) HealthReport(ctx context.Context, identities []TemplateIdentity) ([]TemplateHealth, error) {
	reports := make([]TemplateHealth, 0, len(identities))
	for _, id := range identities {
		record, found, err := m.Store.Get(ctx, id.Realm, id.UserID)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: reading credential record for %s/%s: %w", id.Realm, id.UserID, err)
		}
		if !found {
			reports = append(reports, TemplateHealth{Identity: id, Classification: HealthOrphaned})
			continue
		}

		status, err := m.BWS.GetTemplateStatus(ctx, id.Realm, id.UserID, false)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: fetching template status for %s/%s: %w", id.Realm, id.UserID, err)
		}

		reports = append(reports, TemplateHealth{
			Identity:       id,
			TemplateID:     record.TemplateID,
			Classification: m.classifyHealth(record, status),
		})
	}
	return reports, nil
}

// classifyHealth picks the single most severe classification that applies,
// in order: a template BWS no longer has is orphaned regardless of anything
// else; one whose remote template id disagrees with the host's record is
// desynced between the two sources of truth; only then do the lower-stakes,
// routine-maintenance classifications apply.
func (m *Manager) classifyHealth(record *credential.Record, status bws.TemplateStatus) HealthClassification {
	switch {
	case !status.Available:
		return HealthOrphaned
	case status.TemplateID != 0 && status.TemplateID != record.TemplateID:
		return HealthSyncMismatch
	case m.CurrentEncoderVersion != "" && record.EncoderVersion != m.CurrentEncoderVersion:
		return HealthOutdatedEncoder
	case !record.ExpiresAt.IsZero() && record.ExpiresAt.Before(m.now().Add(m.expiringSoonWindow())):
		return HealthExpiringSoon
	case !record.ThumbnailsStored:
		return HealthMissingThumbnails
	default:
		return HealthHealthy
	}
}

func (m *Manager) expiringSoonWindow() time.Duration {
	if m.ExpiringSoonWindow > 0 {
		return m.ExpiringSoonWindow
	}
	return defaultExpiringSoonWindow
}

// Upgrade re-enrolls a template from its stored thumbnails and bumps its
// encoder version (spec §4.5). Valid only for templates enrolled in a kind
// that retained thumbnails; the thumbnail bytes are zeroized as soon as
// they've been submitted to BWS, win or lose.
func (m *Manager) Upgrade(ctx context.Context, realm, userID string) (*credential.Record, error) {
	record, found, err := m.Store.Get(ctx, realm, userID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: reading credential record: %w", err)
	}
	if !found {
		return nil, coreerrors.ErrNotEnrolled
	}
	if !record.ThumbnailsStored {
		return nil, fmt.Errorf("lifecycle: upgrade %s/%s: %w", realm, userID, errUpgradeNoThumbnails)
	}

	status, err := m.BWS.GetTemplateStatus(ctx, realm, userID, true)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: fetching thumbnails for upgrade: %w", err)
	}
	if len(status.Thumbnails) == 0 {
		return nil, fmt.Errorf("lifecycle: upgrade %s/%s: %w", realm, userID, errUpgradeNoThumbnails)
	}
	defer zeroizeThumbnails(status.Thumbnails)

	images := make([]bws.Image, 0, len(status.Thumbnails))
	for _, thumb := range status.Thumbnails {
		images = append(images, bws.Image{Data: thumb, Codec: detectThumbnailCodec(thumb)})
	}

	enrollResult, err := m.BWS.Enroll(ctx, realm, userID, images)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: re-enrolling from thumbnails: %w", err)
	}

	record.EncoderVersion = enrollResult.EncoderVersion
	record.FeatureVectorCount = enrollResult.FeatureVectorCount
	record.ThumbnailsStored = enrollResult.ThumbnailsStored
	if err := m.Store.Put(ctx, realm, userID, record); err != nil {
		return nil, fmt.Errorf("lifecycle: persisting upgraded credential record: %w", err)
	}

	if m.Metrics != nil {
		m.Metrics.TemplateUpgradedTotal.Inc()
	}
	return record, nil
}

// zeroizeThumbnails overwrites every thumbnail's backing bytes so decoded
// biometric material doesn't linger in memory any longer than the upgrade
// call needs it.
func zeroizeThumbnails(thumbnails [][]byte) {
	for _, thumb := range thumbnails {
		for i := range thumb {
			thumb[i] = 0
		}
	}
}

func detectThumbnailCodec(data []byte) bws.Codec {
	if mimetype.Detect(data).Is("image/png") {
		return bws.CodecPNG
	}
	return bws.CodecJPEG
}

// CleanupExpired deletes every credential record whose TTL has elapsed,
// both from BWS and from the host's credential store.
func (m *Manager) CleanupExpired(ctx context.Context, realm string, candidates []string) (deleted, failed int) {
	now := m.now()
	for _, userID := range candidates {
		record, found, err := m.Store.Get(ctx, realm, userID)
		if err != nil || !found || !record.Expired(now) {
			continue
		}
		if _, err := m.BWS.DeleteTemplate(ctx, realm, userID); err != nil && !errors.Is(err, coreerrors.ErrAlreadyAbsent) {
			failed++
			m.logger().Warn("cleanup: deleting expired template from bws failed", "realm", realm, "user_id", userID, "error", err)
			continue
		}
		if err := m.Store.Delete(ctx, realm, userID); err != nil {
			failed++
			continue
		}
		deleted++
	}
	return deleted, failed
}

// CreateDeletionRequest opens a new PENDING deletion request (spec §4.5).
func (m *Manager) CreateDeletionRequest(ctx context.Context, realm, userID, reason string, priority store.DeletionPriority) (*store.DeletionRequest, error) {
	id, err := newRequestID()
	if err != nil {
		return nil, err
	}
	dr := &store.DeletionRequest{
		ID:       id,
		Realm:    realm,
		UserID:   userID,
		Reason:   reason,
		Priority: priority,
		State:    store.DeletionPending,
	}
	if err := m.Deletions.Create(ctx, dr); err != nil {
		return nil, err
	}
	if m.Metrics != nil {
		m.Metrics.DeletionRequestCreatedTotal.Inc()
	}
	return dr, nil
}

// Approve transitions PENDING -> APPROVED.
func (m *Manager) Approve(ctx context.Context, id, reviewedBy string) (*store.DeletionRequest, error) {
	dr, err := m.Deletions.CompareAndSwapState(ctx, id, store.DeletionPending, store.DeletionApproved, func(d *store.DeletionRequest) {
		d.ReviewedBy = reviewedBy
	})
	if err != nil {
		return nil, err
	}
	if m.Metrics != nil {
		m.Metrics.DeletionRequestApprovedTotal.Inc()
	}
	return dr, nil
}

// Decline transitions PENDING -> DECLINED.
func (m *Manager) Decline(ctx context.Context, id, reviewedBy, note string) (*store.DeletionRequest, error) {
	dr, err := m.Deletions.CompareAndSwapState(ctx, id, store.DeletionPending, store.DeletionDeclined, func(d *store.DeletionRequest) {
		d.ReviewedBy = reviewedBy
		d.Note = note
	})
	if err != nil {
		return nil, err
	}
	if m.Metrics != nil {
		m.Metrics.DeletionRequestDeclinedTotal.Inc()
	}
	return dr, nil
}

// Cancel transitions PENDING -> CANCELLED, for a requester withdrawing
// their own request before review.
func (m *Manager) Cancel(ctx context.Context, id string) (*store.DeletionRequest, error) {
	return m.Deletions.CompareAndSwapState(ctx, id, store.DeletionPending, store.DeletionCancelled, nil)
}

// Process executes an APPROVED deletion request: APPROVED -> IN_PROGRESS,
// then IN_PROGRESS -> COMPLETED or FAILED depending on the BWS call's
// outcome. A failed attempt returns the request to APPROVED with retry_count
// incremented, so a later Process call tries again; the failure that brings
// retry_count to maxDeleteRetries moves it to FAILED, which Process does not
// pick up again.
func (m *Manager) Process(ctx context.Context, id string) (*store.DeletionRequest, error) {
	dr, err := m.Deletions.CompareAndSwapState(ctx, id, store.DeletionApproved, store.DeletionInProgress, nil)
	if err != nil {
		return nil, err
	}

	_, delErr := m.BWS.DeleteTemplate(ctx, dr.Realm, dr.UserID)
	if delErr != nil && !errors.Is(delErr, coreerrors.ErrAlreadyAbsent) {
		return m.failOrRetry(ctx, dr, delErr)
	}

	if err := m.Store.Delete(ctx, dr.Realm, dr.UserID); err != nil {
		return m.failOrRetry(ctx, dr, err)
	}

	now := m.now()
	completed, err := m.Deletions.CompareAndSwapState(ctx, id, store.DeletionInProgress, store.DeletionCompleted, func(d *store.DeletionRequest) {
		d.ProcessedAt = &now
	})
	if err != nil {
		return nil, err
	}
	if m.Metrics != nil {
		m.Metrics.DeletionRequestCompletedTotal.Inc()
	}
	return completed, nil
}

func (m *Manager) failOrRetry(ctx context.Context, dr *store.DeletionRequest, cause error) (*store.DeletionRequest, error) {
	if dr.RetryCount+1 >= maxDeleteRetries {
		failed, err := m.Deletions.CompareAndSwapState(ctx, dr.ID, store.DeletionInProgress, store.DeletionFailed, func(d *store.DeletionRequest) {
			d.RetryCount++
			d.Note = cause.Error()
		})
		if err != nil {
			return nil, err
		}
		return failed, fmt.Errorf("lifecycle: deletion request %s failed permanently: %w", dr.ID, cause)
	}
	// Roll back to APPROVED so a later Process call retries.
	retried, err := m.Deletions.CompareAndSwapState(ctx, dr.ID, store.DeletionInProgress, store.DeletionApproved, func(d *store.DeletionRequest) {
		d.RetryCount++
		d.Note = cause.Error()
	})
	if err != nil {
		return nil, err
	}
	return retried, fmt.Errorf("lifecycle: deletion request %s: transient failure, will retry: %w", dr.ID, cause)
}

// RunEscalationSweep finds PENDING requests older than the review SLA and
// notifies Escalation for each.
func (m *Manager) RunEscalationSweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-escalationAfter)
	stale, err := m.Deletions.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, dr := range stale {
		if m.Escalation != nil {
			m.Escalation.Escalate(ctx, dr)
		}
	}
	return len(stale), nil
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func newRequestID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("lifecycle: generating request id: %w", err)
	}
	return "del_" + hex.EncodeToString(buf), nil
}
