// Package verify implements the verification workflow (spec §4.3): load the
// host's credential record, enforce expiry and liveness gating, call BWS,
// and report a matched/score verdict. Grounded on the same handler shape as
// pkg/enroll.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/audit"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/coreerrors"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/telemetry"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/bws"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/credential"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/liveness"
)

// Request is one verification call. Struct tags are enforced by
// Engine.Verify before the credential record is even read, the same
// fail-fast validation the teacher applied at its HTTP handler boundary.
type Request struct {
	Realm            string `validate:"required"`
	UserID           string `validate:"required"`
	Images           []bws.Image `validate:"required,min=1"`
	LivenessRequired bool
	LivenessImages   []bws.Image
	LivenessMode     bws.LivenessMode
	Actor            string
}

// Result is the outcome of a verification attempt.
type Result struct {
	Matched bool
	Score   float64
}

var validate = validator.New()

// Engine runs the verification workflow.
type Engine struct {
	BWS       *bws.Client
	Store     credential.Store
	Liveness  *liveness.Engine
	Audit     *audit.Writer
	Metrics   *telemetry.Metrics
	Threshold float64 // raw-distance units, converted to [0,1] on each Verify call via NormalizedThreshold
	Logger    *slog.Logger
	Now       func() time.Time
}

// NormalizedThreshold converts the configured raw-distance threshold into
// the [0,1] space VerifyResult.Score is reported in.
func (e *Engine) NormalizedThreshold() float64 {
	return bws.NormalizeScore(e.Threshold)
}

// Verify runs the full workflow for req.
func (e *Engine) Verify(ctx context.Context, req Request) (Result, error) {
	if err := validate.Struct(req); err != nil {
		e.emitFailure(req, "invalid_request")
		return Result{}, fmt.Errorf("verify: %w", err)
	}

	record, found, err := e.Store.Get(ctx, req.Realm, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("verify: reading credential record: %w", err)
	}
	if !found {
		e.emitFailure(req, "not_enrolled")
		return Result{}, coreerrors.ErrNotEnrolled
	}
	now := e.now()
	if record.Expired(now) {
		e.emitFailure(req, "expired")
		return Result{}, coreerrors.ErrExpired
	}

	if req.LivenessRequired {
		livenessResult, err := e.Liveness.Check(ctx, liveness.Request{
			Realm:  req.Realm,
			UserID: req.UserID,
			Mode:   req.LivenessMode,
			Images: req.LivenessImages,
		})
		if err != nil {
			e.emitFailure(req, "liveness_error")
			return Result{}, fmt.Errorf("verify: liveness check: %w", err)
		}
		if !livenessResult.Alive {
			reason := livenessResult.Reason
			if reason == "" {
				reason = coreerrors.LivenessOverheadBudget
			}
			e.emitFailure(req, "liveness_rejected")
			return Result{}, &coreerrors.LivenessRejectedError{Reason: reason}
		}
	}

	var verifyResult bws.VerifyResult
	if len(req.Images) == 1 {
		verifyResult, err = e.BWS.Verify(ctx, req.Realm, req.UserID, req.Images[0])
	} else {
		verifyResult, err = e.BWS.VerifyMulti(ctx, req.Realm, req.UserID, req.Images)
	}
	if err != nil {
		reason := classifyVerifyError(err)
		e.emitFailure(req, string(reason))
		return Result{}, &coreerrors.VerificationRejectedError{Reason: reason}
	}

	threshold := e.NormalizedThreshold()
	matched := verifyResult.Score >= threshold

	if matched {
		record.LastVerifiedAt = &now
		if err := e.Store.Put(ctx, req.Realm, req.UserID, record); err != nil {
			e.logger().Warn("verify: updating last_verified_at failed", "realm", req.Realm, "user_id", req.UserID, "error", err)
		}
	}

	if e.Metrics != nil {
		if matched {
			e.Metrics.VerifySuccessTotal.Inc()
		} else {
			e.Metrics.VerifyFailureTotal.Inc()
		}
	}
	outcome := audit.OutcomeSuccess
	if !matched {
		outcome = audit.OutcomeFailure
	}
	e.Audit.Emit(audit.Event{
		Realm:     req.Realm,
		UserID:    req.UserID,
		Operation: "verify",
		Actor:     req.Actor,
		Outcome:   outcome,
	})

	if !matched {
		return Result{Matched: false, Score: verifyResult.Score}, &coreerrors.VerificationRejectedError{Reason: coreerrors.VerifyBelowThreshold}
	}
	return Result{Matched: true, Score: verifyResult.Score}, nil
}

func classifyVerifyError(err error) coreerrors.VerificationRejectReason {
	var bizErr *bws.BusinessError
	if errors.As(err, &bizErr) {
		if bizErr.Code == "no_face" {
			return coreerrors.VerifyNoFace
		}
	}
	return coreerrors.VerifyLowQuality
}

func (e *Engine) emitFailure(req Request, reason string) {
	if e.Metrics != nil {
		e.Metrics.VerifyFailureTotal.Inc()
	}
	e.Audit.Emit(audit.Event{
		Realm:     req.Realm,
		UserID:    req.UserID,
		Operation: "verify",
		Actor:     req.Actor,
		Outcome:   audit.OutcomeFailure,
		Reason:    reason,
	})
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
