// Package enroll implements the enrollment workflow (spec §4.2): validate
// an incoming capture set, submit it to BWS, and persist the resulting
// credential record. Grounded on the reference stack's request-validate-
// call-persist handler shape, generalized from HTTP handlers to a plain Go
// workflow function the composition root and the bulk engine both call
// into.
package enroll

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/audit"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/coreerrors"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/lock"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/telemetry"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/bws"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/credential"
)

const (
	minImages    = 2
	minImageSize = 1024             // 1 KiB
	maxImageSize = 10 * 1024 * 1024 // 10 MiB
)

// ErrInvalidImageCount is returned when a capture set falls outside the
// configured [2, MaxEnrollmentImages] range.
var ErrInvalidImageCount = errors.New("enroll: invalid image count")

var validate = validator.New()

// RawImage is an enrollment capture frame before codec sniffing.
type RawImage struct {
	Data      []byte `validate:"min=1"`
	Direction string
}

// Request is one enrollment call. Struct tags are enforced by Engine.Enroll
// before anything is submitted to BWS, the same fail-fast shape the teacher
// applied at its HTTP handler boundary — moved here since this workflow has
// no HTTP layer of its own.
type Request struct {
	Realm  string `validate:"required"`
	UserID string `validate:"required"`
	Images []RawImage `validate:"required,min=1,dive"`
	Actor  string
}

// Result summarizes what enrollment did.
type Result struct {
	Action             bws.EnrollAction
	TemplateID         int64
	EncoderVersion     string
	FeatureVectorCount int
}

// Engine runs the enrollment workflow.
type Engine struct {
	BWS             *bws.Client
	Store           credential.Store
	Audit           *audit.Writer
	Metrics         *telemetry.Metrics
	Locks           *lock.Striped
	MaxImages       int
	TemplateTTL     time.Duration
	TemplateIDSeed  func() int64
	Logger          *slog.Logger
	Now             func() time.Time
}

// Enroll validates req and, if accepted, submits it to BWS and persists
// the resulting credential record.
func (e *Engine) Enroll(ctx context.Context, req Request) (Result, error) {
	if err := validate.Struct(req); err != nil {
		e.emitFailure(req, "invalid_request", err)
		return Result{}, fmt.Errorf("enroll: %w", err)
	}

	unlock, ok := e.Locks.TryLock(lock.Key(req.Realm, req.UserID))
	if !ok {
		e.emitFailure(req, "conflict", coreerrors.ErrConflict)
		return Result{}, coreerrors.ErrConflict
	}
	defer unlock()

	images, err := e.validateImages(req.Images)
	if err != nil {
		e.emitFailure(req, "validation_failed", err)
		return Result{}, err
	}

	enrollResult, err := e.BWS.Enroll(ctx, req.Realm, req.UserID, images)
	if err != nil {
		reason := classifyEnrollError(err)
		rejected := &coreerrors.EnrollmentRejectedError{Reason: reason}
		e.emitFailure(req, string(reason), err)
		return Result{}, rejected
	}

	now := e.now()
	existing, found, err := e.Store.Get(ctx, req.Realm, req.UserID)
	if err != nil {
		e.logger().Warn("enroll: reading existing credential record failed", "realm", req.Realm, "user_id", req.UserID, "error", err)
	}

	templateID := e.nextTemplateID()
	if found && existing.TemplateID != 0 {
		templateID = existing.TemplateID
	}

	ttl := e.TemplateTTL
	if ttl == 0 {
		ttl = 730 * 24 * time.Hour
	}
	record := &credential.Record{
		TemplateID:         templateID,
		CreatedAt:          now,
		ExpiresAt:          now.Add(ttl),
		ImageCount:         len(images),
		EncoderVersion:     enrollResult.EncoderVersion,
		FeatureVectorCount: enrollResult.FeatureVectorCount,
		ThumbnailsStored:   enrollResult.ThumbnailsStored,
		TemplateKind:       credential.TemplateStandard,
	}
	if found {
		record.Tags = existing.Tags
	}

	if err := e.Store.Put(ctx, req.Realm, req.UserID, record); err != nil {
		e.emitFailure(req, "persist_failed", err)
		return Result{}, fmt.Errorf("enroll: persisting credential record: %w", err)
	}

	if e.Metrics != nil {
		e.Metrics.EnrollSuccessTotal.Inc()
	}
	e.Audit.Emit(audit.Event{
		Realm:     req.Realm,
		UserID:    req.UserID,
		Operation: "enroll",
		Actor:     req.Actor,
		Outcome:   audit.OutcomeSuccess,
		Reason:    string(enrollResult.Action),
	})

	return Result{
		Action:             enrollResult.Action,
		TemplateID:         templateID,
		EncoderVersion:     enrollResult.EncoderVersion,
		FeatureVectorCount: enrollResult.FeatureVectorCount,
	}, nil
}

func (e *Engine) validateImages(raw []RawImage) ([]bws.Image, error) {
	max := e.MaxImages
	if max == 0 {
		max = 8
	}
	if len(raw) < minImages {
		// Too few frames is also a low-quality capture set, so the error
		// matches both ErrInvalidImageCount and EnrollmentRejectedError.
		return nil, fmt.Errorf("%w: expected between %d and %d images, got %d: %w", ErrInvalidImageCount, minImages, max, len(raw),
			&coreerrors.EnrollmentRejectedError{Reason: coreerrors.EnrollLowQuality})
	}
	if len(raw) > max {
		return nil, fmt.Errorf("%w: expected between %d and %d images, got %d", ErrInvalidImageCount, minImages, max, len(raw))
	}

	images := make([]bws.Image, 0, len(raw))
	for _, img := range raw {
		if len(img.Data) < minImageSize || len(img.Data) > maxImageSize {
			return nil, &coreerrors.EnrollmentRejectedError{Reason: coreerrors.EnrollLowQuality}
		}
		codec, err := detectCodec(img.Data)
		if err != nil {
			return nil, &coreerrors.EnrollmentRejectedError{Reason: coreerrors.EnrollLowQuality}
		}
		images = append(images, bws.Image{Data: img.Data, Codec: codec, Direction: img.Direction})
	}
	return images, nil
}

func detectCodec(data []byte) (bws.Codec, error) {
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("image/jpeg"):
		return bws.CodecJPEG, nil
	case mt.Is("image/png"):
		return bws.CodecPNG, nil
	default:
		return "", fmt.Errorf("enroll: unsupported image codec %q", mt.String())
	}
}

func classifyEnrollError(err error) coreerrors.EnrollmentRejectReason {
	var bizErr *bws.BusinessError
	if errors.As(err, &bizErr) {
		switch bizErr.Code {
		case "no_face":
			return coreerrors.EnrollNoFace
		case "multiple_faces":
			return coreerrors.EnrollMultipleFaces
		case "encoder_mismatch":
			return coreerrors.EnrollEncoderMismatch
		}
	}
	return coreerrors.EnrollLowQuality
}

func (e *Engine) emitFailure(req Request, reason string, err error) {
	if e.Metrics != nil {
		e.Metrics.EnrollFailureTotal.Inc()
	}
	e.Audit.Emit(audit.Event{
		Realm:     req.Realm,
		UserID:    req.UserID,
		Operation: "enroll",
		Actor:     req.Actor,
		Outcome:   audit.OutcomeFailure,
		Reason:    reason,
	})
	e.logger().Warn("enroll failed", "realm", req.Realm, "user_id", req.UserID, "reason", reason, "error", err)
}

func (e *Engine) nextTemplateID() int64 {
	if e.TemplateIDSeed != nil {
		return e.TemplateIDSeed()
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err == nil {
		if id := int64(binary.BigEndian.Uint64(buf[:]) &^ (1 << 63)); id != 0 {
			return id
		}
	}
	return e.now().UnixNano()
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
