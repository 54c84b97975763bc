// Package liveness implements the liveness engine (spec §4.4): mode
// selection, challenge-response nonce issuance and single-use enforcement,
// and BWS liveness-check invocation. The nonce ledger is grounded on the
// reference stack's Redis INCR/EXPIRE rate limiter, generalized from a
// counter to a single-use SET-NX-EX token.
package liveness

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/coreerrors"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/telemetry"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/bws"
)

// RiskLevel is an external signal (from the host's own risk scoring) that
// the adaptive mode-selection policy maps onto a LivenessMode.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very-high"
)

var directions = []string{"left", "right", "up", "down"}

// challengeTTL is how long a challenge-response prompt stays redeemable. It
// equals the LivenessChallengeTimeoutSeconds default; the engine does not
// read that setting, so a different configured value has no effect.
const challengeTTL = 30 * time.Second

// Challenge is a generated challenge-response prompt: two distinct head
// movements the caller must capture in order.
type Challenge struct {
	Nonce      string
	Directions []string
	ExpiresAt  time.Time
}

// Request is one liveness check.
type Request struct {
	Realm          string
	UserID         string
	Mode           bws.LivenessMode
	Risk           RiskLevel
	ChallengeNonce string
	Images         []bws.Image
}

// Result is the outcome of a liveness check. Reason is only meaningful when
// Alive is false; it classifies why.
type Result struct {
	Alive  bool
	Score  float64
	Reason coreerrors.LivenessRejectReason
}

// Engine runs the liveness workflow.
type Engine struct {
	BWS                 *bws.Client
	Redis               *redis.Client
	Metrics             *telemetry.Metrics
	ConfidenceThreshold float64
	DefaultMode         bws.LivenessMode
	// AdaptiveMode gates risk-based mode selection in SelectMode (spec
	// §4.4): when false, a caller-supplied RiskLevel is ignored and
	// DefaultMode (or passive) is used instead.
	AdaptiveMode bool
	// Overhead budgets per mode (spec §4.4); zero disables the check for
	// that mode. Combined reuses the challenge-response budget since it may
	// include a challenge-response pass.
	PassiveOverheadBudget   time.Duration
	ActiveOverheadBudget    time.Duration
	ChallengeOverheadBudget time.Duration
	Logger                  *slog.Logger
	Now                     func() time.Time
}

// GenerateChallenge issues a new challenge-response prompt and records its
// nonce in Redis with a TTL so it can be redeemed at most once (spec §4.4).
func (e *Engine) GenerateChallenge(ctx context.Context) (Challenge, error) {
	nonce, err := randomNonce()
	if err != nil {
		return Challenge{}, fmt.Errorf("liveness: generating nonce: %w", err)
	}
	first, second := pickTwoDistinctDirections()

	key := nonceKey(nonce)
	ok, err := e.Redis.SetNX(ctx, key, "pending", challengeTTL).Result()
	if err != nil {
		return Challenge{}, fmt.Errorf("liveness: recording challenge nonce: %w", err)
	}
	if !ok {
		return Challenge{}, fmt.Errorf("liveness: nonce collision, retry")
	}

	return Challenge{
		Nonce:      nonce,
		Directions: []string{first, second},
		ExpiresAt:  e.now().Add(challengeTTL),
	}, nil
}

// redeemNonce atomically marks a challenge nonce as used. A second redemption
// of the same nonce returns coreerrors.ErrNonceReused.
func (e *Engine) redeemNonce(ctx context.Context, nonce string) error {
	key := nonceKey(nonce)
	deleted, err := e.Redis.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("liveness: redeeming nonce: %w", err)
	}
	if deleted == 0 {
		return coreerrors.ErrNonceReused
	}
	return nil
}

// SelectMode resolves the mode for one check: an explicit mode wins, then,
// if adaptive mode is on, a risk-mapped mode, then the engine's configured
// default (spec §4.4).
func (e *Engine) SelectMode(explicit bws.LivenessMode, risk RiskLevel) bws.LivenessMode {
	if explicit != "" {
		return explicit
	}
	if e.AdaptiveMode {
		switch risk {
		case RiskLow:
			return bws.LivenessPassive
		case RiskMedium:
			return bws.LivenessActiveSmile
		case RiskHigh:
			return bws.LivenessChallengeResponse
		case RiskVeryHigh:
			return bws.LivenessCombined
		}
	}
	if e.DefaultMode != "" {
		return e.DefaultMode
	}
	return bws.LivenessPassive
}

// Check runs the full liveness workflow for req.
func (e *Engine) Check(ctx context.Context, req Request) (Result, error) {
	mode := e.SelectMode(req.Mode, req.Risk)

	if err := validateImageCount(mode, len(req.Images)); err != nil {
		return Result{}, err
	}

	if mode == bws.LivenessChallengeResponse || mode == bws.LivenessCombined {
		if req.ChallengeNonce == "" {
			return Result{}, fmt.Errorf("liveness: %s requires a challenge nonce", mode)
		}
		if err := e.redeemNonce(ctx, req.ChallengeNonce); err != nil {
			if errors.Is(err, coreerrors.ErrNonceReused) {
				return Result{}, &coreerrors.LivenessRejectedError{Reason: coreerrors.LivenessChallengeResp}
			}
			return Result{}, err
		}
	}

	start := e.now()
	result, err := e.BWS.Liveness(ctx, req.Realm, req.UserID, mode, req.Images)
	elapsed := e.now().Sub(start)
	if err != nil {
		var bizErr *bws.BusinessError
		if errors.As(err, &bizErr) {
			reason := classifyLivenessBusinessError(bizErr, mode)
			return Result{Reason: reason}, &coreerrors.LivenessRejectedError{Reason: reason}
		}
		return Result{}, fmt.Errorf("liveness: bws call: %w", err)
	}

	threshold := e.ConfidenceThreshold
	if threshold == 0 {
		threshold = 0.5
	}
	withinBudget := elapsed <= e.overheadBudget(mode)
	alive := result.Alive && result.Score >= threshold && withinBudget

	var reason coreerrors.LivenessRejectReason
	if !alive {
		if !withinBudget {
			reason = coreerrors.LivenessOverheadBudget
		} else {
			reason = modeRejectReason(mode)
		}
	}

	if e.Metrics != nil {
		if alive {
			e.Metrics.LivenessPassTotal.WithLabelValues(string(mode)).Inc()
		} else {
			e.Metrics.LivenessFailTotal.WithLabelValues(string(mode)).Inc()
		}
	}

	return Result{Alive: alive, Score: result.Score, Reason: reason}, nil
}

// overheadBudget returns the maximum allowed processing time for mode; a
// zero budget disables the check. Combined reuses the challenge-response
// budget since it may include a challenge-response pass.
func (e *Engine) overheadBudget(mode bws.LivenessMode) time.Duration {
	switch mode {
	case bws.LivenessPassive:
		return orUnbounded(e.PassiveOverheadBudget)
	case bws.LivenessActiveSmile:
		return orUnbounded(e.ActiveOverheadBudget)
	case bws.LivenessChallengeResponse, bws.LivenessCombined:
		return orUnbounded(e.ChallengeOverheadBudget)
	default:
		return orUnbounded(0)
	}
}

func orUnbounded(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return d
}

// modeRejectReason classifies a below-threshold or not-alive outcome that
// isn't a budget miss, by the mode that ran.
func modeRejectReason(mode bws.LivenessMode) coreerrors.LivenessRejectReason {
	switch mode {
	case bws.LivenessPassive:
		return coreerrors.LivenessPassive
	case bws.LivenessActiveSmile:
		return coreerrors.LivenessActive
	default:
		return coreerrors.LivenessChallengeResp
	}
}

// classifyLivenessBusinessError maps a BWS business rejection into the
// liveness reason taxonomy, falling back to the mode's generic reason when
// BWS didn't report a face-detection problem specifically.
func classifyLivenessBusinessError(bizErr *bws.BusinessError, mode bws.LivenessMode) coreerrors.LivenessRejectReason {
	switch bizErr.Code {
	case "no_face":
		return coreerrors.LivenessNoFace
	case "multiple_faces":
		return coreerrors.LivenessMultipleFaces
	default:
		return modeRejectReason(mode)
	}
}

func validateImageCount(mode bws.LivenessMode, count int) error {
	min := 1
	switch mode {
	case bws.LivenessActiveSmile, bws.LivenessChallengeResponse:
		min = 2
	}
	if count < min {
		return fmt.Errorf("liveness: mode %s requires at least %d images, got %d", mode, min, count)
	}
	return nil
}

func pickTwoDistinctDirections() (string, string) {
	first := directions[randIntn(len(directions))]
	second := first
	for second == first {
		second = directions[randIntn(len(directions))]
	}
	return first, second
}

func randIntn(n int) int {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func nonceKey(nonce string) string {
	return "liveness_challenge:" + nonce
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
