// Package bws is the typed client for the remote Biometric Web Service
// (spec §4.1, §6.2): bearer-credential signing, channel pooling, retry with
// backoff and jitter, a per-operation circuit breaker, and regional
// failover sit in front of a thin HTTPS+JSON transport. Grounded on the
// reference stack's external-API client (one method per remote operation,
// typed request/response structs), generalized to BWS's ten operations and
// wrapped with the resilience layers the reference client never needed.
package bws

import "time"

// Codec is a supported image encoding.
type Codec string

const (
	CodecJPEG Codec = "jpeg"
	CodecPNG  Codec = "png"
)

// Image is a single capture frame handed to BWS, tagged with its codec and,
// for challenge-response liveness, the movement the caller claims it shows.
type Image struct {
	Data      []byte `json:"data"`
	Codec     Codec  `json:"codec"`
	Direction string `json:"direction,omitempty"`
}

// EnrollAction classifies what enroll actually did.
type EnrollAction string

const (
	EnrollCreated  EnrollAction = "created"
	EnrollUpdated  EnrollAction = "updated"
	EnrollUpgraded EnrollAction = "upgraded"
)

// EnrollResult is the response to bws.enroll (spec §4.1).
type EnrollResult struct {
	Action             EnrollAction
	EncoderVersion     string
	FeatureVectorCount int
	ThumbnailsStored   bool
	Errors             []string
}

// VerifyResult is the response to bws.verify / bws.verify_multi. Score is
// already normalized to [0,1] "higher is better" at this boundary —
// resolution of Open Question 1, see pkg/bws/score.go.
type VerifyResult struct {
	Matched bool
	Score   float64
	Errors  []string
}

// LivenessMode selects how liveness is assessed (spec §4.4).
type LivenessMode string

const (
	LivenessPassive           LivenessMode = "passive"
	LivenessActiveSmile       LivenessMode = "active-smile"
	LivenessChallengeResponse LivenessMode = "challenge-response"
	LivenessCombined          LivenessMode = "combined"
)

// ImageProperties reports per-image diagnostics BWS returns alongside a
// liveness verdict (face bounding box confidence, blur score, etc. are the
// real service's concern; the core only threads the opaque map through).
type ImageProperties map[string]any

// LivenessResult is the response to bws.liveness.
type LivenessResult struct {
	Alive           bool
	Score           float64
	ImageProperties []ImageProperties
	Errors          []string
}

// TemplateStatus is the read-only snapshot returned by bws.get_template_status.
type TemplateStatus struct {
	TemplateID         int64
	Available          bool
	EnrolledAt         time.Time
	Tags               []string
	EncoderVersion     string
	FeatureVectorCount int
	ThumbnailsStored   bool
	Thumbnails         [][]byte
}

// DeleteOutcome classifies the result of bws.delete_template.
type DeleteOutcome string

const (
	Deleted       DeleteOutcome = "deleted"
	AlreadyAbsent DeleteOutcome = "already_absent"
)

// HealthReport is the response to bws.service_health.
type HealthReport struct {
	Available       bool
	AverageLatency  time.Duration
	ErrorRate1m     float64
}

// Region identifies a BWS partition endpoint (e.g. "EU", "US", "SA").
type Region string

// Default per-operation deadlines (spec §4.1 call-level contract).
const (
	DefaultEnrollTimeout  = 7 * time.Second
	DefaultVerifyTimeout  = 4 * time.Second
	DefaultLivenessTimeout = 1 * time.Second
	DefaultStatusTimeout  = 3 * time.Second
	DefaultDeleteTimeout  = 3 * time.Second
)
