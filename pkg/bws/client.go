package bws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/coreerrors"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/telemetry"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/bws/credsign"
)

// ClientConfig configures a Client. Endpoints must contain at least
// PreferredRegion.
type ClientConfig struct {
	ClientID        string
	SecretKey       string
	Endpoints       map[Region]string
	PreferredRegion Region
	FailoverEnabled bool
	ChannelPoolSize int
	KeepAlive       time.Duration
	TokenTTL        time.Duration
	// Metrics is optional; when nil, calls are not instrumented.
	Metrics *telemetry.Metrics
}

// Client is the resilient typed client for every BWS operation (spec
// §4.1): bearer-credential signing, regional failover, per-operation
// circuit breaking and retry with backoff all sit between the caller and
// the thin HTTPS+JSON transport beneath.
type Client struct {
	signer   *credsign.Signer
	router   *regionRouter
	breakers *breakerRegistry
	metrics  *telemetry.Metrics
}

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	signer, err := credsign.New(cfg.ClientID, cfg.SecretKey, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	router, err := newRegionRouter(cfg.Endpoints, cfg.PreferredRegion, cfg.FailoverEnabled, cfg.ChannelPoolSize, cfg.KeepAlive)
	if err != nil {
		return nil, err
	}
	return &Client{
		signer:   signer,
		router:   router,
		breakers: newBreakerRegistry(),
		metrics:  cfg.Metrics,
	}, nil
}

// execute runs one BWS RPC: it selects a region and channel, enforces the
// per-operation circuit breaker, retries transient failures with backoff,
// and records RPC metrics. send performs the actual HTTP round trip against
// the checked-out client and region endpoint.
func execute[T any](ctx context.Context, c *Client, op string, timeout time.Duration, send func(ctx context.Context, httpClient *http.Client, endpoint string, token string) (T, error)) (T, error) {
	var zero T

	breaker := c.breakers.get(op)
	allowed, isProbe := breaker.Allow()
	if c.metrics != nil {
		c.metrics.CircuitBreakerState.WithLabelValues(op).Set(float64(breaker.State()))
	}
	if !allowed {
		if c.metrics != nil {
			c.metrics.RPCCallsTotal.WithLabelValues(op, "circuit_open").Inc()
		}
		return zero, fmt.Errorf("bws: %s: %w", op, coreerrors.ErrCircuitOpen)
	}

	region, pool := c.router.Select()
	token, err := c.signer.Token()
	if err != nil {
		breaker.RecordResult(false, isProbe)
		return zero, fmt.Errorf("bws: %s: signing bearer credential: %w", op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := withRetry(callCtx, func(ctx context.Context) (T, error) {
		return checkoutAndSend(ctx, pool, token, send)
	})
	elapsed := time.Since(start)

	breaker.RecordResult(err == nil, isProbe)
	c.router.RecordProbe(region, err == nil || !Retryable(err), elapsed)

	if c.metrics != nil {
		c.metrics.RPCLatencyMs.WithLabelValues(op).Observe(float64(elapsed.Milliseconds()))
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		c.metrics.RPCCallsTotal.WithLabelValues(op, outcome).Inc()
	}

	if err != nil {
		return zero, fmt.Errorf("bws: %s: %w", op, err)
	}
	return result, nil
}

// checkoutAndSend runs one attempt of send against a checked-out channel.
// If the channel itself failed at the transport level, it is marked
// unhealthy and replaced, and the call gets one retry on a freshly checked
// out channel (spec §4.1.1) before giving up.
func checkoutAndSend[T any](ctx context.Context, pool *channelPool, token string, send func(ctx context.Context, httpClient *http.Client, endpoint string, token string) (T, error)) (T, error) {
	ch := pool.Checkout()
	result, err := send(ctx, ch.httpClient, pool.endpoint, token)
	if errors.Is(err, errChannelTransport) {
		pool.Release(ch)
		pool.MarkUnhealthy(ch)
		ch = pool.Checkout()
		defer pool.Release(ch)
		return send(ctx, ch.httpClient, pool.endpoint, token)
	}
	pool.Release(ch)
	return result, err
}

// classifyStatus maps an HTTP status code from BWS to a transport sentinel
// (spec §7).
func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK || code == http.StatusCreated:
		return nil
	case code == http.StatusBadRequest:
		return ErrInvalidArgument
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthenticated
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusServiceUnavailable || code == http.StatusTooManyRequests:
		return ErrUnavailable
	case code == http.StatusGatewayTimeout:
		return ErrDeadlineExceeded
	case code >= 500:
		return ErrInternal
	default:
		return ErrUnknown
	}
}

func doJSON[Req any, Resp any](ctx context.Context, httpClient *http.Client, method, url, token string, reqBody *Req) (Resp, error) {
	var zero Resp

	var body bytes.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return zero, fmt.Errorf("marshalling request: %w", err)
		}
		body = *bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, &body)
	if err != nil {
		return zero, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return zero, ErrDeadlineExceeded
		}
		return zero, fmt.Errorf("%w: %w: %v", ErrUnavailable, errChannelTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		var businessErr BusinessError
		if json.NewDecoder(resp.Body).Decode(&businessErr) == nil && businessErr.Code != "" {
			return zero, &businessErr
		}
		return zero, sentinel
	}

	var result Resp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return zero, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}

type enrollRequest struct {
	Realm  string  `json:"realm"`
	UserID string  `json:"user_id"`
	Images []Image `json:"images"`
}

type enrollResponse struct {
	Action             EnrollAction `json:"action"`
	EncoderVersion     string       `json:"encoder_version"`
	FeatureVectorCount int          `json:"feature_vector_count"`
	ThumbnailsStored   bool         `json:"thumbnails_stored"`
	Errors             []string     `json:"errors,omitempty"`
}

// Enroll submits a capture set for a (realm, user) pair (spec §4.1, §4.2).
func (c *Client) Enroll(ctx context.Context, realm, userID string, images []Image) (EnrollResult, error) {
	req := enrollRequest{Realm: realm, UserID: userID, Images: images}
	resp, err := execute(ctx, c, "enroll", DefaultEnrollTimeout, func(ctx context.Context, httpClient *http.Client, endpoint, token string) (enrollResponse, error) {
		return doJSON[enrollRequest, enrollResponse](ctx, httpClient, http.MethodPost, endpoint+"/v1/enroll", token, &req)
	})
	if err != nil {
		return EnrollResult{}, err
	}
	return EnrollResult{
		Action:             resp.Action,
		EncoderVersion:     resp.EncoderVersion,
		FeatureVectorCount: resp.FeatureVectorCount,
		ThumbnailsStored:   resp.ThumbnailsStored,
		Errors:             resp.Errors,
	}, nil
}

type verifyRequest struct {
	Realm  string  `json:"realm"`
	UserID string  `json:"user_id"`
	Images []Image `json:"images"`
}

type verifyResponse struct {
	Matched     bool     `json:"matched"`
	RawDistance float64  `json:"raw_distance"`
	Errors      []string `json:"errors,omitempty"`
}

// Verify checks one probe image against the enrolled template (bws.verify).
func (c *Client) Verify(ctx context.Context, realm, userID string, image Image) (VerifyResult, error) {
	return c.verifyImages(ctx, "verify", realm, userID, []Image{image})
}

// VerifyMulti checks several probe images at once (bws.verify_multi).
func (c *Client) VerifyMulti(ctx context.Context, realm, userID string, images []Image) (VerifyResult, error) {
	return c.verifyImages(ctx, "verify_multi", realm, userID, images)
}

func (c *Client) verifyImages(ctx context.Context, op, realm, userID string, images []Image) (VerifyResult, error) {
	req := verifyRequest{Realm: realm, UserID: userID, Images: images}
	resp, err := execute(ctx, c, op, DefaultVerifyTimeout, func(ctx context.Context, httpClient *http.Client, endpoint, token string) (verifyResponse, error) {
		return doJSON[verifyRequest, verifyResponse](ctx, httpClient, http.MethodPost, endpoint+"/v1/"+op, token, &req)
	})
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{
		Matched: resp.Matched,
		Score:   normalizeScore(resp.RawDistance),
		Errors:  resp.Errors,
	}, nil
}

type livenessRequest struct {
	Realm  string       `json:"realm"`
	UserID string       `json:"user_id"`
	Mode   LivenessMode `json:"mode"`
	Images []Image      `json:"images"`
}

type livenessResponse struct {
	Alive           bool              `json:"alive"`
	Score           float64           `json:"score"`
	ImageProperties []ImageProperties `json:"image_properties,omitempty"`
	Errors          []string          `json:"errors,omitempty"`
}

// Liveness submits a liveness capture set for assessment (bws.liveness).
func (c *Client) Liveness(ctx context.Context, realm, userID string, mode LivenessMode, images []Image) (LivenessResult, error) {
	req := livenessRequest{Realm: realm, UserID: userID, Mode: mode, Images: images}
	resp, err := execute(ctx, c, "liveness", DefaultLivenessTimeout, func(ctx context.Context, httpClient *http.Client, endpoint, token string) (livenessResponse, error) {
		return doJSON[livenessRequest, livenessResponse](ctx, httpClient, http.MethodPost, endpoint+"/v1/liveness", token, &req)
	})
	if err != nil {
		return LivenessResult{}, err
	}
	return LivenessResult{
		Alive:           resp.Alive,
		Score:           resp.Score,
		ImageProperties: resp.ImageProperties,
		Errors:          resp.Errors,
	}, nil
}

type templateStatusRequest struct {
	Realm             string `json:"realm"`
	UserID            string `json:"user_id"`
	IncludeThumbnails bool   `json:"include_thumbnails"`
}

// GetTemplateStatus fetches the enrollment snapshot for one user
// (bws.get_template_status). Thumbnails are only returned, and only sent
// over the wire, when includeThumbnails is set — the upgrade workflow
// (spec §4.5) is the one caller that needs them.
func (c *Client) GetTemplateStatus(ctx context.Context, realm, userID string, includeThumbnails bool) (TemplateStatus, error) {
	req := templateStatusRequest{Realm: realm, UserID: userID, IncludeThumbnails: includeThumbnails}
	return execute(ctx, c, "get_template_status", DefaultStatusTimeout, func(ctx context.Context, httpClient *http.Client, endpoint, token string) (TemplateStatus, error) {
		return doJSON[templateStatusRequest, TemplateStatus](ctx, httpClient, http.MethodPost, endpoint+"/v1/templates/status", token, &req)
	})
}

type templateStatusBatchRequest struct {
	Realm   string   `json:"realm"`
	UserIDs []string `json:"user_ids"`
}

type templateStatusBatchResponse struct {
	Statuses map[string]TemplateStatus `json:"statuses"`
}

// GetTemplateStatusBatch fetches enrollment snapshots for many users at
// once (bws.get_template_status_batch).
func (c *Client) GetTemplateStatusBatch(ctx context.Context, realm string, userIDs []string) (map[string]TemplateStatus, error) {
	req := templateStatusBatchRequest{Realm: realm, UserIDs: userIDs}
	resp, err := execute(ctx, c, "get_template_status_batch", DefaultStatusTimeout, func(ctx context.Context, httpClient *http.Client, endpoint, token string) (templateStatusBatchResponse, error) {
		return doJSON[templateStatusBatchRequest, templateStatusBatchResponse](ctx, httpClient, http.MethodPost, endpoint+"/v1/templates/status_batch", token, &req)
	})
	if err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

type deleteTemplateRequest struct {
	Realm  string `json:"realm"`
	UserID string `json:"user_id"`
}

type deleteTemplateResponse struct {
	Outcome DeleteOutcome `json:"outcome"`
}

// DeleteTemplate removes one user's enrolled template (bws.delete_template).
// A not-found reply from BWS is reported as AlreadyAbsent with a nil error.
func (c *Client) DeleteTemplate(ctx context.Context, realm, userID string) (DeleteOutcome, error) {
	req := deleteTemplateRequest{Realm: realm, UserID: userID}
	resp, err := execute(ctx, c, "delete_template", DefaultDeleteTimeout, func(ctx context.Context, httpClient *http.Client, endpoint, token string) (deleteTemplateResponse, error) {
		return doJSON[deleteTemplateRequest, deleteTemplateResponse](ctx, httpClient, http.MethodPost, endpoint+"/v1/templates/delete", token, &req)
	})
	if errors.Is(err, ErrNotFound) {
		return AlreadyAbsent, nil
	}
	if err != nil {
		return "", err
	}
	return resp.Outcome, nil
}

type deleteTemplatesBatchRequest struct {
	Realm   string   `json:"realm"`
	UserIDs []string `json:"user_ids"`
}

type deleteTemplatesBatchResponse struct {
	Outcomes map[string]DeleteOutcome `json:"outcomes"`
}

// DeleteTemplatesBatch removes several users' templates at once
// (bws.delete_templates_batch).
func (c *Client) DeleteTemplatesBatch(ctx context.Context, realm string, userIDs []string) (map[string]DeleteOutcome, error) {
	req := deleteTemplatesBatchRequest{Realm: realm, UserIDs: userIDs}
	resp, err := execute(ctx, c, "delete_templates_batch", DefaultDeleteTimeout, func(ctx context.Context, httpClient *http.Client, endpoint, token string) (deleteTemplatesBatchResponse, error) {
		return doJSON[deleteTemplatesBatchRequest, deleteTemplatesBatchResponse](ctx, httpClient, http.MethodPost, endpoint+"/v1/templates/delete_batch", token, &req)
	})
	if err != nil {
		return nil, err
	}
	return resp.Outcomes, nil
}

type setTemplateTagsRequest struct {
	Realm  string   `json:"realm"`
	UserID string   `json:"user_id"`
	Tags   []string `json:"tags"`
}

// SetTemplateTags replaces the tag set on one user's template
// (bws.set_template_tags).
func (c *Client) SetTemplateTags(ctx context.Context, realm, userID string, tags []string) error {
	req := setTemplateTagsRequest{Realm: realm, UserID: userID, Tags: tags}
	_, err := execute(ctx, c, "set_template_tags", DefaultStatusTimeout, func(ctx context.Context, httpClient *http.Client, endpoint, token string) (struct{}, error) {
		return doJSON[setTemplateTagsRequest, struct{}](ctx, httpClient, http.MethodPost, endpoint+"/v1/templates/tags", token, &req)
	})
	return err
}

// ServiceHealth reports the operational status of the currently-selected
// region (bws.service_health).
func (c *Client) ServiceHealth(ctx context.Context) (HealthReport, error) {
	return execute(ctx, c, "service_health", DefaultStatusTimeout, func(ctx context.Context, httpClient *http.Client, endpoint, token string) (HealthReport, error) {
		return doJSON[struct{}, HealthReport](ctx, httpClient, http.MethodGet, endpoint+"/v1/health", token, nil)
	})
}

// RunHealthLoop polls every configured region's health every 30s until ctx
// is cancelled, feeding results into the regional failover router (spec
// §4.1.2). The caller typically runs this in its own goroutine for the
// lifetime of the Client.
func (c *Client) RunHealthLoop(ctx context.Context) {
	c.router.RunHealthLoop(ctx, c.Probe)
}

// Probe performs a lightweight health check of a specific region, for use
// with regionRouter.RunHealthLoop.
func (c *Client) Probe(ctx context.Context, region Region) error {
	c.router.mu.Lock()
	pool, ok := c.router.pools[region]
	c.router.mu.Unlock()
	if !ok {
		return fmt.Errorf("bws: probe: unknown region %q", region)
	}
	token, err := c.signer.Token()
	if err != nil {
		return err
	}
	ch := pool.Checkout()
	defer pool.Release(ch)

	callCtx, cancel := context.WithTimeout(ctx, DefaultStatusTimeout)
	defer cancel()
	_, err = doJSON[struct{}, HealthReport](callCtx, ch.httpClient, http.MethodGet, pool.endpoint+"/v1/health", token, nil)
	return err
}
