package push

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/driftline/notify-api/internal/config"
)

// Provider endpoints. Production and sandbox registrations are not
// interchangeable: a token minted against one is rejected by the other.
const (
	HostProduction = "https://api.push.apple.com"
	HostSandbox    = "https://api.sandbox.push.apple.com"
)

const ReasonConnectionError = "ConnectionError"

// permanentReasons are provider rejections that mean the device token
// itself is dead. They trigger device invalidation; everything else is
// transient and only fails the current attempt.
var permanentReasons = map[string]bool{
	"BadDeviceToken":         true,
	"Unregistered":           true,
	"DeviceTokenNotForTopic": true,
}

// Result classifies one push attempt.
type Result struct {
	Accepted bool
	// ID is the provider-assigned message id when accepted.
	ID string
	// Reason is the provider rejection reason (or ConnectionError)
	// when not accepted.
	Reason string
}

// Permanent reports whether retrying the same device token could ever
// succeed again.
func (r Result) Permanent() bool {
	return !r.Accepted && permanentReasons[r.Reason]
}

// Client delivers messages to one provider environment over HTTP/2.
type Client struct {
	host       string
	topic      string
	tokens     *TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

func NewClient(cfg config.PushConfig, tokens *TokenSource, logger zerolog.Logger) *Client {
	host := HostSandbox
	if cfg.Environment == "production" {
		host = HostProduction
	}

	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// The provider endpoint speaks HTTP/2 only.
	transport := &http2.Transport{
		DialTLS: func(network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: timeout}
			return tls.DialWithDialer(dialer, network, addr, tlsCfg)
		},
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), 1)
	}

	return &Client{
		host:   host,
		topic:  cfg.Topic,
		tokens: tokens,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		limiter: limiter,
		logger:  logger.With().Str("component", "push_client").Logger(),
	}
}

// Send delivers an alert message to one device token. A non-nil error
// means the attempt could not be made at all (missing credentials,
// unbuildable payload); provider rejections and connection failures
// come back as a Result instead.
func (c *Client) Send(ctx context.Context, deviceToken string, msg Message) (Result, error) {
	body, err := buildAlertPayload(msg)
	if err != nil {
		return Result{}, err
	}
	return c.post(ctx, deviceToken, body, headerOptions{
		pushType:   "alert",
		priority:   msg.providerPriority(),
		collapseID: msg.CollapseID,
		expiration: msg.Expiration,
	})
}

// SendBackground delivers a silent content-available push carrying only
// custom data, used for passive state refresh on the device.
func (c *Client) SendBackground(ctx context.Context, deviceToken string, data map[string]interface{}) (Result, error) {
	body, err := buildBackgroundPayload(data)
	if err != nil {
		return Result{}, err
	}
	// Background pushes must use low priority per the provider contract.
	return c.post(ctx, deviceToken, body, headerOptions{
		pushType: "background",
		priority: 5,
	})
}

type headerOptions struct {
	pushType   string
	priority   int
	collapseID string
	expiration *time.Time
}

func (c *Client) post(ctx context.Context, deviceToken string, body []byte, opts headerOptions) (Result, error) {
	if c.tokens == nil {
		return Result{}, ErrNotConfigured
	}
	bearer, err := c.tokens.Token()
	if err != nil {
		return Result{}, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	url := fmt.Sprintf("%s/3/device/%s", c.host, deviceToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}

	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", c.topic)
	req.Header.Set("apns-push-type", opts.pushType)
	req.Header.Set("apns-priority", strconv.Itoa(opts.priority))
	if opts.collapseID != "" {
		req.Header.Set("apns-collapse-id", opts.collapseID)
	}
	if opts.expiration != nil {
		req.Header.Set("apns-expiration", strconv.FormatInt(opts.expiration.Unix(), 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient: the token may
		// well work on the next job.
		c.logger.Warn().Err(err).Msg("push request failed")
		return Result{Reason: ReasonConnectionError}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return Result{Accepted: true, ID: resp.Header.Get("apns-id")}, nil
	}

	var rejection struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rejection); err != nil || rejection.Reason == "" {
		rejection.Reason = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug().
		Int("status", resp.StatusCode).
		Str("reason", rejection.Reason).
		Msg("push rejected")
	return Result{Reason: rejection.Reason}, nil
}
