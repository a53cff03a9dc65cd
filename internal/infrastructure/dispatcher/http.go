package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/execution-hub/dataspace-connector/internal/domain/protocol"
)

// Config tunes the HTTP dispatcher.
type Config struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RateLimit is the number of messages per second; zero disables throttling.
	RateLimit float64
	Burst     int
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		RetryMax:     2,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		RateLimit:    50,
		Burst:        10,
	}
}

// HTTPDispatcher posts protocol messages as JSON to the counter-party address.
type HTTPDispatcher struct {
	client  *retryablehttp.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewHTTPDispatcher(cfg Config, logger zerolog.Logger) *HTTPDispatcher {
	logger = logger.With().Str("service", "dispatcher").Logger()

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.HTTPClient.Timeout = cfg.Timeout
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = leveled{logger: logger}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPDispatcher{client: client, limiter: limiter, logger: logger}
}

// Dispatch sends msg. A 4xx answer other than 408, 409 and 429 is a rejection
// and wraps protocol.ErrRejected; every other failure is transient.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, msg protocol.Message) error {
	if msg.CounterPartyAddress == "" {
		return fmt.Errorf("%s: no counter-party address: %w", msg.Type, protocol.ErrRejected)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("dispatch %s: %w", msg.Type, err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, msg.CounterPartyAddress, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", msg.Type, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch %s to %s: %w", msg.Type, msg.CounterPartyAddress, err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	d.logger.Debug().
		Str("message_type", string(msg.Type)).
		Str("process_id", msg.CorrelationID).
		Int("status", resp.StatusCode).
		Msg("message dispatched")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case isRejection(resp.StatusCode):
		return fmt.Errorf("%s: status %d: %s: %w", msg.Type, resp.StatusCode, bytes.TrimSpace(detail), protocol.ErrRejected)
	default:
		return fmt.Errorf("%s: status %d: %s", msg.Type, resp.StatusCode, bytes.TrimSpace(detail))
	}
}

func isRejection(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}

// leveled adapts zerolog to retryablehttp.LeveledLogger.
type leveled struct {
	logger zerolog.Logger
}

func (l leveled) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l leveled) Info(msg string, kv ...interface{})  { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.logger.Trace().Fields(kv).Msg(msg) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }
