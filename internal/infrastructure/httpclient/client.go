package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/resilience"
	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnavailable wraps breaker rejections.
var ErrUnavailable = errors.New("upstream unavailable")

var errServerStatus = errors.New("server error status")

// Options configures a Client. Zero values select defaults.
type Options struct {
	Name              string
	BaseURL           string
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	// Retries is the transport-level retry budget. Zero disables retrying.
	Retries int
	Breaker resilience.Settings
	Logger  *zap.Logger
}

// Client wraps resty with rate limiting and a circuit breaker.
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	log     *zap.Logger
	mu      sync.RWMutex
}

// New creates a client from opts.
func New(opts Options) *Client {
	if opts.Name == "" {
		opts.Name = "http"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "SimLab-HTTP/1.0"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.Retries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = leveled{log.Sugar()}

	var rc *resty.Client
	if opts.Retries > 0 {
		rc = resty.NewWithClient(retryClient.StandardClient())
	} else {
		rc = resty.New()
		rc.SetTransport(retryClient.HTTPClient.Transport)
	}
	rc.SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetHeader("User-Agent", opts.UserAgent)
	if opts.BaseURL != "" {
		rc.SetBaseURL(opts.BaseURL)
	}

	settings := opts.Breaker
	if settings.Failure == nil {
		settings.Failure = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	if settings.OnTransition == nil {
		settings.OnTransition = func(name string, from, to resilience.State) {
			log.Warn("circuit breaker transition",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst(opts.RequestsPerSecond))
	}

	return &Client{
		resty:   rc,
		limiter: limiter,
		breaker: resilience.New(opts.Name, settings),
		log:     log,
	}
}

func burst(rps float64) int {
	if rps < 1 {
		return 1
	}
	return int(rps)
}

// SetHeader adds a default header.
func (c *Client) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resty.SetHeader(key, value)
}

// Request waits for the rate limiter and returns a request bound to ctx.
func (c *Client) Request(ctx context.Context) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resty.R().SetContext(ctx), nil
}

// Do sends the request built by send through the breaker. Responses with a
// 5xx status count as breaker failures but are still returned to the caller.
func (c *Client) Do(ctx context.Context, send func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	done, err := c.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, c.breaker.Name(), err)
	}

	req, err := c.Request(ctx)
	if err != nil {
		done(ctx.Err())
		return nil, err
	}

	resp, err := send(req)
	switch {
	case err != nil:
		done(err)
		return nil, err
	case resp.StatusCode() >= http.StatusInternalServerError:
		done(errServerStatus)
	default:
		done(nil)
	}
	return resp, nil
}

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// BreakerCounts returns circuit breaker statistics.
func (c *Client) BreakerCounts() resilience.Counts {
	return c.breaker.Counts()
}

// leveled adapts zap to retryablehttp's LeveledLogger.
type leveled struct {
	s *zap.SugaredLogger
}

func (l leveled) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveled) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
