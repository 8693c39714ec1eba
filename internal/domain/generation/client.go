package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/domain/session"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/httpclient"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/utils"
	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// diagnosticLimit bounds how much of an unusable body appears in messages.
const diagnosticLimit = 200

// Options configures a Client.
type Options struct {
	Endpoint          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Logger            *zap.Logger
	// HTTP overrides the constructed client.
	HTTP *httpclient.Client
}

// Client calls the remote generation endpoint.
type Client struct {
	http     *httpclient.Client
	endpoint string
	log      *zap.Logger
}

// NewClient creates a generation client. Each call is exactly one POST.
func NewClient(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}

	hc := opts.HTTP
	if hc == nil {
		hc = httpclient.New(httpclient.Options{
			Name:              "generation",
			Timeout:           opts.Timeout,
			RequestsPerSecond: opts.RequestsPerSecond,
			Logger:            log,
			Breaker: resilience.Settings{
				Cooldown: 30 * time.Second,
				Trip: func(c resilience.Counts) bool {
					return c.ConsecutiveFailures >= 5 ||
						(c.Calls >= 20 && float64(c.Failures)/float64(c.Calls) > 0.7)
				},
			},
		})
	}

	return &Client{http: hc, endpoint: opts.Endpoint, log: log}
}

type wireArtifact struct {
	Markup      string `json:"markup"`
	Script      string `json:"script"`
	Explanation string `json:"explanation,omitempty"`
}

type wireRequest struct {
	Prompt           string        `json:"prompt"`
	Subject          string        `json:"subject"`
	FollowUp         bool          `json:"followUp,omitempty"`
	PreviousArtifact *wireArtifact `json:"previousArtifact,omitempty"`
}

type wireUsage struct {
	TotalUnits *float64 `json:"totalUnits"`
}

type wireResponse struct {
	Suggestion  string     `json:"suggestion"`
	Error       string     `json:"error"`
	Markup      string     `json:"markup"`
	Script      string     `json:"script"`
	CanvasHTML  string     `json:"canvasHtml"`
	JSCode      string     `json:"jsCode"`
	Explanation string     `json:"explanation"`
	Usage       *wireUsage `json:"usage"`
}

// Generate issues one authenticated request and classifies the response.
// It never returns nil.
func (c *Client) Generate(ctx context.Context, req Request, sess session.Session) Outcome {
	log := c.log.With(zap.Uint64("request_id", req.RequestID), zap.String("subject", string(req.Subject)))

	body := wireRequest{Prompt: req.Prompt, Subject: string(req.Subject)}
	if req.PriorArtifact != nil {
		body.FollowUp = true
		body.PreviousArtifact = &wireArtifact{
			Markup:      req.PriorArtifact.Markup,
			Script:      req.PriorArtifact.Script,
			Explanation: req.PriorArtifact.Explanation,
		}
	}

	resp, err := c.http.Do(ctx, func(r *resty.Request) (*resty.Response, error) {
		tracing.Inject(ctx, func(k, v string) { r.SetHeader(k, v) })
		return r.SetAuthToken(sess.AccessToken).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json").
			SetBody(body).
			Post(c.endpoint)
	})
	if err != nil {
		log.Warn("generation request failed", zap.Error(err))
		return &Failure{Reason: ReasonProtocol, Message: transportMessage(err)}
	}

	return c.classify(log, resp.StatusCode(), resp.Header().Get("Content-Type"), resp.Body())
}

func (c *Client) classify(log *zap.Logger, status int, contentType string, raw []byte) Outcome {
	text := string(raw)

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		log.Warn("generation returned error status", zap.Int("status", status))
		return &Failure{
			Reason:  ReasonProtocol,
			Message: fmt.Sprintf("Server error: %d - %s", status, utils.Truncate(text, diagnosticLimit)),
			Raw:     text,
		}
	}

	if !isJSON(contentType) {
		detected := mimetype.Detect(raw).String()
		log.Warn("generation returned non-JSON body",
			zap.String("content_type", contentType),
			zap.String("detected", detected))
		return &Failure{
			Reason:  ReasonProtocol,
			Message: fmt.Sprintf("Invalid response format (%s): %s", detected, utils.Truncate(text, diagnosticLimit)),
			Raw:     text,
		}
	}

	if !sonic.Valid(raw) {
		return &Failure{
			Reason:  ReasonProtocol,
			Message: "Invalid response format: " + utils.Truncate(text, diagnosticLimit),
			Raw:     text,
		}
	}

	var wr wireResponse
	if err := sonic.Unmarshal(raw, &wr); err != nil {
		log.Debug("generation body has unexpected shape", zap.Error(err))
		return &Failure{Reason: ReasonMalformed, Message: "Incomplete simulation data received from server", Raw: text}
	}

	usage := wr.usage()
	switch {
	case wr.Suggestion != "":
		return &Clarification{SuggestedPrompt: wr.Suggestion, Usage: usage, Raw: text}
	case wr.Error != "":
		return &Failure{Reason: ReasonUpstream, Message: wr.Error, Usage: usage, Raw: text}
	}

	art := types.Artifact{
		Markup:      firstNonEmpty(wr.Markup, wr.CanvasHTML),
		Script:      firstNonEmpty(wr.Script, wr.JSCode),
		Explanation: wr.Explanation,
	}
	if art.Markup == "" || art.Script == "" {
		return &Failure{Reason: ReasonMalformed, Message: "Incomplete simulation data received from server", Usage: usage, Raw: text}
	}
	if art.Size() > utils.MaxArtifactSize {
		return &Failure{Reason: ReasonMalformed, Message: "Simulation artifact exceeds size limit", Usage: usage, Raw: text}
	}

	log.Info("artifact received", zap.Int("size", art.Size()), zap.Bool("usage_reported", usage.Reported))
	return &ArtifactOutcome{Artifact: art, Usage: usage, Raw: text}
}

// usage reads usage.totalUnits, rounding up. Values beyond int64 saturate.
func (w wireResponse) usage() Usage {
	if w.Usage == nil || w.Usage.TotalUnits == nil {
		return Usage{}
	}
	units := *w.Usage.TotalUnits
	if math.IsNaN(units) || units < 0 {
		return Usage{}
	}
	if units >= math.MaxInt64 {
		return Usage{Units: math.MaxInt64, Reported: true}
	}
	return Usage{Units: int64(math.Ceil(units)), Reported: true}
}

func isJSON(contentType string) bool {
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return media == "application/json" || strings.HasSuffix(media, "+json")
}

func transportMessage(err error) string {
	switch {
	case errors.Is(err, httpclient.ErrUnavailable):
		return "Generation service temporarily unavailable"
	case errors.Is(err, context.Canceled):
		return "Request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "Generation service timed out"
	default:
		return "Failed to reach generation service: " + err.Error()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
