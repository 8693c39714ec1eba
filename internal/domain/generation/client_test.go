package generation

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/domain/session"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSession = session.Session{Identity: "user-1", AccessToken: "tok-123", ExpiresAt: time.Now().Add(time.Hour)}

func respond(status int, contentType, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func generate(t *testing.T, handler http.Handler, req Request) Outcome {
	t.Helper()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := NewClient(Options{Endpoint: srv.URL + "/simulate", Timeout: 5 * time.Second})
	out := client.Generate(context.Background(), req, testSession)
	require.NotNil(t, out)
	return out
}

func basicRequest() Request {
	return Request{RequestID: 1, Prompt: "Show gravity", Subject: types.SubjectPhysics}
}

func TestGenerateOutcomes(t *testing.T) {
	const jsonType = "application/json"

	tests := []struct {
		name    string
		status  int
		ctype   string
		body    string
		kind    string
		reason  Reason
		message string
		units   int64
		report  bool
	}{
		{
			name:   "artifact with usage",
			status: 200, ctype: jsonType,
			body:  `{"markup":"<canvas id=\"c\"></canvas>","script":"draw()","explanation":"Gravity","usage":{"totalUnits":42}}`,
			kind:  "artifact",
			units: 42, report: true,
		},
		{
			name:   "artifact without usage",
			status: 200, ctype: "application/json; charset=utf-8",
			body: `{"markup":"<canvas></canvas>","script":"x()"}`,
			kind: "artifact",
		},
		{
			name:   "legacy field names",
			status: 200, ctype: jsonType,
			body: `{"canvasHtml":"<canvas></canvas>","jsCode":"x()"}`,
			kind: "artifact",
		},
		{
			name:   "suggestion",
			status: 200, ctype: jsonType,
			body:    `{"suggestion":"Try: Show a pendulum","usage":{"totalUnits":3}}`,
			kind:    "clarification",
			message: "Try: Show a pendulum",
			units:   3, report: true,
		},
		{
			name:   "upstream error verbatim",
			status: 200, ctype: jsonType,
			body:    `{"error":"Model overloaded, retry later"}`,
			kind:    "failure",
			reason:  ReasonUpstream,
			message: "Model overloaded, retry later",
		},
		{
			name:   "missing script",
			status: 200, ctype: jsonType,
			body:   `{"markup":"<canvas></canvas>","script":""}`,
			kind:   "failure",
			reason: ReasonMalformed,
		},
		{
			name:   "wrong shape",
			status: 200, ctype: jsonType,
			body:   `{"error":{"code":5}}`,
			kind:   "failure",
			reason: ReasonMalformed,
		},
		{
			name:   "invalid json",
			status: 200, ctype: jsonType,
			body:   `{"markup": "<canvas>`,
			kind:   "failure",
			reason: ReasonProtocol,
		},
		{
			name:   "html error page",
			status: 500, ctype: "text/html",
			body:    "<html><body>Internal Server Error</body></html>",
			kind:    "failure",
			reason:  ReasonProtocol,
			message: "Server error: 500 - <html><body>Internal Server Error</body></html>",
		},
		{
			name:   "non-json success",
			status: 200, ctype: "text/plain",
			body:   "hello",
			kind:   "failure",
			reason: ReasonProtocol,
		},
		{
			name:   "huge usage saturates",
			status: 200, ctype: jsonType,
			body:   `{"markup":"<canvas></canvas>","script":"x()","usage":{"totalUnits":1e30}}`,
			kind:   "artifact",
			units:  math.MaxInt64, report: true,
		},
		{
			name:   "fractional usage rounds up",
			status: 200, ctype: jsonType,
			body:   `{"markup":"<canvas></canvas>","script":"x()","usage":{"totalUnits":2.1}}`,
			kind:   "artifact",
			units:  3, report: true,
		},
		{
			name:   "negative usage unreported",
			status: 200, ctype: jsonType,
			body: `{"markup":"<canvas></canvas>","script":"x()","usage":{"totalUnits":-4}}`,
			kind: "artifact",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := generate(t, respond(tt.status, tt.ctype, tt.body), basicRequest())

			assert.Equal(t, tt.kind, out.Kind())
			assert.Equal(t, tt.body, out.RawBody())
			assert.Equal(t, Usage{Units: tt.units, Reported: tt.report}, out.Reported())

			switch o := out.(type) {
			case *Failure:
				assert.Equal(t, tt.reason, o.Reason)
				if tt.message != "" {
					assert.Equal(t, tt.message, o.Message)
				}
			case *Clarification:
				assert.Equal(t, tt.message, o.SuggestedPrompt)
			case *ArtifactOutcome:
				assert.NotEmpty(t, o.Artifact.Markup)
				assert.NotEmpty(t, o.Artifact.Script)
			}
		})
	}
}

func TestGenerateTruncatesDiagnostics(t *testing.T) {
	page := "<html>" + strings.Repeat("x", 1000) + "</html>"
	out := generate(t, respond(502, "text/html", page), basicRequest())

	f, ok := out.(*Failure)
	require.True(t, ok)
	assert.Equal(t, ReasonProtocol, f.Reason)
	assert.Less(t, len(f.Message), 260)
	assert.True(t, strings.HasSuffix(f.Message, "..."))
}

func TestGenerateRequestShape(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/simulate", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		var body map[string]interface{}
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, sonic.Unmarshal(raw, &body))
		assert.Equal(t, "Make it faster", body["prompt"])
		assert.Equal(t, "Physics", body["subject"])
		assert.Equal(t, true, body["followUp"])
		prev, ok := body["previousArtifact"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "run()", prev["script"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"suggestion":"ok"}`)
	})

	req := Request{
		RequestID:     2,
		Prompt:        "Make it faster",
		Subject:       types.SubjectPhysics,
		PriorArtifact: &types.Artifact{Markup: "<canvas></canvas>", Script: "run()"},
	}
	generate(t, handler, req)
	assert.Equal(t, int32(1), hits.Load())
}

func TestGenerateNoRetryOnServerError(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	out := generate(t, handler, basicRequest())
	assert.Equal(t, "failure", out.Kind())
	assert.Equal(t, int32(1), hits.Load())
}

func TestGenerateTransportFailure(t *testing.T) {
	srv := httptest.NewServer(respond(200, "application/json", `{}`))
	url := srv.URL
	srv.Close()

	client := NewClient(Options{Endpoint: url, Timeout: time.Second})
	out := client.Generate(context.Background(), basicRequest(), testSession)

	f, ok := out.(*Failure)
	require.True(t, ok)
	assert.Equal(t, ReasonProtocol, f.Reason)
	assert.Contains(t, f.Message, "Failed to reach generation service")
}

func TestGenerateCanceled(t *testing.T) {
	srv := httptest.NewServer(respond(200, "application/json", `{}`))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewClient(Options{Endpoint: srv.URL}).Generate(ctx, basicRequest(), testSession)
	f, ok := out.(*Failure)
	require.True(t, ok)
	assert.Equal(t, ReasonProtocol, f.Reason)
}

func TestFailureError(t *testing.T) {
	f := &Failure{Reason: ReasonUpstream, Message: "boom"}
	assert.Equal(t, "upstream_error: boom", f.Error())
}
