package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestStartNestsUnderTrace(t *testing.T) {
	tracer := New("test", nil)

	parent, ctx := tracer.Start(context.Background(), "parent")
	child, ctx := tracer.Start(ctx, "child")

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)
	assert.Equal(t, child.SpanID, SpanID(ctx))
}

func TestEndLogs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tracer := New("test", zap.New(core))

	span, _ := tracer.Start(context.Background(), "op", zap.String("k", "v"))
	span.End(nil)
	span, _ = tracer.Start(context.Background(), "op")
	span.End(errors.New("boom"))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "span completed", logs.All()[0].Message)
	assert.Equal(t, "v", logs.All()[0].ContextMap()["k"])
	assert.Equal(t, "span completed with error", logs.All()[1].Message)
}

func TestInject(t *testing.T) {
	headers := map[string]string{}
	Inject(context.Background(), func(k, v string) { headers[k] = v })
	assert.Empty(t, headers)

	_, ctx := New("test", nil).Start(WithTrace(context.Background(), "trc_inbound"), "op")
	Inject(ctx, func(k, v string) { headers[k] = v })
	assert.Equal(t, "trc_inbound", headers[HeaderTraceID])
	assert.NotEmpty(t, headers[HeaderSpanID])
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(HTTPMiddleware(New("test", nil)))

	var seen string
	router.GET("/ping", func(c *gin.Context) {
		seen = TraceID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderTraceID, "trc_given")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "trc_given", seen)
	assert.Equal(t, "trc_given", rec.Header().Get(HeaderTraceID))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Contains(t, rec.Header().Get(HeaderTraceID), "trc_")
}
