package tracing

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HTTPMiddleware opens a span per request, honouring an inbound X-Trace-ID.
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := WithTrace(c.Request.Context(), c.GetHeader(HeaderTraceID))

		span, ctx := tracer.Start(ctx, c.Request.Method+" "+c.FullPath())
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderTraceID, span.TraceID)

		c.Next()

		span.Annotate(zap.Int("status", c.Writer.Status()))
		if len(c.Errors) > 0 {
			span.End(c.Errors.Last())
			return
		}
		span.End(nil)
	}
}
