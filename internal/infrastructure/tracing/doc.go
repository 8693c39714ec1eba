/*
Package tracing provides lightweight request tracing.

A trace id is taken from the inbound X-Trace-ID header or minted, carried on
the context through the run pipeline, and forwarded on outbound generation
and credential calls. Spans are logged through zap when they end.

	tracer := tracing.New("simlab", logger)
	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.Start(ctx, "simulation.run")
	defer span.End(err)
*/
package tracing
