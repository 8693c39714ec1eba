/*
Package monitoring provides Prometheus metrics for the simulation backend.

Every Metrics value owns a private registry, so tests and multiple servers
in one process never collide on registration.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	metrics.RecordRun("artifact", elapsed)
	metrics.AddQuotaUnits(42)

All recording methods accept a nil receiver.
*/
package monitoring
