// Package httpclient provides the outbound HTTP client shared by the
// generation and credential adapters.
//
// Built on go-resty/resty with a go-retryablehttp transport, a token-bucket
// rate limiter from golang.org/x/time/rate, and a resilience.Breaker:
//
//	client := httpclient.New(httpclient.Options{Name: "generation", Timeout: 90 * time.Second})
//	resp, err := client.Do(ctx, func(r *resty.Request) (*resty.Response, error) {
//		return r.SetBody(payload).Post(endpoint)
//	})
//
// Resty-level retries are always off. Transport retries are opt-in via
// Options.Retries and should stay zero for calls that consume quota.
package httpclient
