/*
Package resilience provides the circuit breaker that guards calls to the
remote generation endpoint.

# States

	Closed --[Trip]-> Open --[Cooldown]-> Half-Open --[Probes successes]-> Closed
	                                          |
	                                      [failure]
	                                          v
	                                        Open

# Usage

	breaker := resilience.New("generation", resilience.Settings{
		Cooldown: 30 * time.Second,
		Failure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	})

	resp, err := resilience.Call(breaker, func() (*Response, error) {
		return client.Do(ctx, req)
	})

Calls that ended with a nil error, or an error Failure rejects, count as successes.
*/
package resilience
