// Package session gates privileged calls on a live credential.
//
// A Guard moves through Uninitialized → Loading → {Valid, Invalid}. Valid
// stays Valid across refreshes; Invalid persists until the credential store
// reports a new sign-in.
//
// Validation:
//  1. Read the session from the CredentialStore
//  2. Refresh when remaining lifetime is below the threshold (5m default),
//     retrying once unless the store reports the credential missing
//  3. Clear local state on rejection or failed refresh
//  4. Keep local state on transient read errors, but refuse the call
//
// WithValidSession is the only path to a privileged operation:
//
//	err := guard.WithValidSession(ctx, func(ctx context.Context, sess session.Session) error {
//		outcome = client.Generate(ctx, req, sess)
//		return nil
//	})
//	if errors.Is(err, session.ErrSessionInvalid) {
//		// re-authenticate
//	}
package session
