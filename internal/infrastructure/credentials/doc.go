// Package credentials adapts a GoTrue-compatible auth server to
// session.CredentialStore.
//
// Endpoints used:
//   - GET  /auth/v1/user                          verify an access token
//   - POST /auth/v1/token?grant_type=refresh_token rotate tokens
//   - POST /auth/v1/token?grant_type=password      password sign-in
//   - POST /auth/v1/logout                        revoke
//
// Every request carries the project apikey header. 401/403 from the user
// endpoint and 400/401/403 from the token endpoint map to
// session.ErrCredentialMissing.
package credentials
