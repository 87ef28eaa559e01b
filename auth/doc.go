// Package auth is the authentication hook of the connection gateway. An
// Authenticator validates a bearer token and returns the UserInfo of its
// subject; the gateway then only lets a connection register as that user.
//
// Three JWT authenticators are provided:
//
//   - NewHMAC verifies tokens signed with a shared secret.
//   - NewStatic verifies tokens against a JWKS URL with a fixed issuer and
//     audience.
//   - NewFromDiscovery learns the issuer's JWKS URL through OpenID Connect
//     discovery.
//
// Every failure matches ErrUnauthorized via errors.Is.
package auth
