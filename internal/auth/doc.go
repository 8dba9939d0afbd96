// Package auth carries caller identity for probe-gateway.
//
// # Principals
//
// Two kinds of principal reach the gateway:
//
//   - developer: a person or tool using the HTTP API to manage instruments.
//     Every instrument is owned by the developer that added it.
//   - probe: an agent connecting over the bridge. Probe tokens are only
//     checked on the connect frame; the probe id used for routing comes from
//     the connection, never from the token.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with a per-principal-type secret
// (auth.jwt_secret for developers, auth.probe_secret for probes). Claims:
//
//   - sub: principal id (developer id or probe instance id)
//   - typ: "developer" or "probe"
//   - roles: optional role list; "admin" allows clearing every developer's
//     instruments
//   - iat, exp: standard timestamps
//
// Mint tokens with the CLI:
//
//	probe-gateway token --type developer --subject alice --ttl 24h
//
// # HTTP
//
// HTTPAuthMiddleware requires a developer bearer token. When no jwt_secret is
// configured the gateway uses AnonymousMiddleware instead, which takes the
// developer id from the X-Developer-Id header (default "anonymous") and
// grants the admin role, matching an unauthenticated local setup.
//
// Handlers read identity with FromContext. The service layer treats a
// missing identity as an error rather than falling back to a default.
package auth
