// Package authcore provides the authentication and session-trust engine for a
// multi-tenant file-storage product: credential verification with brute-force
// lockout, device-fingerprint trust management, TOTP second-factor gating,
// rotating bearer tokens, and session revocation.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build]. Each call is a one-shot sequence of store operations — all
// cross-call state lives in the credential, device, and session stores.
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config],
// the store contracts ([CredentialStore], [DeviceStore]), and value types
// (LoginResult, AuthResult, AuditEvent). Token signing lives in the token
// subpackage, session persistence in the session subpackage, fingerprint
// derivation in the fingerprint subpackage, and the Postgres-backed store
// implementations in the pgstore subpackage.
//
// # What this package must NOT do
//
//   - Expose Redis or Postgres clients in flow return values.
//   - Block a login or refresh on notification or audit delivery; those side
//     effects are dispatched asynchronously and their failures are absorbed.
//   - Issue any credential for an account that has not passed the full
//     transition chain in the login orchestrator.
package authcore
