// Package entitlement implements the offline-verifiable invite-code
// subsystem: parsing and cryptographic verification of signed invite
// codes, the locally persisted entitlement record, capability gating by
// tier, and background reconciliation with the remote entitlement
// authority.
//
// Activation is synchronous and local only: a raw code string flows
// through ParseInviteCode, SignatureVerifier and DecodeClaims before the
// Store persists the granted tier. No network access is required to
// activate. The Reconciler later pushes the activation to the authority
// and periodically re-verifies it, failing open on transport errors and
// failing closed only on an explicit revocation.
package entitlement
