// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package security

import "context"

// Decision is the outcome of an access-control check.
type Decision int

const (
	// Deny means the operation is not permitted.
	Deny Decision = iota

	// Allow means the operation is permitted.
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// DenyReason describes why a check was denied. Only meaningful when
// Decision is Deny.
type DenyReason int

const (
	// ReasonNone applies to an Allow result.
	ReasonNone DenyReason = iota

	// ReasonNotMember means the caller is not a member of the pool the
	// operation targets.
	ReasonNotMember

	// ReasonPolicyDenied means the pool's or block's permission map has
	// no entry (neither the caller's AppID nor "*") for the requested
	// operation.
	ReasonPolicyDenied

	// ReasonEncryptionRequired means the target is encrypted and the
	// security implementation refused to proceed without cryptographic
	// validation it could not perform.
	ReasonEncryptionRequired
)

func (r DenyReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNotMember:
		return "not a pool member"
	case ReasonPolicyDenied:
		return "no matching policy entry"
	case ReasonEncryptionRequired:
		return "encryption validation required"
	default:
		return "unknown"
	}
}

// Result is the outcome of a [Checker] call.
type Result struct {
	Decision Decision
	Reason   DenyReason
}

// Allowed reports whether r permits the operation.
func (r Result) Allowed() bool { return r.Decision == Allow }

// AllowResult is the canonical Allow outcome.
func AllowResult() Result { return Result{Decision: Allow} }

// DenyResult builds a Deny outcome carrying reason.
func DenyResult(reason DenyReason) Result { return Result{Decision: Deny, Reason: reason} }

// Checker is the access-control abstraction the core calls into. Pool
// Manager calls CheckPoolAccess before pool-scoped trigger routing and
// membership changes; Memory Manager calls CheckMemoryAccess before
// every block operation and calls the encryption methods for blocks in
// encrypted pools.
type Checker interface {
	// CheckPoolAccess reports whether appID may perform op (one of
	// "join", "read", "write", "admin") against pool.
	CheckPoolAccess(ctx context.Context, appID, pool, op string) Result

	// CheckMemoryAccess reports whether appID may perform op (one of
	// "read", "write", "execute") against blockID.
	CheckMemoryAccess(ctx context.Context, appID, blockID, op string) Result

	// PrepareEncryptedPool is called once when a pool is created or
	// updated with type=encrypted, before any block may be created in
	// it. Implementations provision key material here.
	PrepareEncryptedPool(ctx context.Context, pool string) error

	// EncryptBlock transforms plaintext before it is written to a block
	// in an encrypted pool.
	EncryptBlock(ctx context.Context, blockID string, plaintext []byte) ([]byte, error)

	// DecryptBlock reverses EncryptBlock when a block in an encrypted
	// pool is read.
	DecryptBlock(ctx context.Context, blockID string, ciphertext []byte) ([]byte, error)

	// RotateKeys replaces the key material for pool's encrypted blocks.
	RotateKeys(ctx context.Context, pool string) error
}

// AllowAll is the default Checker: every check passes, every block
// operation is a no-op pass-through, deferring the cryptographic
// implementation to a real Checker.
type AllowAll struct{}

func (AllowAll) CheckPoolAccess(ctx context.Context, appID, pool, op string) Result {
	return AllowResult()
}

func (AllowAll) CheckMemoryAccess(ctx context.Context, appID, blockID, op string) Result {
	return AllowResult()
}

func (AllowAll) PrepareEncryptedPool(ctx context.Context, pool string) error { return nil }

func (AllowAll) EncryptBlock(ctx context.Context, blockID string, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (AllowAll) DecryptBlock(ctx context.Context, blockID string, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

func (AllowAll) RotateKeys(ctx context.Context, pool string) error { return nil }
