// Package auth implements authentication for AmityVox, including password hashing
// with Argon2id, TOTP two-factor authentication, WebAuthn, and session management.
// This package will be fully implemented in Phase 2.
package auth
