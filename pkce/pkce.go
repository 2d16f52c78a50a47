// Package pkce implements Proof Key for Code Exchange (RFC 7636) challenge
// derivation and verification.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Challenge methods defined by RFC 7636.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// Verifier length bounds from RFC 7636 section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// DeriveChallenge computes the S256 challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidateChallenge checks that a challenge presented at authorization time is
// well formed for the given method. allowPlain gates the downgrade-prone
// plain method.
func ValidateChallenge(challenge, method string, allowPlain bool) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required")
	}

	switch method {
	case MethodS256:
		return nil
	case MethodPlain:
		if !allowPlain {
			return fmt.Errorf("code_challenge_method plain is not allowed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}

// VerifyChallenge checks a code_verifier presented at token exchange against
// the challenge recorded at authorization time.
//
// The comparison is constant-time in both branches. For S256 the hashing step
// already decouples timing from the stored challenge, but keeping both paths
// on subtle.ConstantTimeCompare costs nothing.
func VerifyChallenge(verifier, challenge, method string) error {
	if err := validateVerifierFormat(verifier); err != nil {
		return err
	}

	switch method {
	case MethodS256:
		derived := DeriveChallenge(verifier)
		if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
			return fmt.Errorf("code_verifier does not match challenge")
		}
		return nil
	case MethodPlain:
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return fmt.Errorf("code_verifier does not match challenge")
		}
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}

// validateVerifierFormat enforces the RFC 7636 length bounds and the
// unreserved character set [A-Za-z0-9-._~].
func validateVerifierFormat(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be between %d and %d characters", MinVerifierLength, MaxVerifierLength)
	}

	for _, c := range verifier {
		if !isUnreserved(c) {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}

	return nil
}

func isUnreserved(c rune) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}
