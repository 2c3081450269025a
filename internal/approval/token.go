// Package approval implements the approval service spec.md §4.4
// describes: requesting a decision, validating and recording a
// response, and the (deliberately narrow) rollback path. Token minting
// and verification here are grounded directly on
// original_source/app/config/security.py's generate_callback_token /
// verify_callback_token, translated to Go's crypto/hmac +
// crypto/subtle idiom in the style
// thc1006-nephoran-intent-operator/pkg/monitoring/reporting/webhook_integration.go
// signs and verifies webhook payloads with HMAC-SHA256.
package approval

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"workflowkernel/internal/domain"
)

const tokenRandomBytes = 16

// tokenSignatureHexChars is how much of the hex HMAC digest a token keeps.
const tokenSignatureHexChars = 16

// MintToken builds a callback token of the form
// "{approval_id}:{random_hex}:{signature_hex}" where signature is the
// HMAC-SHA256 hex digest of "{approval_id}:{random_hex}" keyed by
// signingKey, truncated to its first 16 hex characters (the original's
// [:16] hex digest). Mirrors security.py's generate_callback_token. The
// caller passes the id the approval row will be stored under, so the
// token embeds the persisted id.
func MintToken(signingKey string, approvalID uuid.UUID) (string, error) {
	if signingKey == "" {
		return "", domain.ErrTokenInvalid
	}

	randBytes := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(randBytes); err != nil {
		return "", err
	}
	randHex := hex.EncodeToString(randBytes)

	message := fmt.Sprintf("%s:%s", approvalID.String(), randHex)
	sig := sign(signingKey, message)

	return fmt.Sprintf("%s:%s", message, sig), nil
}

// VerifyToken fails closed: an empty signingKey, a malformed token, or
// a signature mismatch all return domain.ErrTokenInvalid. On success it
// returns the embedded approval id, which the caller must still cross
// check against the approval row looked up by token (the token's id
// component is advisory, never trusted in place of the DB lookup key).
func VerifyToken(signingKey, token string) (uuid.UUID, error) {
	if signingKey == "" {
		return uuid.Nil, domain.ErrTokenInvalid
	}

	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return uuid.Nil, domain.ErrTokenInvalid
	}

	approvalID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, domain.ErrTokenInvalid
	}

	message := fmt.Sprintf("%s:%s", parts[0], parts[1])
	expected := sign(signingKey, message)

	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return uuid.Nil, domain.ErrTokenInvalid
	}

	return approvalID, nil
}

func sign(signingKey, message string) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))[:tokenSignatureHexChars]
}
