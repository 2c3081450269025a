// Package messaging holds the contracts for out-of-core chat/dashboard
// adapters spec.md §1 names as external collaborators, plus the one
// piece of verification logic that genuinely belongs in the kernel:
// validating an inbound signed payload before any adapter code is
// trusted to act on it. Grounded on
// original_source/app/config/security.py's verify_slack_signature.
package messaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"workflowkernel/internal/domain"
)

const replayWindow = 5 * time.Minute

// VerifyInboundSignature checks a "v0:{timestamp}:{body}" HMAC-SHA256
// signature the way a Slack-style chat adapter's webhook would be
// validated before its payload is trusted. Fails closed: an empty
// signingSecret rejects every request, matching the original's
// "SLACK_SIGNING_SECRET not configured -> reject" behavior. timestamp
// is a decimal unix-seconds string, signature is "v0=<hex>".
func VerifyInboundSignature(signingSecret, timestamp string, body []byte, signature string) error {
	if signingSecret == "" {
		return domain.ErrTokenInvalid
	}

	requestTime, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrTokenInvalid
	}

	age := time.Since(time.Unix(requestTime, 0))
	if math.Abs(age.Seconds()) > replayWindow.Seconds() {
		return domain.ErrTokenInvalid
	}

	baseString := fmt.Sprintf("v0:%s:%s", timestamp, body)
	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte(baseString))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return domain.ErrTokenInvalid
	}
	return nil
}
