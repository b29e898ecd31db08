package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nooterra-labs/settld/pkg/codes"
)

// DefaultSignatureTolerance bounds webhook timestamp skew.
const DefaultSignatureTolerance = 5 * time.Minute

// SignWebhook computes the provider signature header for a payload:
// HMAC-SHA256 over "t=<ts>.<body>", carried as "t=<ts>,v1=<hex>".
func SignWebhook(secret []byte, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + signature(secret, ts, body)
}

func signature(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("t=" + ts + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks the signature header against the payload. The
// timestamp must fall within the tolerance window of now; the comparison is
// constant time.
func VerifyWebhook(secret []byte, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return codes.New(codes.BillingSignatureInvalid, http.StatusUnauthorized, "webhook signature header is malformed")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return codes.New(codes.BillingSignatureInvalid, http.StatusUnauthorized, "webhook signature timestamp is malformed")
	}
	at := time.Unix(unix, 0)
	drift := now.Sub(at)
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return codes.Newf(codes.BillingSignatureStale, http.StatusUnauthorized,
			"webhook timestamp outside the %s tolerance window", tolerance)
	}
	expected := signature(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return codes.New(codes.BillingSignatureInvalid, http.StatusUnauthorized, "webhook signature does not verify")
	}
	return nil
}
