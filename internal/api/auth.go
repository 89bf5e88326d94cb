package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// maxSignatureSkew bounds how old an X-Signature-Timestamp may be before
// a request is rejected as stale, limiting replay of a captured header.
const maxSignatureSkew = 5 * time.Minute

// ValidateRequestSignature checks the caller-supplied HMAC-SHA256
// signature over method + path + timestamp, keyed by secretKey. No route
// or middleware calls it: the handlers registered by RegisterRoutes
// accept requests without a signature.
func ValidateRequestSignature(r *http.Request, secretKey string) error {
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}
	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Signature-Timestamp header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid X-Signature-Timestamp: %w", err)
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSignatureSkew {
		return fmt.Errorf("signature timestamp outside allowed skew of %s", maxSignatureSkew)
	}

	expected := computeSignature(secretKey, r.Method, r.URL.Path, timestamp)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func computeSignature(secretKey, method, path, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(method))
	mac.Write([]byte("\n"))
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}
