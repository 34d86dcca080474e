// Package signing lets protocol handlers verify that a dispatch really
// came from the exchange. Requests carry an HMAC-SHA256 signature over
// a timestamped payload in the X-Exchange-Signature header, in the
// form "t=<unix>,v1=<hex>".
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Header carries the dispatch signature.
	Header = "X-Exchange-Signature"

	// DefaultTolerance bounds how stale a signed dispatch may be
	// before verification rejects it.
	DefaultTolerance = 5 * time.Minute
)

// Sign returns the signature header value for a request body at now.
func Sign(secret string, body []byte, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return "t=" + ts + ",v1=" + digest(secret, ts, body)
}

// Verify checks a signature header against the body. tolerance <= 0
// uses DefaultTolerance.
func Verify(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("signing secret is empty")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("malformed signature header")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed signature timestamp")
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	want := digest(secret, ts, body)
	for _, sig := range sigs {
		if hmac.Equal([]byte(strings.ToLower(sig)), []byte(want)) {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch")
}

func digest(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
