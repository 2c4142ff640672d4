package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const SIGNATURE_HEADER = "X-Orchy-Signature"

var ErrMissingSignature = errors.New("missing request signature")
var ErrInvalidSignature = errors.New("invalid request signature")
var ErrExpiredSignature = errors.New("request signature timestamp outside tolerance")

// Sign computes the signature header value for body: "t=<unix>,s=<hex hmac>".
// The mac covers "<unix>." followed by the raw body.
func Sign(key []byte, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,s=%s", ts, mac(key, ts, body))
}

func mac(key []byte, ts string, body []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verifier checks trigger signatures against the current signing key and,
// during key rotation, a fallback key.
type Verifier struct {
	keys      [][]byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(signingKey string, fallbackKey string, tolerance time.Duration) *Verifier {
	keys := make([][]byte, 0, 2)
	if signingKey != "" {
		keys = append(keys, []byte(signingKey))
	}
	if fallbackKey != "" {
		keys = append(keys, []byte(fallbackKey))
	}
	return &Verifier{
		keys:      keys,
		tolerance: tolerance,
		now:       time.Now,
	}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

func (v *Verifier) Verify(header string, body []byte) error {
	if header == "" {
		return ErrMissingSignature
	}
	if len(v.keys) == 0 {
		return ErrInvalidSignature
	}
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "s":
			sig = val
		}
	}
	if ts == "" || sig == "" {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if v.tolerance > 0 {
		skew := v.now().Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return ErrExpiredSignature
		}
	}
	given, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	for _, key := range v.keys {
		expected, _ := hex.DecodeString(mac(key, ts, body))
		if hmac.Equal(expected, given) {
			return nil
		}
	}
	return ErrInvalidSignature
}
