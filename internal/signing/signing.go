// Package signing implements the HMAC scheme behind time-limited download
// links for package artifacts served straight from the output directory.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature covering a job's artifact path and expiry.
func (s *Signer) Sign(jobID, artifactPath string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s:%s:%d", jobID, artifactPath, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the provided signature with the expected one in constant
// time.
func (s *Signer) Validate(jobID, artifactPath, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(jobID, artifactPath, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
