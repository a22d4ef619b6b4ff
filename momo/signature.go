package momo

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/orders_backend/utils"
)

// ParsePublicKey decodes the provider's PEM-encoded RSA signing key.
func ParsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block in provider public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("provider public key is %T, want *rsa.PublicKey", pub)
	}
	return rsaPub, nil
}

// VerifySignature checks the detached webhook signature. The signed message
// is the canonical concatenation timestamp + callbackURL + rawBody, hashed
// with SHA-256 and signed RSA PKCS#1 v1.5; the header carries it base64.
// Any malformed input verifies as invalid, never as an internal error.
func VerifySignature(pub *rsa.PublicKey, timestamp string, callbackURL string, rawBody []byte, signatureB64 string) error {
	if pub == nil || timestamp == "" || signatureB64 == "" {
		return utils.ErrorInvalidSignature
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return utils.ErrorInvalidSignature
	}

	msg := make([]byte, 0, len(timestamp)+len(callbackURL)+len(rawBody))
	msg = append(msg, timestamp...)
	msg = append(msg, callbackURL...)
	msg = append(msg, rawBody...)
	digest := sha256.Sum256(msg)

	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return utils.ErrorInvalidSignature
	}
	return nil
}
