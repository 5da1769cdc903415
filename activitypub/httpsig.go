package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

// MaxClockSkew is how far the Date header of a signed request may be from now.
const MaxClockSkew = 12 * time.Hour

var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// SignRequest signs an outgoing POST with the given private key and adds its Digest header.
// keyId format: "https://example.com/u/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyID string, body []byte) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	// the signer reads host from the header map, the client sends URL.Host
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	if body == nil {
		body = []byte{}
	}
	return signer.SignRequest(privateKey, keyID, req, body)
}

// SignatureKeyID returns the keyId claimed by a signed request without verifying it.
func SignatureKeyID(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return verifier.KeyId(), nil
}

// VerifyRequest verifies the HTTP signature, the body digest and the Date header
// of an incoming request. It returns the keyId the request was signed with.
func VerifyRequest(req *http.Request, body []byte, publicKeyPem string, now time.Time) (string, error) {
	// net/http moves Host out of the header map
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.Host)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if err := verifyCoveredHeaders(req); err != nil {
		return "", err
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if err := verifyDigest(req.Header.Get("Digest"), body); err != nil {
		return "", err
	}

	if err := verifyDate(req.Header.Get("Date"), now); err != nil {
		return "", err
	}

	return verifier.KeyId(), nil
}

// verifyCoveredHeaders requires the signature to cover date, and digest on a POST.
func verifyCoveredHeaders(req *http.Request) error {
	covered := signedHeaderList(req.Header)
	required := []string{"date"}
	if req.Method == http.MethodPost {
		required = append(required, "digest")
	}
	for _, h := range required {
		if !slices.Contains(covered, h) {
			return fmt.Errorf("%w: signature does not cover %s", ErrSignatureInvalid, h)
		}
	}
	return nil
}

// signedHeaderList reads the headers parameter of the Signature (or
// Authorization: Signature) header. Without one only date is signed.
func signedHeaderList(h http.Header) []string {
	value := h.Get("Signature")
	if value == "" {
		value = strings.TrimPrefix(h.Get("Authorization"), "Signature ")
	}
	for _, param := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && k == "headers" {
			return strings.Fields(strings.ToLower(strings.Trim(v, `"`)))
		}
	}
	return []string{"date"}
}

func verifyDigest(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("%w: missing digest", ErrSignatureInvalid)
	}
	sum := sha256.Sum256(body)
	expected := base64.StdEncoding.EncodeToString(sum[:])

	// Digest may list several algorithms; SHA-256 is the one we check
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		if value == expected {
			return nil
		}
		return fmt.Errorf("%w: digest does not match body", ErrSignatureInvalid)
	}
	return fmt.Errorf("%w: no SHA-256 digest", ErrSignatureInvalid)
}

func verifyDate(header string, now time.Time) error {
	date, err := http.ParseTime(header)
	if err != nil {
		return fmt.Errorf("%w: invalid date header %q", ErrSignatureInvalid, header)
	}
	skew := now.Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return fmt.Errorf("%w: date %s is too far from now", ErrSignatureInvalid, header)
	}
	return nil
}

// keyOwner strips the fragment from a keyId: "https://example.com/u/alice#main-key" -> "https://example.com/u/alice"
func keyOwner(keyID string) string {
	owner, _, _ := strings.Cut(keyID, "#")
	return owner
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return privateKey, nil
	}

	key, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if pkcs8Err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey. Both PKIX and PKCS1 encodings are accepted.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// some servers publish "RSA PUBLIC KEY" blocks
		if rsaPubKey, pkcs1Err := x509.ParsePKCS1PublicKey(block.Bytes); pkcs1Err == nil {
			return rsaPubKey, nil
		}
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
