package util

import (
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
)

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	if version == "" {
		t.Error("GetVersion returned empty string")
	}
	if strings.ContainsAny(version, "\n\t ") {
		t.Errorf("Version should be trimmed, got '%s'", version)
	}
}

func TestGetNameAndVersion(t *testing.T) {
	result := GetNameAndVersion()
	if !strings.HasPrefix(result, "linkfed / ") {
		t.Errorf("Expected 'linkfed / <version>', got '%s'", result)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent("example.com")
	if !strings.HasPrefix(ua, "linkfed/") || !strings.Contains(ua, "+https://example.com") {
		t.Errorf("Unexpected user agent '%s'", ua)
	}
}

func TestPrettyPrint(t *testing.T) {
	out := PrettyPrint(map[string]int{"a": 1})
	if !strings.Contains(out, "\"a\": 1") {
		t.Errorf("Expected indented JSON, got '%s'", out)
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	keypair, err := GeneratePemKeypair(1024)
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}

	privBlock, _ := pem.Decode([]byte(keypair.Private))
	if privBlock == nil || privBlock.Type != "RSA PRIVATE KEY" {
		t.Fatalf("Expected RSA PRIVATE KEY block, got %+v", privBlock)
	}
	if _, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes); err != nil {
		t.Errorf("Private key should be PKCS1: %v", err)
	}

	pubBlock, _ := pem.Decode([]byte(keypair.Public))
	if pubBlock == nil || pubBlock.Type != "PUBLIC KEY" {
		t.Fatalf("Expected PUBLIC KEY block, got %+v", pubBlock)
	}
	if _, err := x509.ParsePKIXPublicKey(pubBlock.Bytes); err != nil {
		t.Errorf("Public key should be PKIX: %v", err)
	}
}

func TestGeneratePemKeypairUniqueness(t *testing.T) {
	a, err := GeneratePemKeypair(1024)
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}
	b, err := GeneratePemKeypair(1024)
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}
	if a.Private == b.Private {
		t.Error("Two generated keypairs should differ")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger("debug", true); err != nil {
		t.Errorf("Expected debug level to be accepted, got %v", err)
	}
	if _, err := NewLogger("loud", false); err == nil {
		t.Error("Expected unknown level to be rejected")
	}
}
