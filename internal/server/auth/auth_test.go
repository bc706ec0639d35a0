package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("test-secret")

	token, err := svc.Sign("u1", "u@x", "device_1")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.UserID != "u1" || claims.Email != "u@x" || claims.DeviceID != "device_1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if remaining := time.Until(claims.Expires); remaining < 29*24*time.Hour {
		t.Fatalf("expected ~30 day expiry, got %v remaining", remaining)
	}
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewTokenService("secret-a").Sign("u1", "u@x", "d1")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	if _, err := NewTokenService("secret-b").Verify(token); err == nil {
		t.Fatal("expected verification to fail with a different secret")
	}
}

func TestTokenRejectsTamperedPayload(t *testing.T) {
	svc := NewTokenService("test-secret")
	token, err := svc.Sign("u1", "u@x", "d1")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %s", token)
	}
	// Swap the payload for another token's payload; the signature no longer
	// matches.
	other, _ := svc.Sign("attacker", "a@x", "d2")
	otherParts := strings.Split(other, ".")
	tampered := parts[0] + "." + otherParts[1] + "." + parts[2]

	if _, err := svc.Verify(tampered); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestTokenRejectsExpired(t *testing.T) {
	secret := "test-secret"
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": "u1",
		"email":  "u@x",
		"iss":    Issuer,
		"iat":    time.Now().Add(-48 * time.Hour).Unix(),
		"exp":    time.Now().Add(-24 * time.Hour).Unix(),
	})
	token, err := expired.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	if _, err := NewTokenService(secret).Verify(token); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestTokenRejectsWrongIssuer(t *testing.T) {
	secret := "test-secret"
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": "u1",
		"iss":    "someone-else",
		"iat":    time.Now().Unix(),
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	token, err := foreign.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	if _, err := NewTokenService(secret).Verify(token); err == nil {
		t.Fatal("expected foreign issuer to be rejected")
	}
}

func TestNewDeviceCodeFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := NewDeviceCode()
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if len(code) != DeviceCodeLength {
			t.Fatalf("unexpected code length: %q", code)
		}
		for _, r := range code {
			if !strings.ContainsRune(deviceCodeAlphabet, r) {
				t.Fatalf("unexpected character %q in code %q", r, code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Fatal("expected generated codes to vary")
	}
}

func TestNewDeviceIDFormat(t *testing.T) {
	id := NewDeviceID()
	parts := strings.Split(id, "_")
	if len(parts) != 3 || parts[0] != "device" {
		t.Fatalf("unexpected device id: %q", id)
	}
	if len(parts[2]) != 9 {
		t.Fatalf("expected 9-character suffix, got %q", parts[2])
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRequestID()
		if seen[id] {
			t.Fatalf("request id %s repeated", id)
		}
		seen[id] = true
	}
}
