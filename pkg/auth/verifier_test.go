package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"bearer token", "Bearer abc123", "abc123", false},
		{"lowercase scheme", "bearer abc123", "abc123", false},
		{"empty header", "", "", true},
		{"missing scheme", "abc123", "", true},
		{"wrong scheme", "Basic abc123", "", true},
		{"empty token", "Bearer   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractToken(tt.header)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for header %q", tt.header)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected token %q, got %q", tt.want, got)
			}
		})
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "user-42",
		"role": "tutor",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	identity, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if identity.UserID != "user-42" {
		t.Errorf("Expected user id user-42, got %q", identity.UserID)
	}
	if identity.Role != "tutor" {
		t.Errorf("Expected role tutor, got %q", identity.Role)
	}
}

func TestJWTVerifier_DefaultsRoleToStudent(t *testing.T) {
	verifier, _ := NewJWTVerifier(testSecret)

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	identity, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if identity.Role != "student" {
		t.Errorf("Expected default role student, got %q", identity.Role)
	}
}

func TestJWTVerifier_RejectsBadTokens(t *testing.T) {
	verifier, _ := NewJWTVerifier(testSecret)

	expired := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := verifier.Verify(expired); err == nil {
		t.Error("Expired token must be rejected")
	}

	wrongKey := signToken(t, "other-secret", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := verifier.Verify(wrongKey); err == nil {
		t.Error("Token signed with a different key must be rejected")
	}

	noSubject := signToken(t, testSecret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := verifier.Verify(noSubject); err == nil {
		t.Error("Token without a subject must be rejected")
	}

	if _, err := verifier.Verify("not.a.token"); err == nil {
		t.Error("Garbage input must be rejected")
	}

	// alg:none style tokens must never pass
	mangled := strings.SplitN(signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}), ".", 3)
	if _, err := verifier.Verify(mangled[0] + "." + mangled[1] + "."); err == nil {
		t.Error("Token with stripped signature must be rejected")
	}
}

func TestNewJWTVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewJWTVerifier(""); err == nil {
		t.Error("Empty secret must be rejected")
	}
}
