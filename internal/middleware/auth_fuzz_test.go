package middleware

import (
	"strings"
	"testing"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

func FuzzParseBearerToken(f *testing.F) {
	for _, seed := range []string{
		"Bearer s3cr3t",
		"bearer s3cr3t",
		"BEARER\ts3cr3t",
		"Bearer  padded  ",
		"Bearer a b",
		"Basic dXNlcjpwYXNz",
		"Bearer",
		"",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, header string) {
		token, err := parseBearerToken(header)
		if err != nil {
			if token != "" {
				t.Fatalf("parseBearerToken(%q) = %q with error %v", header, token, err)
			}
			return
		}

		if token == "" || strings.IndexFunc(token, unicode.IsSpace) >= 0 {
			t.Fatalf("parseBearerToken(%q) = %q, want a non-empty token without spaces", header, token)
		}
		trimmed := strings.TrimSpace(header)
		scheme := strings.TrimSuffix(trimmed, token)
		if scheme == trimmed || !strings.EqualFold(strings.TrimSpace(scheme), "Bearer") {
			t.Fatalf("parseBearerToken(%q) accepted %q from a malformed header", header, token)
		}
	})
}

func FuzzNewTokenHash(f *testing.F) {
	hash, err := bcrypt.GenerateFromPassword([]byte("flagtree-admin"), bcrypt.MinCost)
	if err != nil {
		f.Fatal(err)
	}
	f.Add(string(hash), "flagtree-admin")
	f.Add(string(hash), "flagtree-admin ")
	f.Add(" "+string(hash)+"\n", "flagtree-admin")
	f.Add("$2a$04$short", "x")
	f.Add("5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8", "password")

	f.Fuzz(func(t *testing.T, raw, token string) {
		validator, err := NewTokenHash(raw)
		if err != nil {
			if _, costErr := bcrypt.Cost([]byte(strings.TrimSpace(raw))); costErr == nil {
				t.Fatalf("NewTokenHash(%q) rejected a bcrypt hash: %v", raw, err)
			}
			return
		}

		matched := APITokenMatchesHash(strings.TrimSpace(raw), token)
		if strings.TrimSpace(raw) == string(hash) && token == "flagtree-admin" && !matched {
			t.Fatal("seed token did not match its own hash")
		}
		if _, err := validator.ValidateToken(t.Context(), token); (err == nil) != matched {
			t.Fatalf("ValidateToken(%q) error = %v, APITokenMatchesHash = %v", token, err, matched)
		}
	})
}
