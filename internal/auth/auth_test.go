package auth

import (
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestAuthorizePublicPaths(t *testing.T) {
	set := NewKeySet([]string{"secret"})

	for _, path := range []string{"/", "/health", "/health/live", "/health/ready", "/metrics", "/docs", "/docs/swagger", "/redoc"} {
		if !set.Authorize(path, "") {
			t.Errorf("public path %s should not require a key", path)
		}
	}
}

func TestAuthorizeRequiresMembership(t *testing.T) {
	set := NewKeySet([]string{"key-a", "key-b"})

	if set.Authorize("/v1/chat/completions", "") {
		t.Error("missing key should be rejected")
	}
	if set.Authorize("/v1/chat/completions", "wrong") {
		t.Error("unknown key should be rejected")
	}
	if !set.Authorize("/v1/chat/completions", "key-a") {
		t.Error("valid key should be accepted")
	}
	if !set.Authorize("/v1/agents/chain", "key-b") {
		t.Error("valid key should be accepted on any protected path")
	}
}

func TestAuthorizeFailOpenWhenEmpty(t *testing.T) {
	set := NewKeySet(nil)

	if !set.Empty() {
		t.Fatal("expected empty key set")
	}
	if !set.Authorize("/v1/chat/completions", "") {
		t.Error("empty key set must fail open")
	}
	if !set.Authorize("/v1/agents/task", "anything") {
		t.Error("empty key set must accept any key")
	}
}

func TestNewKeySetTrimsBlanks(t *testing.T) {
	set := NewKeySet([]string{" key-a ", "", "  "})

	if !set.Contains("key-a") {
		t.Error("trimmed key should be a member")
	}
	if set.Contains("") {
		t.Error("blank entries must not become members")
	}
}

func TestIdentifierPrefersTruncatedKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "10.0.0.9:51234"

	if got := Identifier(r, "supersecretapikey"); got != "key:supersec" {
		t.Errorf("Identifier = %q, want key:supersec", got)
	}
	if got := Identifier(r, "short"); got != "key:short" {
		t.Errorf("Identifier = %q, want key:short", got)
	}
}

func TestIdentifierFallsBackToIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "10.0.0.9:51234"

	if got := Identifier(r, ""); got != "ip:10.0.0.9" {
		t.Errorf("Identifier = %q, want ip:10.0.0.9", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := Identifier(r, ""); got != "ip:203.0.113.7" {
		t.Errorf("Identifier = %q, want first forwarded hop", got)
	}
}

func TestAdminVerify(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	admin := NewAdmin(string(hash))
	if !admin.Enabled() {
		t.Fatal("admin should be enabled with a hash configured")
	}
	if !admin.Verify("hunter2") {
		t.Error("correct password should verify")
	}
	if admin.Verify("wrong") {
		t.Error("wrong password must not verify")
	}

	disabled := NewAdmin("")
	if disabled.Enabled() {
		t.Error("admin without hash should be disabled")
	}
	if disabled.Verify("hunter2") {
		t.Error("disabled admin must reject everything")
	}
}
