package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckHTTPDisabledAcceptsAll(t *testing.T) {
	a, err := New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/whip", nil)
	if err := a.CheckHTTP(req); err != nil {
		t.Fatalf("expected no auth required, got %v", err)
	}
}

func TestCheckHTTPBearer(t *testing.T) {
	a, err := New([]string{"secret-token"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/whip", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	if err := a.CheckHTTP(req); err != nil {
		t.Fatalf("expected valid bearer token to pass, got %v", err)
	}

	bad := httptest.NewRequest(http.MethodPost, "/whip", nil)
	bad.Header.Set("Authorization", "Bearer wrong-token")
	if err := a.CheckHTTP(bad); err == nil {
		t.Fatal("expected invalid bearer token to be rejected")
	}

	missing := httptest.NewRequest(http.MethodPost, "/whip", nil)
	if err := a.CheckHTTP(missing); err == nil {
		t.Fatal("expected missing header to be rejected once auth is enabled")
	}
}

func TestCheckHTTPBasic(t *testing.T) {
	a, err := New(nil, []string{"alice:wonderland"})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/whip", nil)
	req.SetBasicAuth("alice", "wonderland")
	if err := a.CheckHTTP(req); err != nil {
		t.Fatalf("expected valid basic auth to pass, got %v", err)
	}

	bad := httptest.NewRequest(http.MethodPost, "/whip", nil)
	bad.SetBasicAuth("alice", "wrong")
	if err := a.CheckHTTP(bad); err == nil {
		t.Fatal("expected wrong password to be rejected")
	}
}

func TestMalformedAccountRejected(t *testing.T) {
	if _, err := New(nil, []string{"no-colon-here"}); err == nil {
		t.Fatal("expected malformed account entry to error")
	}
}

func TestStreamTokenRoundTrip(t *testing.T) {
	m := NewStreamTokenMinter("test-secret")
	tok := m.Mint("room1", time.Minute)

	if err := m.Verify("room1", tok); err != nil {
		t.Fatalf("expected valid token to verify, got %v", err)
	}
	if err := m.Verify("room2", tok); err == nil {
		t.Fatal("expected token minted for a different stream to fail")
	}
}

func TestStreamTokenExpires(t *testing.T) {
	m := NewStreamTokenMinter("test-secret")
	tok := m.Mint("room1", -time.Second)

	if err := m.Verify("room1", tok); err == nil {
		t.Fatal("expected already-expired token to fail verification")
	}
}

func TestStreamTokenWrongSecretRejected(t *testing.T) {
	a := NewStreamTokenMinter("secret-a")
	b := NewStreamTokenMinter("secret-b")
	tok := a.Mint("room1", time.Minute)

	if err := b.Verify("room1", tok); err == nil {
		t.Fatal("expected token signed with a different secret to fail")
	}
}
