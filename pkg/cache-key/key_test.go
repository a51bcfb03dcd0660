package cachekey

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func testKeyer() CacheKeyer {
	scope, _ := url.Parse("https://App.Example.com/some/path")
	return NewCacheKeyer(*scope)
}

func TestRequestFromKey(t *testing.T) {
	keygen := testKeyer()
	r, _ := http.NewRequest("GET", "https://app.example.com/page?x=1", nil)
	key := keygen.GetKey(r)
	req, err := keygen.GetRequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "https://app.example.com/page?x=1" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
	if req.Method != "GET" {
		t.Fatalf("Created request method for key %s is %s", key, req.Method)
	}
}

func TestKeyIncludesQuery(t *testing.T) {
	keygen := testKeyer()
	a, _ := http.NewRequest("GET", "/static/app.js?v=1", nil)
	b, _ := http.NewRequest("GET", "/static/app.js?v=2", nil)
	if keygen.GetKey(a) == keygen.GetKey(b) {
		t.Fatalf("Keys equal for different queries: %s", keygen.GetKey(a))
	}
}

func TestKeyForPathMatchesRequestKey(t *testing.T) {
	keygen := testKeyer()
	r, _ := http.NewRequest("GET", "/manifest.json", nil)
	if keygen.GetKeyForPath("manifest.json") != keygen.GetKey(r) {
		t.Fatalf("Path key %s differs from request key %s", keygen.GetKeyForPath("manifest.json"), keygen.GetKey(r))
	}
}

func TestOriginPrefixIncludesOrigin(t *testing.T) {
	keygen := testKeyer()
	if !strings.Contains(keygen.OriginPrefix, "https://app.example.com") {
		t.Fatalf("OriginPrefix is %s", keygen.OriginPrefix)
	}
}

func TestForeignKeyRejected(t *testing.T) {
	keygen := testKeyer()
	if _, err := keygen.GetRequestFromKey("https://other.example.com|GET /"); err == nil {
		t.Fatal("Expected error for key of another origin")
	}
	if _, err := keygen.GetRequestFromKey(keygen.OriginPrefix + "GET"); !errors.Is(err, ErrorMalformedKey) {
		t.Fatalf("Expected malformed key error, got %v", err)
	}
}
