package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const (
	originSeparator = "|"
	methodSeparator = " "
)

type CacheKeyer struct {
	// Scheme and host of the scope, e.g. `https://app.example.com`.
	// Only requests for this origin are ever turned into keys.
	Origin string
	// Cache key prefix for this origin
	OriginPrefix string
}

// NewCacheKeyer creates a keyer for the origin of the given scope URL.
// Any path, query or fragment of the scope is ignored.
func NewCacheKeyer(scope url.URL) CacheKeyer {
	origin := strings.ToLower(scope.Scheme + "://" + scope.Host)
	return CacheKeyer{
		Origin:       origin,
		OriginPrefix: origin + originSeparator,
	}
}

// MethodPrefix gets the key prefix for the origin with the given method.
// E.g. prefix for all GET requests in a store.
func (c CacheKeyer) MethodPrefix(method string) string {
	return c.OriginPrefix + strings.ToUpper(method) + methodSeparator
}

// GetKey returns the normalized key for a request: method and URL,
// query included. Fragments never reach the server and are not part of the key.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return c.MethodPrefix(r.Method) + r.URL.RequestURI()
}

// GetKeyForPath returns the GET key for a path below the origin,
// as used for manifest entries and the root document.
func (c CacheKeyer) GetKeyForPath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.MethodPrefix(http.MethodGet) + path
}

// GetRequestFromKey creates a request equal to the one that resulted in the key.
// It returns an error if the key does not belong to this origin.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, c.OriginPrefix) {
		return nil, fmt.Errorf("Key and origin do not match: %s", key)
	}
	keyNoOrigin := strings.TrimPrefix(key, c.OriginPrefix)
	method, uri, found := strings.Cut(keyNoOrigin, methodSeparator)
	if !found || method == "" || !strings.HasPrefix(uri, "/") {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, c.Origin+uri, nil)
}
