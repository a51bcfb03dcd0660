package cachestatus

import (
	"fmt"
	"net/http"
)

// HeaderName is the RFC 9211 response header field.
const HeaderName = "Cache-Status"

// CacheName identifies this cache in Cache-Status values.
const CacheName = "Offline-Cache"

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdMiss FwdReason = "miss"

	// The cache was able to select a response for the request, but
	// the request's semantics did not allow its use.
	FwdRequest FwdReason = "request"
)

type CacheStatus struct {
	hit       bool
	fwdReason FwdReason
	stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.fwdReason = reason
}

func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) IsHit() bool {
	return cs.hit
}

func (cs CacheStatus) String() string {
	status := CacheName
	if cs.hit {
		status += "; hit"
	} else if cs.fwdReason != "" {
		status = fmt.Sprintf("%s; fwd=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status += "; stored"
	}
	if cs.detail != "" {
		status += "; detail=" + cs.detail
	}
	return status
}

// Set replaces any Cache-Status value of this cache in the header.
func (cs CacheStatus) Set(header http.Header) {
	header.Set(HeaderName, cs.String())
}
