package offlinecache

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"

	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"

	"github.com/rs/zerolog"
)

// Fetcher is the network as seen from the worker.
// A returned error means the request never got a response (e.g. offline).
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// OriginFetcher sends requests for the scope to an upstream origin server.
// Requests for other hosts are sent as they are.
type OriginFetcher struct {
	client *http.Client
	// URL of the origin server.
	// Origins with paths are not supported.
	origin url.URL
	scope  url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	hostHeader string
}

// NewOriginFetcher creates a fetcher for the origin.
// Use host if needed if e.g. the origin URL is just an IP address.
func NewOriginFetcher(origin, scope url.URL, host string) *OriginFetcher {
	transport := http.DefaultTransport
	if host != "" {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}
	return &OriginFetcher{
		client:     &http.Client{Transport: transport},
		origin:     origin,
		scope:      scope,
		hostHeader: host,
	}
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	out := r.Clone(ctx)
	out.RequestURI = ""
	toOrigin := !r.URL.IsAbs() || strings.EqualFold(r.URL.Host, f.scope.Host)
	if toOrigin {
		out.URL.Scheme = f.origin.Scheme
		out.URL.Host = f.origin.Host
		out.Host = f.origin.Host
		if f.hostHeader != "" {
			out.Host = f.hostHeader
		}
	}
	// hop-by-hop and proxy headers are not forwarded
	for _, h := range []string{"Connection", "Keep-Alive", "Proxy-Connection", "X-Forwarded-For", "X-Forwarded-Proto", "X-Forwarded-Host"} {
		out.Header.Del(h)
	}
	res, err := f.client.Do(out)
	if err != nil {
		return nil, err
	}
	// responses of the origin are presented as responses of the scope;
	// a redirect to another host keeps its final URL and is opaque
	if toOrigin && res.Request != nil && strings.EqualFold(res.Request.URL.Host, f.origin.Host) {
		res.Request = r
	}
	return res, nil
}

// HandlerFetcher runs an in-process handler as the network.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	rs := tee.NewResponseSaver()
	f.Handler.ServeHTTP(rs, r.WithContext(ctx))
	return rs.Result(r), nil
}

// NetworkHandler serves requests straight from the fetcher.
// It is used while no worker is active.
func NetworkHandler(f Fetcher, logger *zerolog.Logger) http.Handler {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := f.Fetch(r.Context(), r)
		if err != nil {
			log.Warn().Err(err).Str("url", r.URL.String()).Msg("Network request failed")
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		writeResponse(w, res, log)
	})
}
