package offlinecache

import "net/http"

// Middleware puts an engine in front of an in-process handler, which then
// plays the network. The engine serves right away; run Install on it to
// precache the manifest.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		config.Network = HandlerFetcher{Handler: next}
		return CreateEngine(config)
	}
}
