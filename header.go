package offlinecache

import (
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

func (e *Engine) sendResponse(w http.ResponseWriter, res *http.Response) {
	writeResponse(w, res, e.log)
}

func writeResponse(w http.ResponseWriter, res *http.Response, log zerolog.Logger) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		log.Error().Err(err).Msg("Could not write response body to client")
	}
	log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}
