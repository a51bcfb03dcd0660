package tee

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// ResponseSaver is an http.ResponseWriter that saves the response to a buffer,
// so that a handler can be run as if it were the network.
type ResponseSaver struct {
	body         *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.body.Write(b)
}

// Result returns the recorded response as if it had been received for req.
func (t *ResponseSaver) Result(req *http.Request) *http.Response {
	status := t.StatusCode()
	body := bytes.Clone(t.body.Bytes())
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        t.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// StatusCode returns the status code of the response.
// A handler that never wrote anything implicitly responded with 200.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// NewResponseSaver returns a new ResponseSaver.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		body:   &bytes.Buffer{},
		header: http.Header{},
	}
}
