package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Cache-Stored-At"

// Snapshot is a captured response: status, headers and body.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock when the response was captured.
	StoredAt time.Time
}

// Capture reads the response body into a snapshot.
// The body of res is consumed and closed; the returned response is an
// equivalent replacement that can be handed to the caller.
func Capture(res *http.Response) (Snapshot, *http.Response, error) {
	var body []byte
	if res.Body != nil {
		b, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return Snapshot{}, nil, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}
	snap := Snapshot{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now(),
	}
	if snap.Header == nil {
		snap.Header = http.Header{}
	}
	clone := *res
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	return snap, &clone, nil
}

// Response creates a new response from the snapshot for the given request.
func (s Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// SnapshotToBytes returns the HTTP/1.1 representation of the snapshot.
// The capture time travels as an extra header.
func SnapshotToBytes(s Snapshot) ([]byte, error) {
	res := s.Response(nil)
	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.Unix(), 10))
	res.TransferEncoding = nil
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToSnapshot parses bytes created by SnapshotToBytes.
func BytesToSnapshot(b []byte) (Snapshot, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot body: %w", err)
	}
	snap := Snapshot{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		snap.StoredAt = time.Unix(storedAt, 0)
	}
	snap.Header.Del(storedAtHeaderName)
	return snap, nil
}
