package testutil

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
)

type RoundTripHandler struct {
	Handler http.Handler
}

func (rt *RoundTripHandler) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rt.Handler.ServeHTTP(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

// NewInProcessClient returns a client whose requests are served directly by handler.
func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: &RoundTripHandler{Handler: handler}}
}

// StreamRecorder is a flushable ResponseWriter whose body can be read while
// the handler is still writing, for SSE endpoints that never return on their own.
type StreamRecorder struct {
	HeaderMap http.Header
	Code      int
	Body      io.ReadCloser
	writer    io.WriteCloser
}

func NewStreamRecorder() *StreamRecorder {
	r, w := io.Pipe()
	return &StreamRecorder{
		HeaderMap: make(http.Header),
		Code:      http.StatusOK,
		Body:      r,
		writer:    w,
	}
}

func (sr *StreamRecorder) Header() http.Header {
	return sr.HeaderMap
}

func (sr *StreamRecorder) WriteHeader(statusCode int) {
	sr.Code = statusCode
}

func (sr *StreamRecorder) Write(p []byte) (int, error) {
	return sr.writer.Write(p)
}

func (sr *StreamRecorder) Flush() {}

func (sr *StreamRecorder) Close() error {
	return sr.writer.Close()
}

var ssePrefix = []byte("data: ")

// NextSSE blocks until the next data frame and returns its payload.
// Comment lines such as the ":ok" preamble are skipped.
func NextSSE(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := r.ReadBytes('\n')
		if bytes.HasPrefix(line, ssePrefix) {
			return bytes.TrimSpace(bytes.TrimPrefix(line, ssePrefix)), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// SSEPayloads drains a finished event stream and returns every data payload.
func SSEPayloads(r io.Reader) [][]byte {
	reader := bufio.NewReader(r)
	var out [][]byte
	for {
		payload, err := NextSSE(reader)
		if err != nil {
			return out
		}
		out = append(out, payload)
	}
}

func NewRequest(method, path string, body []byte) *http.Request {
	if body == nil {
		body = []byte{}
	}
	return httptest.NewRequest(method, "http://in-process"+path, bytes.NewReader(body))
}
