package proxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
)

// statusClientClosedRequest is logged for requests the client abandoned.
const statusClientClosedRequest = 499

var errNotHijacker = errors.New("response writer does not support hijacking")

// responseRecorder tracks the status code and body size written through it
// and passes flushes and hijacks through to the connection.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
	hijacked    bool
	// clientGone marks requests abandoned by the client before a response.
	clientGone bool

	// beforeHeader runs once, just before the final status is written.
	beforeHeader func(status int, h http.Header)
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		r.ResponseWriter.WriteHeader(code)
		return
	}
	if r.beforeHeader != nil {
		r.beforeHeader(code, r.Header())
		r.beforeHeader = nil
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *responseRecorder) ReadFrom(src io.Reader) (int64, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := io.Copy(r.ResponseWriter, src)
	r.written += n
	return n, err
}

func (r *responseRecorder) Flush() {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	_ = http.NewResponseController(r.ResponseWriter).Flush()
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNotHijacker
	}
	conn, brw, err := hj.Hijack()
	if err == nil {
		r.hijacked = true
		r.wroteHeader = true
		r.status = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Status returns the written status; a handler that wrote nothing answered
// 200 as far as net/http is concerned.
func (r *responseRecorder) Status() int {
	if r.clientGone && !r.wroteHeader {
		return statusClientClosedRequest
	}
	if !r.wroteHeader {
		return http.StatusOK
	}
	return r.status
}

type countingBody struct {
	io.ReadCloser
	n int64
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}
