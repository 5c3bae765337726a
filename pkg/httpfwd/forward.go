// Package httpfwd has the request/response plumbing shared by the mesh
// proxies: building the upstream request, bounded round trips and copying the
// response back.
package httpfwd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned by RoundTrip when the upstream did not send response
// headers in time.
var ErrTimeout = errors.New("upstream request timed out")

// CreateUpstreamRequest shallow-copies r into a new request that can be sent
// to target. Hop-by-hop headers are removed and X-Forwarded-For is extended.
//
// Derived from reverseproxy.go in the standard Go httputil package.
func CreateUpstreamRequest(r *http.Request, target *url.URL) *http.Request {
	outreq := r.Clone(r.Context())

	// For server requests the Body is always non-nil.
	if r.ContentLength == 0 {
		outreq.Body = nil
	}
	if outreq.Header == nil {
		outreq.Header = make(http.Header)
	}
	outreq.Close = false
	outreq.RequestURI = ""

	u := *target
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	outreq.URL = &u

	RemoveHopHeaders(outreq.Header)

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		// Keep prior X-Forwarded-For entries, folded into one header.
		if prior, ok := outreq.Header["X-Forwarded-For"]; ok {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		outreq.Header.Set("X-Forwarded-For", clientIP)
	}

	return outreq
}

// Hop-by-hop headers. These are removed when sent to the backend.
// http://www.w3.org/Protocols/rfc2616/rfc2616-sec13.html
var hopHeaders = []string{
	"Alt-Svc",
	"Alternate-Protocol",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection", // non-standard but still sent by libcurl and rejected by e.g. google
	"Te",               // canonicalized version of "TE"
	"Trailer",          // not Trailers per URL above; http://www.rfc-editor.org/errata_search.php?eid=4522
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders deletes hop-by-hop headers, including the ones listed in
// the Connection header. h is modified in place.
func RemoveHopHeaders(h http.Header) {
	// RFC 2616, section 14.10.
	for _, c := range h.Values("Connection") {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// CopyResponseHeaders replaces dst with the content of src.
func CopyResponseHeaders(dst, src http.Header) {
	for k := range dst {
		dst.Del(k)
	}
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// RoundTrip sends req with rt. A positive timeout bounds the wait for the
// response headers; the body is streamed without deadline and releases the
// request context when closed.
func RoundTrip(rt http.RoundTripper, req *http.Request, timeout time.Duration) (*http.Response, error) {
	if timeout <= 0 {
		return rt.RoundTrip(req)
	}
	ctx, cancel := context.WithCancel(req.Context())
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	res, err := rt.RoundTrip(req.WithContext(ctx))
	timer.Stop()
	if err != nil {
		cancel()
		if timedOut.Load() {
			return nil, ErrTimeout
		}
		return nil, err
	}
	res.Body = &cancelBody{ReadCloser: res.Body, cancel: cancel}
	return res, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// StatusFor maps a round trip error to the status returned to the client.
func StatusFor(err error) int {
	if errors.Is(err, ErrTimeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// SendBackResponse copies status, headers and body of res to w. extra headers
// are set on top of the upstream ones.
func SendBackResponse(w http.ResponseWriter, res *http.Response, extra http.Header, log *slog.Logger) {
	defer res.Body.Close()

	RemoveHopHeaders(res.Header)
	CopyResponseHeaders(w.Header(), res.Header)
	for k, vs := range extra {
		w.Header()[k] = vs
	}
	w.WriteHeader(res.StatusCode)

	n, err := io.Copy(flushWriter{w}, res.Body)
	if err != nil && log != nil {
		log.Debug("response copy interrupted", "status", res.StatusCode, "bytes", n, "err", err)
	}
}

// flushWriter flushes after each write, so streamed responses are not held in
// the server buffer.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
