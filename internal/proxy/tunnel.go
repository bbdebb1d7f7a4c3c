package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/allaspectsdev/cachetap/internal/tracing"
)

// connectEstablished is the exact CONNECT acknowledgement on the wire; no
// other headers are sent.
const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handshakeTimeout bounds the client-side TLS handshake after CONNECT.
const handshakeTimeout = 10 * time.Second

// handleConnect intercepts a CONNECT tunnel: acknowledge, terminate TLS
// with a leaf minted for the target host, then parse and serve the inner
// HTTP requests on the decrypted stream.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if target == "" {
		http.Error(w, "CONNECT target missing", http.StatusBadRequest)
		return
	}
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		host = target
		target = net.JoinHostPort(host, "443")
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		h.logger.Error().Msg("connect: response writer does not support hijacking")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		h.logger.Error().Err(err).Msg("connect: hijack failed")
		return
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, connectEstablished); err != nil {
		return
	}

	ctx, span := tracing.StartTunnelSpan(r.Context(), host)
	defer span.End()

	tlsConn := tls.Server(conn, h.mint.TLSConfig(host))
	hsCtx, hsCancel := context.WithTimeout(ctx, handshakeTimeout)
	err = tlsConn.HandshakeContext(hsCtx)
	hsCancel()
	if err != nil {
		h.logger.Debug().Err(err).Str("host", host).Msg("connect: TLS handshake failed")
		tracing.RecordError(ctx, err)
		return
	}

	h.collector.TunnelOpened()
	defer h.collector.TunnelClosed()

	h.serveTunnel(tlsConn, target, r.RemoteAddr)
}

// serveTunnel runs the inner HTTP loop until the client closes, an inner
// request asks for close, or the tunnel idles out.
func (h *Handler) serveTunnel(tlsConn *tls.Conn, target, remoteAddr string) {
	reader := bufio.NewReader(tlsConn)

	for {
		// The idle timeout applies between requests, independent of the
		// per-request deadline the pipeline runs under.
		_ = tlsConn.SetReadDeadline(time.Now().Add(h.tunnelIdleTimeout))
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isTimeout(err) {
				h.logger.Debug().Err(err).Str("target", target).Msg("tunnel: reading inner request")
			}
			return
		}
		_ = tlsConn.SetReadDeadline(time.Time{})

		rewriteTunnelRequest(req, target, remoteAddr)

		tw := newTunnelWriter(tlsConn)
		h.serve(tw, req)
		if err := tw.finish(); err != nil {
			return
		}

		// Drain any unread body so the next request parses cleanly.
		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()

		if req.Close || tw.closeAfter {
			return
		}
	}
}

// rewriteTunnelRequest turns an origin-form inner request into the absolute
// https URL the pipeline expects. The default port is dropped so the same
// resource fingerprints identically with and without an explicit :443.
func rewriteTunnelRequest(req *http.Request, target, remoteAddr string) {
	req.URL.Scheme = "https"
	if req.URL.Host == "" {
		host := req.Host
		if host == "" {
			host = target
		}
		if h, p, err := net.SplitHostPort(host); err == nil && p == "443" {
			host = h
		}
		req.URL.Host = host
	}
	req.RemoteAddr = remoteAddr
	req.RequestURI = ""
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// tunnelWriter is an http.ResponseWriter over the decrypted tunnel stream.
// Responses without a Content-Length cannot be framed for reuse, so the
// writer marks the connection for close after them.
type tunnelWriter struct {
	bw          *bufio.Writer
	header      http.Header
	wroteHeader bool
	closeAfter  bool
}

func newTunnelWriter(conn net.Conn) *tunnelWriter {
	return &tunnelWriter{
		bw:     bufio.NewWriter(conn),
		header: make(http.Header),
	}
}

// Header implements http.ResponseWriter.
func (t *tunnelWriter) Header() http.Header { return t.header }

// WriteHeader implements http.ResponseWriter.
func (t *tunnelWriter) WriteHeader(status int) {
	if t.wroteHeader {
		return
	}
	t.wroteHeader = true

	if t.header.Get("Content-Length") == "" {
		t.header.Set("Connection", "close")
		t.closeAfter = true
	}

	fmt.Fprintf(t.bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	_ = t.header.Write(t.bw)
	_, _ = io.WriteString(t.bw, "\r\n")
}

// Write implements http.ResponseWriter.
func (t *tunnelWriter) Write(b []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	return t.bw.Write(b)
}

// Flush implements http.Flusher.
func (t *tunnelWriter) Flush() {
	_ = t.bw.Flush()
}

// finish flushes the buffered response to the stream.
func (t *tunnelWriter) finish() error {
	if !t.wroteHeader {
		// The pipeline always responds; an empty writer means the client
		// vanished mid-request.
		return errors.New("tunnel: no response written")
	}
	return t.bw.Flush()
}
