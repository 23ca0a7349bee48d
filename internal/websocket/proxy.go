package websocket

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

	"golang.org/x/net/http/httpguts"

	"corsgate/internal/cors"
	"corsgate/internal/logging"
	"corsgate/internal/metrics"
)

// Options configures the upstream side of a relay.
type Options struct {
	// DialTimeout bounds connecting and the upgrade handshake. Zero means none.
	DialTimeout        time.Duration
	InsecureSkipVerify bool
}

// Proxy relays WebSocket connections as raw byte streams after the upgrade
// handshake. Frames are not inspected.
type Proxy struct {
	dialer    *net.Dialer
	timeout   time.Duration
	tlsConfig *tls.Config
	logger    *logging.Logger
	metrics   *metrics.Collector
}

func NewProxy(opts Options, logger *logging.Logger, m *metrics.Collector) *Proxy {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Proxy{
		dialer:  &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second},
		timeout: opts.DialTimeout,
		tlsConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify,
			NextProtos:         []string{"http/1.1"},
		},
		logger:  logger,
		metrics: m,
	}
}

// IsUpgradeRequest checks if the request is a WebSocket upgrade request
func IsUpgradeRequest(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") &&
		httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket")
}

// Reject closes the client connection without writing any response.
func Reject(w http.ResponseWriter) error {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return err
	}
	return conn.Close()
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
}

// Forward sends the upgrade request outreq to its upstream and, when the
// upstream switches protocols, relays bytes in both directions until either
// side closes. outreq.URL must be absolute and outreq.Host set.
//
// A non-nil error means nothing has been written to w yet, so the caller can
// still answer with an error response. A non-101 upstream answer is relayed
// to the client as a normal response.
func (p *Proxy) Forward(w http.ResponseWriter, outreq *http.Request) error {
	ctx := outreq.Context()

	upstream, err := p.dial(outreq)
	if err != nil {
		return err
	}

	if p.timeout > 0 {
		_ = upstream.SetDeadline(time.Now().Add(p.timeout))
	}
	// Closing upstream on cancellation unblocks the handshake when the client goes away.
	stop := context.AfterFunc(ctx, func() { upstream.Close() })
	defer stop()

	if _, ok := outreq.Header["User-Agent"]; !ok {
		outreq.Header.Set("User-Agent", "")
	}
	if err := outreq.Write(upstream); err != nil {
		upstream.Close()
		return fmt.Errorf("write upgrade request: %w", err)
	}

	upstreamBuf := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamBuf, outreq)
	if err != nil {
		upstream.Close()
		return fmt.Errorf("read upgrade response: %w", err)
	}
	_ = upstream.SetDeadline(time.Time{})

	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer upstream.Close()
		defer resp.Body.Close()
		p.relayResponse(w, resp)
		return nil
	}

	client, clientBuf, err := http.NewResponseController(w).Hijack()
	if err != nil {
		upstream.Close()
		return fmt.Errorf("hijack client connection: %w", err)
	}
	if !stop() {
		// The client went away while the handshake was in flight.
		client.Close()
		upstream.Close()
		return nil
	}
	_ = client.SetDeadline(time.Time{})

	if err := writeSwitchingProtocols(clientBuf.Writer, resp); err != nil {
		p.logger.Debug("Failed to write upgrade response to client", logging.Error(err))
		client.Close()
		upstream.Close()
		return nil
	}

	p.metrics.TrackWebSocket(1)
	defer p.metrics.TrackWebSocket(-1)

	start := time.Now()
	p.pipe(client, clientBuf.Reader, upstream, upstreamBuf)
	p.logger.Debug("WebSocket relay closed",
		logging.String("upstream", outreq.URL.Host),
		logging.Duration("duration", time.Since(start)))
	return nil
}

func (p *Proxy) dial(outreq *http.Request) (net.Conn, error) {
	u := outreq.URL
	secure := u.Scheme == "https" || u.Scheme == "wss"

	port := u.Port()
	if port == "" {
		port = "80"
		if secure {
			port = "443"
		}
	}
	addr := net.JoinHostPort(u.Hostname(), port)

	conn, err := p.dialer.DialContext(outreq.Context(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !secure {
		return conn, nil
	}

	cfg := p.tlsConfig.Clone()
	cfg.ServerName = u.Hostname()
	tlsConn := tls.Client(conn, cfg)
	if p.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(p.timeout))
	}
	if err := tlsConn.HandshakeContext(outreq.Context()); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// relayResponse passes a refused upgrade back to the client.
func (p *Proxy) relayResponse(w http.ResponseWriter, resp *http.Response) {
	cors.StripUpstreamHeaders(resp.Header)
	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("Failed to copy upstream response body", logging.Error(err))
	}
}

func writeSwitchingProtocols(bw *bufio.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %s\r\n", resp.Status); err != nil {
		return err
	}
	if err := resp.Header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// pipe copies in both directions. The first direction to finish closes both
// connections, which ends the other copy.
func (p *Proxy) pipe(client net.Conn, clientR io.Reader, upstream net.Conn, upstreamR io.Reader) {
	errc := make(chan error, 2)
	go copyData(upstream, clientR, errc)
	go copyData(client, upstreamR, errc)

	err := <-errc
	client.Close()
	upstream.Close()
	<-errc

	if err != nil && !isClosedConnError(err) {
		p.logger.Debug("WebSocket relay error", logging.Error(err))
	}
}

func copyData(dst io.Writer, src io.Reader, errc chan<- error) {
	_, err := io.Copy(dst, src)
	errc <- err
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
