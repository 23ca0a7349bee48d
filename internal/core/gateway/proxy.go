package gateway

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"corsgate/internal/config"
	"corsgate/internal/core/errors"
	"corsgate/internal/cors"
	"corsgate/internal/logging"
	"corsgate/internal/resolver"
	"corsgate/internal/websocket"
)

// newTransport builds the upstream transport. A zero timeout disables the
// dial, TLS handshake and response header limits.
func newTransport(cfg config.UpstreamConfig) *http.Transport {
	timeout := cfg.Timeout()
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS},
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func (g *Gateway) newReverseProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director:       g.director,
		Transport:      transport,
		ModifyResponse: clearUpstreamCORS,
		ErrorHandler:   g.proxyError,
		ErrorLog:       g.logger.StdLog(),
	}
}

// director points the outbound request at the resolved target. The reverse
// proxy appends the client address to X-Forwarded-For afterwards.
func (g *Gateway) director(out *http.Request) {
	target, _ := out.Context().Value(targetKey).(*url.URL)
	if target == nil {
		return
	}
	setForwardedHeaders(out, out)
	pointAt(out, target)
}

// setForwardedHeaders records the inbound host and scheme on out.
func setForwardedHeaders(out, in *http.Request) {
	out.Header.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
}

// appendForwardedFor mirrors what httputil.ReverseProxy does for the
// requests it does not handle itself.
func appendForwardedFor(out, in *http.Request) {
	clientIP, _, err := net.SplitHostPort(in.RemoteAddr)
	if err != nil {
		return
	}
	prior, ok := out.Header["X-Forwarded-For"]
	if ok && prior == nil {
		return
	}
	if len(prior) > 0 {
		clientIP = strings.Join(prior, ", ") + ", " + clientIP
	}
	out.Header.Set("X-Forwarded-For", clientIP)
}

func pointAt(out *http.Request, target *url.URL) {
	u := *target
	u.Fragment, u.RawFragment = "", ""
	out.URL = &u
	out.Host = u.Host
	// An absent User-Agent stays absent instead of becoming Go's default.
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header.Set("User-Agent", "")
	}
}

func clearUpstreamCORS(resp *http.Response) error {
	cors.StripUpstreamHeaders(resp.Header)
	return nil
}

// forwardHandler relays a plain HTTP request to its resolved upstream.
func (g *Gateway) forwardHandler(w http.ResponseWriter, r *http.Request) {
	result, ok := g.resolve(r)
	if !ok {
		g.writeUnresolved(w, r)
		return
	}

	ctx := context.WithValue(r.Context(), targetKey, result.URL)
	g.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// websocketHandler relays an upgrade request. An unresolvable target closes
// the connection without a response.
func (g *Gateway) websocketHandler(w http.ResponseWriter, r *http.Request) {
	result, ok := g.resolve(r)
	if !ok {
		g.requestLogger(r).Warn("WebSocket target unresolved, closing connection",
			logging.String("path", r.URL.Path))
		if err := websocket.Reject(w); err != nil {
			g.requestLogger(r).Debug("Failed to close connection", logging.Error(err))
		}
		return
	}

	out := r.Clone(r.Context())
	setForwardedHeaders(out, r)
	appendForwardedFor(out, r)
	pointAt(out, result.URL)

	if err := g.ws.Forward(w, out); err != nil {
		g.proxyError(w, r, err)
	}
}

func (g *Gateway) resolve(r *http.Request) (resolver.Result, bool) {
	result, ok := g.resolver.Resolve(r)

	log := g.requestLogger(r)
	for _, rejected := range result.Rejected {
		log.Debug("Skipped malformed target", logging.Error(rejected))
	}

	if !ok {
		g.metrics.RecordUnresolved()
		return result, false
	}

	g.metrics.RecordResolution(string(result.Source))
	if info := requestInfoFrom(r.Context()); info != nil {
		info.upstream = result.URL.Redacted()
		info.source = string(result.Source)
	}
	log.Debug("Resolved target",
		logging.String("source", string(result.Source)),
		logging.String("upstream", result.URL.Redacted()))
	return result, true
}

func (g *Gateway) writeUnresolved(w http.ResponseWriter, r *http.Request) {
	g.requestLogger(r).Warn("Target URL unresolved",
		logging.String("method", r.Method),
		logging.String("path", r.URL.Path))
	_ = errors.NewTargetUnresolvedError(g.resolver.Hint()).WriteHTTP(w)
}

// proxyError answers an upstream failure with 502. It is only called before
// anything has been written to w.
func (g *Gateway) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	g.metrics.RecordUpstreamError()

	log := g.requestLogger(r)
	if stderrors.Is(err, context.Canceled) && r.Context().Err() != nil {
		log.Debug("Client went away before upstream answered", logging.Error(err))
	} else {
		log.Error("Proxy error", err, logging.String("path", r.URL.Path))
	}

	_ = errors.NewUpstreamError(err).WriteHTTP(w)
}
