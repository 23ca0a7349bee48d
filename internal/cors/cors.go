package cors

import (
	"net/http"
	"strconv"

	"corsgate/internal/config"
)

const (
	DefaultAllowMethods = "GET,POST,PUT,PATCH,DELETE,HEAD,OPTIONS"
	DefaultAllowHeaders = "Content-Type, Authorization, *"

	varyValue = "Origin, Access-Control-Request-Method, Access-Control-Request-Headers"
)

const (
	headerAllowOrigin      = "Access-Control-Allow-Origin"
	headerAllowCredentials = "Access-Control-Allow-Credentials"
	headerAllowMethods     = "Access-Control-Allow-Methods"
	headerAllowHeaders     = "Access-Control-Allow-Headers"
	headerMaxAge           = "Access-Control-Max-Age"
	headerRequestMethod    = "Access-Control-Request-Method"
	headerRequestHeaders   = "Access-Control-Request-Headers"
)

// Policy is the configured CORS behaviour.
type Policy struct {
	AllowedOrigins   []string
	AllowCredentials bool
	MaxAge           int // seconds, only sent when positive
}

func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}
}

// Decision holds the CORS response headers computed for one request.
// An empty AllowOrigin means the header is omitted.
type Decision struct {
	AllowOrigin      string
	AllowCredentials bool

	// Preflight only.
	Preflight    bool
	AllowMethods string
	AllowHeaders string
	MaxAge       int
}

// Apply writes the decision to h.
func (d Decision) Apply(h http.Header) {
	if d.AllowOrigin != "" {
		h.Set(headerAllowOrigin, d.AllowOrigin)
	}
	if d.AllowCredentials {
		h.Set(headerAllowCredentials, "true")
	}
	h.Add("Vary", varyValue)

	if !d.Preflight {
		return
	}
	h.Set(headerAllowMethods, d.AllowMethods)
	h.Set(headerAllowHeaders, d.AllowHeaders)
	if d.MaxAge > 0 {
		h.Set(headerMaxAge, strconv.Itoa(d.MaxAge))
	}
}

// Engine computes CORS decisions. It is immutable and safe for concurrent use.
type Engine struct {
	wildcard    bool
	origins     map[string]struct{}
	credentials bool
	maxAge      int
}

func New(p Policy) *Engine {
	e := &Engine{
		origins:     make(map[string]struct{}, len(p.AllowedOrigins)),
		credentials: p.AllowCredentials,
		maxAge:      p.MaxAge,
	}
	for _, o := range p.AllowedOrigins {
		if o == "*" {
			e.wildcard = true
			continue
		}
		e.origins[o] = struct{}{}
	}
	return e
}

// AllowOrigin returns the Access-Control-Allow-Origin value for a request
// origin, or "" when the header must be omitted. It never returns "*" when
// credentials are allowed.
func (e *Engine) AllowOrigin(origin string) string {
	if origin == "" {
		if e.credentials {
			return ""
		}
		return "*"
	}
	if e.wildcard {
		if e.credentials {
			return origin
		}
		return "*"
	}
	if _, ok := e.origins[origin]; ok {
		return origin
	}
	return ""
}

// Decide computes the headers attached to every response.
func (e *Engine) Decide(r *http.Request) Decision {
	return Decision{
		AllowOrigin:      e.AllowOrigin(r.Header.Get("Origin")),
		AllowCredentials: e.credentials,
	}
}

// DecidePreflight extends Decide with the preflight headers. Requested
// methods and headers are echoed back.
func (e *Engine) DecidePreflight(r *http.Request) Decision {
	d := e.Decide(r)
	d.Preflight = true
	d.MaxAge = e.maxAge

	d.AllowMethods = r.Header.Get(headerRequestMethod)
	if d.AllowMethods == "" {
		d.AllowMethods = DefaultAllowMethods
	}
	d.AllowHeaders = r.Header.Get(headerRequestHeaders)
	if d.AllowHeaders == "" {
		d.AllowHeaders = DefaultAllowHeaders
	}
	return d
}

// Middleware attaches the CORS headers to every response and answers every
// OPTIONS request with 204 without calling next.
func (e *Engine) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				e.DecidePreflight(r).Apply(w.Header())
				w.WriteHeader(http.StatusNoContent)
				return
			}
			e.Decide(r).Apply(w.Header())
			next.ServeHTTP(w, r)
		})
	}
}

// StripUpstreamHeaders removes CORS headers set by an upstream so the
// gateway's decision is the only one the client sees.
func StripUpstreamHeaders(h http.Header) {
	h.Del(headerAllowOrigin)
	h.Del(headerAllowCredentials)
	h.Del(headerAllowMethods)
	h.Del(headerAllowHeaders)
	h.Del(headerMaxAge)
}
