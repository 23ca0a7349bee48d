// Package resolver decides, per request, which upstream URL the gateway
// forwards to.
//
// Four sources are consulted in a fixed order and the first one that yields
// a valid absolute http(s) URL wins:
//
//  1. a full URL embedded in the request path (/https://host/p or its
//     percent-encoded form), with the incoming query appended;
//  2. the target header (X-Target-URL by default);
//  3. the target query parameter (url by default);
//  4. the configured default target.
//
// Sources 2-4 provide a base that is combined with the incoming path and
// query; a non-empty incoming query replaces the base's own query.
package resolver

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"corsgate/internal/config"
)

// Source names where a target came from.
type Source string

const (
	SourcePath    Source = "path"
	SourceHeader  Source = "header"
	SourceQuery   Source = "query"
	SourceDefault Source = "default"
)

// Options configures a Resolver.
type Options struct {
	DefaultURL  string
	AllowHeader bool
	HeaderName  string
	AllowQuery  bool
	QueryParam  string
	PathMode    bool
	StripPrefix string
	ForwardPath bool
}

// OptionsFromConfig maps the target section of the configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	t := cfg.Target
	return Options{
		DefaultURL:  t.DefaultURL,
		AllowHeader: t.AllowHeader,
		HeaderName:  t.Header,
		AllowQuery:  t.AllowQuery,
		QueryParam:  t.QueryParam,
		PathMode:    t.PathMode,
		StripPrefix: strings.TrimSuffix(t.StripPrefix, "/"),
		ForwardPath: t.ForwardPath,
	}
}

// Result is a resolved upstream URL. Rejected lists candidates that were
// present but malformed and therefore skipped.
type Result struct {
	URL      *url.URL
	Source   Source
	Rejected []error
}

// MalformedTargetError reports a candidate that is not an absolute http(s) URL.
type MalformedTargetError struct {
	Source    Source
	Candidate string
	Err       error
}

func (e *MalformedTargetError) Error() string {
	return fmt.Sprintf("malformed %s target %q: %v", e.Source, e.Candidate, e.Err)
}

func (e *MalformedTargetError) Unwrap() error {
	return e.Err
}

// step returns (nil, nil) when its source has no candidate.
type step struct {
	source Source
	lookup func(r *http.Request) (*url.URL, error)
}

// Resolver is safe for concurrent use; it holds no mutable state.
type Resolver struct {
	opts  Options
	steps []step
}

var embeddedScheme = regexp.MustCompile(`(?i)^https?://`)

// New creates a resolver. Disabled sources are left out of the lookup chain.
func New(opts Options) *Resolver {
	if opts.HeaderName == "" {
		opts.HeaderName = config.DefaultTargetHeader
	}
	if opts.QueryParam == "" {
		opts.QueryParam = config.DefaultQueryParam
	}
	opts.StripPrefix = strings.TrimSuffix(opts.StripPrefix, "/")

	res := &Resolver{opts: opts}
	if opts.PathMode {
		res.steps = append(res.steps, step{SourcePath, res.fromPath})
	}
	if opts.AllowHeader {
		res.steps = append(res.steps, step{SourceHeader, res.base(SourceHeader, res.headerCandidate)})
	}
	if opts.AllowQuery {
		res.steps = append(res.steps, step{SourceQuery, res.base(SourceQuery, res.queryCandidate)})
	}
	res.steps = append(res.steps, step{SourceDefault, res.base(SourceDefault, func(*http.Request) string {
		return opts.DefaultURL
	})})
	return res
}

// Resolve returns the upstream URL for r, or false when no source yields one.
func (res *Resolver) Resolve(r *http.Request) (Result, bool) {
	var result Result
	for _, s := range res.steps {
		u, err := s.lookup(r)
		if err != nil {
			result.Rejected = append(result.Rejected, err)
			continue
		}
		if u == nil {
			continue
		}
		result.URL = u
		result.Source = s.source
		return result, true
	}
	return result, false
}

// Hint is the message sent to clients whose request could not be resolved.
// It names only the sources that are enabled.
func (res *Resolver) Hint() string {
	ways := []string{"TARGET_URL"}
	if res.opts.AllowHeader {
		ways = append(ways, res.opts.HeaderName+" header")
	}
	if res.opts.AllowQuery {
		ways = append(ways, res.opts.QueryParam+" query")
	}
	if res.opts.PathMode {
		ways = append(ways, "embed the full URL in the path")
	}

	provide := ways[0]
	if n := len(ways); n > 1 {
		provide = strings.Join(ways[:n-1], ", ") + ", or " + ways[n-1]
	}
	return "Target URL is not configured or invalid. Provide " + provide + "."
}

func (res *Resolver) fromPath(r *http.Request) (*url.URL, error) {
	raw := strings.TrimPrefix(res.incomingPath(r), "/")
	if raw == "" {
		return nil, nil
	}
	candidate := raw
	if decoded, err := url.PathUnescape(raw); err == nil {
		candidate = decoded
	}
	if !embeddedScheme.MatchString(candidate) {
		return nil, nil
	}

	u, err := parseAbsolute(candidate)
	if err != nil && candidate != raw && embeddedScheme.MatchString(raw) {
		// "/https://host/100%25" decodes to an unparsable "100%"; the
		// path as sent is already a valid URL.
		if rawURL, rawErr := parseAbsolute(raw); rawErr == nil {
			u, err = rawURL, nil
		}
	}
	if err != nil {
		return nil, &MalformedTargetError{Source: SourcePath, Candidate: candidate, Err: err}
	}

	if q := r.URL.RawQuery; q != "" {
		if u.RawQuery != "" {
			u.RawQuery += "&" + q
		} else {
			u.RawQuery = q
		}
	}
	u.ForceQuery = false
	if u.Path == "" {
		setEscapedPath(u, "/")
	}
	return u, nil
}

func (res *Resolver) headerCandidate(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(res.opts.HeaderName))
}

// queryCandidate ignores the parameter when it is repeated.
func (res *Resolver) queryCandidate(r *http.Request) string {
	values, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil && len(values) == 0 {
		return ""
	}
	if v := values[res.opts.QueryParam]; len(v) == 1 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// base turns a raw base URL candidate into the final target by combining it
// with the incoming path and query.
func (res *Resolver) base(src Source, candidate func(*http.Request) string) func(*http.Request) (*url.URL, error) {
	return func(r *http.Request) (*url.URL, error) {
		raw := candidate(r)
		if raw == "" {
			return nil, nil
		}
		u, err := parseAbsolute(raw)
		if err != nil {
			return nil, &MalformedTargetError{Source: src, Candidate: raw, Err: err}
		}
		return res.combine(u, r), nil
	}
}

func (res *Resolver) combine(base *url.URL, r *http.Request) *url.URL {
	u := *base
	u.ForceQuery = false
	if !res.opts.ForwardPath {
		if u.Path == "" {
			setEscapedPath(&u, "/")
		}
		return &u
	}

	incoming := res.incomingPath(r)
	joined := strings.TrimRight(u.EscapedPath(), "/") + "/" + strings.TrimLeft(incoming, "/")
	setEscapedPath(&u, joined)

	if q := withoutParam(r.URL.RawQuery, res.opts.QueryParam); q != "" {
		u.RawQuery = q
	}
	return &u
}

// incomingPath is the escaped request path with the configured prefix removed.
func (res *Resolver) incomingPath(r *http.Request) string {
	p := r.URL.EscapedPath()
	if prefix := res.opts.StripPrefix; prefix != "" {
		if p == prefix {
			p = ""
		} else if strings.HasPrefix(p, prefix+"/") {
			p = p[len(prefix):]
		}
	}
	if p == "" {
		return "/"
	}
	return p
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}

func setEscapedPath(u *url.URL, escaped string) {
	p, err := url.PathUnescape(escaped)
	if err != nil {
		u.Path, u.RawPath = escaped, ""
		return
	}
	u.Path, u.RawPath = p, escaped
}

// withoutParam drops every occurrence of name from a raw query while keeping
// the order and encoding of the other pairs.
func withoutParam(rawQuery, name string) string {
	if rawQuery == "" || name == "" {
		return rawQuery
	}
	kept := make([]string, 0, strings.Count(rawQuery, "&")+1)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if key == name {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}
