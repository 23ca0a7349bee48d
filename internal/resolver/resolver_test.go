package resolver

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"corsgate/internal/config"
)

func defaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

func newRequest(target string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		opts    func(*Options)
		target  string
		headers map[string]string
		want    string
		source  Source
	}{
		{
			name:   "default target with forwarded path and query",
			opts:   func(o *Options) { o.DefaultURL = "https://api.example.com/v1" },
			target: "/users/42?active=true",
			want:   "https://api.example.com/v1/users/42?active=true",
			source: SourceDefault,
		},
		{
			name:   "percent-encoded path target",
			target: "/https%3A%2F%2Fexample.org%2Fping",
			want:   "https://example.org/ping",
			source: SourcePath,
		},
		{
			name:   "raw path target keeps incoming query",
			target: "/https://example.org/ping?x=1",
			want:   "https://example.org/ping?x=1",
			source: SourcePath,
		},
		{
			name:   "path target appends incoming query to embedded query",
			target: "/https%3A%2F%2Fexample.org%2Fsearch%3Fq%3Dgo?page=2",
			want:   "https://example.org/search?q=go&page=2",
			source: SourcePath,
		},
		{
			name:   "path target scheme is case-insensitive",
			target: "/HTTPS%3A%2F%2Fexample.org%2Fping",
			want:   "https://example.org/ping",
			source: SourcePath,
		},
		{
			name:   "path target without path gets a slash",
			target: "/https%3A%2F%2Fexample.org",
			want:   "https://example.org/",
			source: SourcePath,
		},
		{
			name:   "raw path target with an escaped percent",
			target: "/https://example.org/100%25",
			want:   "https://example.org/100%25",
			source: SourcePath,
		},
		{
			name:   "raw path target with escaped percent and query",
			target: "/https://example.org/discount/100%25?x=1",
			want:   "https://example.org/discount/100%25?x=1",
			source: SourcePath,
		},
		{
			name:   "path target after prefix strip",
			opts:   func(o *Options) { o.StripPrefix = "/proxy/" },
			target: "/proxy/https%3A%2F%2Fexample.org%2Fping",
			want:   "https://example.org/ping",
			source: SourcePath,
		},
		{
			name:    "header target replaces base query",
			target:  "/items?a=1",
			headers: map[string]string{"X-Target-URL": "https://h.example.com/base?k=v"},
			want:    "https://h.example.com/base/items?a=1",
			source:  SourceHeader,
		},
		{
			name:    "header target keeps base query when incoming query is empty",
			target:  "/items",
			headers: map[string]string{"X-Target-URL": "https://h.example.com/base?k=v"},
			want:    "https://h.example.com/base/items?k=v",
			source:  SourceHeader,
		},
		{
			name:    "custom header name",
			opts:    func(o *Options) { o.HeaderName = "X-Upstream" },
			target:  "/a",
			headers: map[string]string{"X-Upstream": "http://custom.example.com"},
			want:    "http://custom.example.com/a",
			source:  SourceHeader,
		},
		{
			name:   "query target drops control parameter",
			target: "/items?url=https%3A%2F%2Fq.example.com%2Fapi&b=2",
			want:   "https://q.example.com/api/items?b=2",
			source: SourceQuery,
		},
		{
			name:   "query target only parameter",
			target: "/?url=https://q.example.com/api",
			want:   "https://q.example.com/api/",
			source: SourceQuery,
		},
		{
			name:   "control parameter removed from default target query",
			opts:   func(o *Options) { o.DefaultURL = "https://api.example.com"; o.AllowQuery = false },
			target: "/x?url=ignored&keep=1",
			want:   "https://api.example.com/x?keep=1",
			source: SourceDefault,
		},
		{
			name:    "path beats header",
			target:  "/https%3A%2F%2Fexample.org%2Fping",
			headers: map[string]string{"X-Target-URL": "https://h.example.com"},
			want:    "https://example.org/ping",
			source:  SourcePath,
		},
		{
			name:    "header beats query",
			target:  "/a?url=https://q.example.com",
			headers: map[string]string{"X-Target-URL": "https://h.example.com"},
			want:    "https://h.example.com/a",
			source:  SourceHeader,
		},
		{
			name:   "query beats default",
			opts:   func(o *Options) { o.DefaultURL = "https://d.example.com" },
			target: "/a?url=https://q.example.com",
			want:   "https://q.example.com/a",
			source: SourceQuery,
		},
		{
			name:    "disabled header is ignored",
			opts:    func(o *Options) { o.AllowHeader = false; o.DefaultURL = "https://d.example.com" },
			target:  "/a",
			headers: map[string]string{"X-Target-URL": "https://h.example.com"},
			want:    "https://d.example.com/a",
			source:  SourceDefault,
		},
		{
			name:   "disabled path mode treats embedded url as a path",
			opts:   func(o *Options) { o.PathMode = false; o.DefaultURL = "https://d.example.com" },
			target: "/https%3A%2F%2Fexample.org%2Fping",
			want:   "https://d.example.com/https%3A%2F%2Fexample.org%2Fping",
			source: SourceDefault,
		},
		{
			name:   "repeated query parameter is ignored",
			opts:   func(o *Options) { o.DefaultURL = "https://d.example.com" },
			target: "/a?url=https://q1.example.com&url=https://q2.example.com",
			want:   "https://d.example.com/a",
			source: SourceDefault,
		},
		{
			name:   "forward path disabled uses base as is",
			opts:   func(o *Options) { o.ForwardPath = false; o.DefaultURL = "https://api.example.com/v1?x=1" },
			target: "/users?y=2",
			want:   "https://api.example.com/v1?x=1",
			source: SourceDefault,
		},
		{
			name:   "forward path disabled with empty base path",
			opts:   func(o *Options) { o.ForwardPath = false; o.DefaultURL = "https://api.example.com" },
			target: "/users",
			want:   "https://api.example.com/",
			source: SourceDefault,
		},
		{
			name:   "prefix stripped from forwarded path",
			opts:   func(o *Options) { o.StripPrefix = "/proxy"; o.DefaultURL = "https://api.example.com/v1" },
			target: "/proxy/users",
			want:   "https://api.example.com/v1/users",
			source: SourceDefault,
		},
		{
			name:   "path equal to prefix becomes root",
			opts:   func(o *Options) { o.StripPrefix = "/proxy"; o.DefaultURL = "https://api.example.com/v1" },
			target: "/proxy",
			want:   "https://api.example.com/v1/",
			source: SourceDefault,
		},
		{
			name:   "prefix only strips whole segments",
			opts:   func(o *Options) { o.StripPrefix = "/proxy"; o.DefaultURL = "https://api.example.com" },
			target: "/proxyfoo",
			want:   "https://api.example.com/proxyfoo",
			source: SourceDefault,
		},
		{
			name:   "escaped characters in incoming path are preserved",
			opts:   func(o *Options) { o.DefaultURL = "https://api.example.com" },
			target: "/files/a%2Fb%20c",
			want:   "https://api.example.com/files/a%2Fb%20c",
			source: SourceDefault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			res := New(opts)

			result, ok := res.Resolve(newRequest(tt.target, tt.headers))
			if !ok {
				t.Fatalf("expected %s to resolve, rejected: %v", tt.target, result.Rejected)
			}
			if got := result.URL.String(); got != tt.want {
				t.Errorf("Resolve(%s) = %s, want %s", tt.target, got, tt.want)
			}
			if result.Source != tt.source {
				t.Errorf("expected source %s, got %s", tt.source, result.Source)
			}
		})
	}
}

func TestResolvePathJoin(t *testing.T) {
	bases := map[string]string{
		"https://a.example.com":      "",
		"https://a.example.com/":     "",
		"https://a.example.com/v1":   "/v1",
		"https://a.example.com/v1/":  "/v1",
		"https://a.example.com/v1//": "/v1",
	}
	incoming := []string{"/x", "/x/y", "//x"}

	for base, basePath := range bases {
		for _, in := range incoming {
			opts := defaultOptions()
			opts.PathMode = false
			opts.DefaultURL = base
			result, ok := New(opts).Resolve(newRequest(in, nil))
			if !ok {
				t.Fatalf("%s + %s did not resolve", base, in)
			}
			want := basePath + "/" + strings.TrimLeft(in, "/")
			if got := result.URL.EscapedPath(); got != want {
				t.Errorf("%s + %s: path %q, want %q", base, in, got, want)
			}
		}
	}
}

func TestResolveMalformedFallsThrough(t *testing.T) {
	opts := defaultOptions()
	opts.DefaultURL = "https://d.example.com"
	res := New(opts)

	r := newRequest("/a?url=ftp://files.example.com", map[string]string{"X-Target-URL": "not a url"})
	result, ok := res.Resolve(r)
	if !ok {
		t.Fatal("expected default target to be used")
	}
	if result.Source != SourceDefault {
		t.Errorf("expected default source, got %s", result.Source)
	}
	if len(result.Rejected) != 2 {
		t.Fatalf("expected 2 rejected candidates, got %v", result.Rejected)
	}

	var malformed *MalformedTargetError
	if !errors.As(result.Rejected[0], &malformed) || malformed.Source != SourceHeader {
		t.Errorf("expected header rejection first, got %v", result.Rejected[0])
	}
	if !errors.As(result.Rejected[1], &malformed) || malformed.Source != SourceQuery {
		t.Errorf("expected query rejection second, got %v", result.Rejected[1])
	}
}

func TestResolveMalformedPathTarget(t *testing.T) {
	opts := defaultOptions()
	opts.DefaultURL = "https://d.example.com"

	// Matches the scheme pattern but has no host.
	result, ok := New(opts).Resolve(newRequest("/https%3A%2F%2F%2Fonly-path", nil))
	if !ok || result.Source != SourceDefault {
		t.Fatalf("expected fall through to default, got %+v", result)
	}
	if len(result.Rejected) != 1 {
		t.Errorf("expected the path candidate to be rejected, got %v", result.Rejected)
	}
}

func TestResolveUnresolved(t *testing.T) {
	res := New(defaultOptions())

	result, ok := res.Resolve(newRequest("/users/42", nil))
	if ok {
		t.Fatalf("expected unresolved, got %s", result.URL)
	}
	if result.URL != nil {
		t.Error("unresolved result must not carry a URL")
	}
}

func TestResolveDoesNotModifyRequest(t *testing.T) {
	opts := defaultOptions()
	opts.DefaultURL = "https://api.example.com"
	r := newRequest("/a?url=x&b=1", nil)

	New(opts).Resolve(r)

	if r.URL.RawQuery != "url=x&b=1" || r.URL.Path != "/a" {
		t.Errorf("request URL was modified: %s", r.URL)
	}
}

func TestHint(t *testing.T) {
	all := New(defaultOptions()).Hint()
	for _, want := range []string{"TARGET_URL", "X-Target-URL header", "url query", "embed the full URL in the path"} {
		if !strings.Contains(all, want) {
			t.Errorf("hint %q does not mention %q", all, want)
		}
	}

	opts := defaultOptions()
	opts.AllowHeader, opts.AllowQuery, opts.PathMode = false, false, false
	if got := New(opts).Hint(); got != "Target URL is not configured or invalid. Provide TARGET_URL." {
		t.Errorf("unexpected hint with every override disabled: %q", got)
	}
}

func TestWithoutParam(t *testing.T) {
	tests := []struct {
		query, name, want string
	}{
		{"", "url", ""},
		{"url=x", "url", ""},
		{"a=1&url=x&b=2", "url", "a=1&b=2"},
		{"a=1&url=x&url=y", "url", "a=1"},
		{"u%72l=x&c=%20", "url", "c=%20"},
		{"urlx=1&url", "url", "urlx=1"},
		{"a=1&&b=2", "url", "a=1&b=2"},
	}
	for _, tt := range tests {
		if got := withoutParam(tt.query, tt.name); got != tt.want {
			t.Errorf("withoutParam(%q, %q) = %q, want %q", tt.query, tt.name, got, tt.want)
		}
	}
}
