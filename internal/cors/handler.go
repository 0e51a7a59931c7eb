// Package cors decorates responses with Access-Control-* headers according to a
// table of path patterns, each carrying its own allow-list.
package cors

import (
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	logpkg "github.com/benvon/webglue/internal/logger"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	headerOrigin              = "Origin"
	headerVary                = "Vary"
	headerRequestMethod       = "Access-Control-Request-Method"
	headerRequestHeaders      = "Access-Control-Request-Headers"
	headerAllowOrigin         = "Access-Control-Allow-Origin"
	headerAllowCredentials    = "Access-Control-Allow-Credentials"
	headerAllowMethods        = "Access-Control-Allow-Methods"
	headerAllowHeaders        = "Access-Control-Allow-Headers"
	headerExposeHeaders       = "Access-Control-Expose-Headers"
	headerMaxAge              = "Access-Control-Max-Age"
	matchAllPattern           = "*"
	matchAllRegularExpression = ".*"
)

// Handler applies the first matching rule of its table to each request. It is
// immutable once built and safe for concurrent use.
type Handler struct {
	rules []*rule
	log   *zap.Logger
}

type rule struct {
	resource Resource
	re       *regexp.Regexp
	origins  *cors.Cors

	allowMethods  string
	allowHeaders  string
	exposeHeaders string
	maxAge        string
	echoHeaders   bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used for per-request debug output.
func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// New compiles resources into a Handler. Rules are tried longest pattern first;
// resources with equal pattern length keep their configured order.
func New(resources []Resource, opts ...Option) (*Handler, error) {
	h := &Handler{log: zap.NewNop()}
	for _, o := range opts {
		o(h)
	}

	seen := make(map[string]bool, len(resources))
	for _, res := range resources {
		if err := res.Validate(); err != nil {
			return nil, err
		}
		pattern := strings.TrimSpace(res.Pattern)
		if seen[pattern] {
			return nil, fmt.Errorf("duplicate cors resource pattern %q", pattern)
		}
		seen[pattern] = true

		r, err := compile(Resource{Pattern: pattern, Policy: res.Policy.normalized()})
		if err != nil {
			return nil, err
		}
		h.rules = append(h.rules, r)
	}

	sort.SliceStable(h.rules, func(i, j int) bool {
		return len(h.rules[i].resource.Pattern) > len(h.rules[j].resource.Pattern)
	})

	return h, nil
}

// CrossOrigin decorates a single handler with p, regardless of the request path.
func CrossOrigin(p Policy, next http.Handler, opts ...Option) (http.Handler, error) {
	h, err := New([]Resource{{Pattern: matchAllPattern, Policy: p}}, opts...)
	if err != nil {
		return nil, err
	}
	return h.Wrap(next), nil
}

func compile(res Resource) (*rule, error) {
	expr := res.Pattern
	if expr == matchAllPattern {
		expr = matchAllRegularExpression
	}
	re, err := regexp.Compile(`^(?:` + expr + `)`)
	if err != nil {
		return nil, fmt.Errorf("compile cors pattern %q: %w", res.Pattern, err)
	}

	p := res.Policy
	r := &rule{
		resource: res,
		re:       re,
		// rs/cors is only consulted for origin matching; header values come from p.
		origins:       cors.New(cors.Options{AllowedOrigins: p.Origins}),
		allowMethods:  strings.Join(p.Methods, ", "),
		exposeHeaders: strings.Join(p.ExposeHeaders, ", "),
	}
	if slices.Contains(p.AllowHeaders, "*") {
		r.echoHeaders = true
	} else {
		r.allowHeaders = strings.Join(p.AllowHeaders, ", ")
	}
	if p.MaxAge > 0 {
		r.maxAge = strconv.Itoa(p.MaxAge)
	}
	return r, nil
}

// Resources returns the compiled resources in match order.
func (h *Handler) Resources() []Resource {
	out := make([]Resource, 0, len(h.rules))
	for _, r := range h.rules {
		out = append(out, r.resource)
	}
	return out
}

// Match returns the resource governing path.
func (h *Handler) Match(path string) (Resource, bool) {
	if r := h.match(path); r != nil {
		return r.resource, true
	}
	return Resource{}, false
}

func (h *Handler) match(path string) *rule {
	for _, r := range h.rules {
		if r.re.MatchString(path) {
			return r
		}
	}
	return nil
}

// Wrap returns next decorated with CORS headers. Its signature matches mux.MiddlewareFunc.
func (h *Handler) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl := h.match(r.URL.Path)
		if rl == nil {
			next.ServeHTTP(w, r)
			return
		}
		policy := rl.resource.Policy
		preflight := r.Method == http.MethodOptions && r.Header.Get(headerRequestMethod) != ""

		if h.apply(rl, w, r, preflight) {
			h.log.Debug("cors_origin_allowed",
				zap.String("pattern", rl.resource.Pattern),
				zap.String("origin", logpkg.SanitizeOrigin(r.Header.Get(headerOrigin))),
				zap.Bool("preflight", preflight),
			)
		} else if origin := r.Header.Get(headerOrigin); origin != "" {
			h.log.Debug("cors_origin_rejected",
				zap.String("pattern", rl.resource.Pattern),
				zap.String("origin", logpkg.SanitizeOrigin(origin)),
				zap.Bool("preflight", preflight),
			)
		}

		if preflight && policy.automaticOptions() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apply writes the headers for an allowed origin and reports whether it did.
func (h *Handler) apply(rl *rule, w http.ResponseWriter, r *http.Request, preflight bool) bool {
	origin := r.Header.Get(headerOrigin)
	if origin == "" || !rl.origins.OriginAllowed(r) {
		return false
	}
	policy := rl.resource.Policy
	hdr := w.Header()

	wildcard := policy.SendWildcard && policy.AllowsAllOrigins() && !policy.SupportsCredentials
	if wildcard {
		hdr.Set(headerAllowOrigin, "*")
	} else {
		hdr.Set(headerAllowOrigin, origin)
		if policy.varyHeader() {
			hdr.Add(headerVary, headerOrigin)
		}
	}
	if policy.SupportsCredentials {
		hdr.Set(headerAllowCredentials, "true")
	}

	if !preflight {
		if rl.exposeHeaders != "" {
			hdr.Set(headerExposeHeaders, rl.exposeHeaders)
		}
		return true
	}

	method := strings.ToUpper(strings.TrimSpace(r.Header.Get(headerRequestMethod)))
	if !slices.Contains(policy.Methods, method) {
		return true
	}
	hdr.Set(headerAllowMethods, rl.allowMethods)
	if rl.echoHeaders {
		if requested := r.Header.Get(headerRequestHeaders); requested != "" {
			hdr.Set(headerAllowHeaders, requested)
		}
	} else {
		hdr.Set(headerAllowHeaders, rl.allowHeaders)
	}
	if rl.maxAge != "" {
		hdr.Set(headerMaxAge, rl.maxAge)
	}
	return true
}
