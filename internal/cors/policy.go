package cors

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/benvon/webglue/internal/validation"
)

// DefaultMethods are the methods allowed when a policy does not list any.
var DefaultMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodOptions,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// Policy is the allow-list applied to every path matched by a Resource.
type Policy struct {
	Origins             []string `yaml:"origins" json:"origins" validate:"dive,required,cors_origin"`
	Methods             []string `yaml:"methods" json:"methods" validate:"dive,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS CONNECT TRACE"`
	AllowHeaders        []string `yaml:"allow_headers" json:"allow_headers" validate:"dive,required,header_name"`
	ExposeHeaders       []string `yaml:"expose_headers" json:"expose_headers" validate:"dive,required,header_name"`
	SupportsCredentials bool     `yaml:"supports_credentials" json:"supports_credentials"`
	// MaxAge is the preflight cache lifetime in seconds. Zero omits the header.
	MaxAge       int  `yaml:"max_age" json:"max_age" validate:"gte=0"`
	SendWildcard bool `yaml:"send_wildcard" json:"send_wildcard"`
	// VaryHeader defaults to true.
	VaryHeader *bool `yaml:"vary_header,omitempty" json:"vary_header,omitempty"`
	// AutomaticOptions answers preflight requests without calling the wrapped handler. Defaults to true.
	AutomaticOptions *bool `yaml:"automatic_options,omitempty" json:"automatic_options,omitempty"`
}

// Resource binds a Policy to a path pattern.
//
// The pattern is a regular expression matched from the start of the request path,
// so "/api/*" covers everything below /api. A bare "*" matches every path.
type Resource struct {
	Pattern string `yaml:"pattern" json:"pattern" validate:"required"`
	Policy  `yaml:",inline"`
}

// AllowsAllOrigins reports whether the policy contains the "*" origin.
func (p Policy) AllowsAllOrigins() bool {
	for _, o := range p.Origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (p Policy) varyHeader() bool {
	return p.VaryHeader == nil || *p.VaryHeader
}

func (p Policy) automaticOptions() bool {
	return p.AutomaticOptions == nil || *p.AutomaticOptions
}

// normalized returns a copy with defaults filled in, methods upper-cased and
// duplicate entries dropped.
func (p Policy) normalized() Policy {
	out := p
	out.Origins = dedupe(p.Origins, false)
	out.Methods = dedupe(p.Methods, true)
	out.AllowHeaders = dedupe(p.AllowHeaders, false)
	out.ExposeHeaders = dedupe(p.ExposeHeaders, false)

	if len(out.Origins) == 0 {
		out.Origins = []string{"*"}
	}
	if len(out.Methods) == 0 {
		out.Methods = append([]string(nil), DefaultMethods...)
	}
	if len(out.AllowHeaders) == 0 {
		out.AllowHeaders = []string{"*"}
	}
	return out
}

// Validate checks the resource after defaults are applied.
func (r Resource) Validate() error {
	n := Resource{Pattern: strings.TrimSpace(r.Pattern), Policy: r.Policy.normalized()}
	if err := validation.Validate.Struct(n); err != nil {
		return fmt.Errorf("invalid cors resource %q: %w", r.Pattern, err)
	}
	return nil
}

func dedupe(in []string, upper bool) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if upper {
			v = strings.ToUpper(v)
		}
		if v == "" || seen[strings.ToLower(v)] {
			continue
		}
		seen[strings.ToLower(v)] = true
		out = append(out, v)
	}
	return out
}
