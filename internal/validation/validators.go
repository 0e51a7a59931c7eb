// Package validation holds the shared validator instance and the custom tags
// used by CORS policies.
package validation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// Validate is a shared validator instance
	Validate *validator.Validate
)

func init() {
	Validate = validator.New()

	if err := Validate.RegisterValidation("cors_origin", validateOrigin); err != nil {
		panic(fmt.Sprintf("failed to register cors_origin validator: %v", err))
	}
	if err := Validate.RegisterValidation("header_name", validateHeaderName); err != nil {
		panic(fmt.Sprintf("failed to register header_name validator: %v", err))
	}
}

func validateOrigin(fl validator.FieldLevel) bool {
	return ValidOrigin(fl.Field().String())
}

func validateHeaderName(fl validator.FieldLevel) bool {
	return ValidHeaderName(fl.Field().String())
}

// ValidOrigin reports whether s can appear in an origin allow-list: "*", "null",
// or scheme://host[:port] where the host may hold one "*" wildcard
// ("https://*.example.com").
func ValidOrigin(s string) bool {
	if s == "*" || s == "null" {
		return true
	}
	scheme, host, ok := strings.Cut(s, "://")
	if !ok || scheme == "" || host == "" {
		return false
	}
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	if strings.ContainsAny(host, "/?#@ \t") || strings.Count(host, "*") > 1 {
		return false
	}
	return true
}

// ValidHeaderName reports whether s is "*" or an RFC 7230 token.
func ValidHeaderName(s string) bool {
	if s == "*" {
		return true
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}
