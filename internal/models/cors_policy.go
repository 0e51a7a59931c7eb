package models

// CorsPolicy is one row of the CORS rule table. List fields are stored comma-separated.
type CorsPolicy struct {
	Pattern             string `json:"pattern" gorm:"primaryKey"`
	Origins             string `json:"origins"`
	Methods             string `json:"methods"`
	AllowHeaders        string `json:"allow_headers"`
	ExposeHeaders       string `json:"expose_headers"`
	SupportsCredentials bool   `json:"supports_credentials"`
	MaxAge              int    `json:"max_age"`
	SendWildcard        bool   `json:"send_wildcard"`
	// VaryHeader and AutomaticOptions are stored negated so the zero value keeps the default.
	DisableVaryHeader       bool  `json:"disable_vary_header"`
	DisableAutomaticOptions bool  `json:"disable_automatic_options"`
	CreatedAt               int64 `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt               int64 `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName overrides the gorm default.
func (CorsPolicy) TableName() string {
	return "cors_policies"
}
