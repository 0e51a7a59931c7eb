package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/benvon/webglue/internal/cors"
	"github.com/benvon/webglue/internal/models"
	"gorm.io/gorm"
)

// ErrPolicyNotFound is returned when no row exists for a pattern.
var ErrPolicyNotFound = errors.New("cors policy not found")

// policyColumns are the columns Set writes on update; zero values included.
var policyColumns = []string{
	"origins",
	"methods",
	"allow_headers",
	"expose_headers",
	"supports_credentials",
	"max_age",
	"send_wildcard",
	"disable_vary_header",
	"disable_automatic_options",
	"updated_at",
}

// CorsPolicyRepository stores the CORS rule table.
type CorsPolicyRepository struct {
	db *gorm.DB
}

// NewCorsPolicyRepository creates a repository over db, which may be an engine or a
// session transaction.
func NewCorsPolicyRepository(db *gorm.DB) *CorsPolicyRepository {
	return &CorsPolicyRepository{db: db}
}

// List returns every policy ordered by pattern.
func (r *CorsPolicyRepository) List(ctx context.Context) ([]models.CorsPolicy, error) {
	var policies []models.CorsPolicy
	if err := r.db.WithContext(ctx).Order("pattern asc").Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("list cors policies: %w", err)
	}
	return policies, nil
}

// Get returns the policy for pattern or ErrPolicyNotFound.
func (r *CorsPolicyRepository) Get(ctx context.Context, pattern string) (*models.CorsPolicy, error) {
	p := &models.CorsPolicy{}
	err := r.db.WithContext(ctx).First(p, "pattern = ?", pattern).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cors policy: %w", err)
	}
	return p, nil
}

// Set inserts p or replaces the stored policy with the same pattern.
func (r *CorsPolicyRepository) Set(ctx context.Context, p *models.CorsPolicy) error {
	p.Pattern = strings.TrimSpace(p.Pattern)
	if p.Pattern == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	p.Origins = JoinList(SplitList(p.Origins))
	p.Methods = strings.ToUpper(JoinList(SplitList(p.Methods)))
	p.AllowHeaders = JoinList(SplitList(p.AllowHeaders))
	p.ExposeHeaders = JoinList(SplitList(p.ExposeHeaders))

	_, err := r.Get(ctx, p.Pattern)
	switch {
	case errors.Is(err, ErrPolicyNotFound):
		if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
			return fmt.Errorf("create cors policy: %w", err)
		}
		return nil
	case err != nil:
		return err
	}

	err = r.db.WithContext(ctx).
		Model(&models.CorsPolicy{}).
		Where("pattern = ?", p.Pattern).
		Select(policyColumns).
		Updates(p).Error
	if err != nil {
		return fmt.Errorf("update cors policy: %w", err)
	}
	return nil
}

// Delete removes the policy for pattern.
func (r *CorsPolicyRepository) Delete(ctx context.Context, pattern string) error {
	res := r.db.WithContext(ctx).Delete(&models.CorsPolicy{}, "pattern = ?", pattern)
	if res.Error != nil {
		return fmt.Errorf("delete cors policy: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// Resources returns the stored policies as CORS resources.
func (r *CorsPolicyRepository) Resources(ctx context.Context) ([]cors.Resource, error) {
	policies, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]cors.Resource, 0, len(policies))
	for _, p := range policies {
		out = append(out, ToResource(p))
	}
	return out, nil
}

// ToResource converts a stored row to a CORS resource.
func ToResource(p models.CorsPolicy) cors.Resource {
	vary := !p.DisableVaryHeader
	automatic := !p.DisableAutomaticOptions
	return cors.Resource{
		Pattern: p.Pattern,
		Policy: cors.Policy{
			Origins:             SplitList(p.Origins),
			Methods:             SplitList(p.Methods),
			AllowHeaders:        SplitList(p.AllowHeaders),
			ExposeHeaders:       SplitList(p.ExposeHeaders),
			SupportsCredentials: p.SupportsCredentials,
			MaxAge:              p.MaxAge,
			SendWildcard:        p.SendWildcard,
			VaryHeader:          &vary,
			AutomaticOptions:    &automatic,
		},
	}
}

// FromResource converts a CORS resource to a row.
func FromResource(res cors.Resource) *models.CorsPolicy {
	return &models.CorsPolicy{
		Pattern:                 res.Pattern,
		Origins:                 JoinList(res.Origins),
		Methods:                 JoinList(res.Methods),
		AllowHeaders:            JoinList(res.AllowHeaders),
		ExposeHeaders:           JoinList(res.ExposeHeaders),
		SupportsCredentials:     res.SupportsCredentials,
		MaxAge:                  res.MaxAge,
		SendWildcard:            res.SendWildcard,
		DisableVaryHeader:       res.VaryHeader != nil && !*res.VaryHeader,
		DisableAutomaticOptions: res.AutomaticOptions != nil && !*res.AutomaticOptions,
	}
}

// SplitList splits a comma-separated column, trimming entries and dropping
// empties and duplicates.
func SplitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	var out []string
	seen := make(map[string]bool)
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// JoinList is the inverse of SplitList.
func JoinList(values []string) string {
	return strings.Join(values, ",")
}
