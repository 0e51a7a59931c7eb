package database

import (
	"context"
	"errors"
	"testing"

	"github.com/benvon/webglue/internal/cors"
	"github.com/benvon/webglue/internal/models"
	"github.com/benvon/webglue/internal/orm"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := orm.OpenEngine("ramsql://webglue_repo_"+uuid.NewString(), nil, nil)
	if err != nil {
		t.Fatalf("OpenEngine() error = %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("DB() error = %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&models.CorsPolicy{}); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}
	return db
}

func TestSplitList(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", nil},
		{"single", "https://a.example.com", []string{"https://a.example.com"}},
		{"comma", "https://a.com, https://b.com", []string{"https://a.com", "https://b.com"}},
		{"dedup", "x, x, y", []string{"x", "y"}},
		{"trim", "  a  ,  b  ", []string{"a", "b"}},
		{"empty entries", "a,,b,", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SplitList(tt.raw)
			if len(got) != len(tt.want) {
				t.Fatalf("SplitList(%q) = %v, want %v", tt.raw, got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("SplitList(%q)[%d] = %q, want %q", tt.raw, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestToResource_Defaults(t *testing.T) {
	t.Parallel()

	res := ToResource(models.CorsPolicy{
		Pattern: "/api/*",
		Origins: "https://app.example.com,https://admin.example.com",
		Methods: "GET,POST",
		MaxAge:  600,
	})
	if res.Pattern != "/api/*" {
		t.Errorf("Pattern = %q", res.Pattern)
	}
	if len(res.Origins) != 2 || len(res.Methods) != 2 {
		t.Errorf("lists not split: %+v", res.Policy)
	}
	if res.VaryHeader == nil || !*res.VaryHeader {
		t.Error("VaryHeader should default to true")
	}
	if res.AutomaticOptions == nil || !*res.AutomaticOptions {
		t.Error("AutomaticOptions should default to true")
	}
	if err := res.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestFromResource_Flags(t *testing.T) {
	t.Parallel()

	off := false
	row := FromResource(cors.Resource{
		Pattern: "/static/*",
		Policy: cors.Policy{
			Origins:          []string{"*"},
			SendWildcard:     true,
			VaryHeader:       &off,
			AutomaticOptions: &off,
		},
	})
	if row.Origins != "*" {
		t.Errorf("Origins = %q, want *", row.Origins)
	}
	if !row.DisableVaryHeader || !row.DisableAutomaticOptions {
		t.Errorf("disabled flags not stored: %+v", row)
	}
	if !row.SendWildcard {
		t.Error("SendWildcard not stored")
	}
}

func TestCorsPolicyRepository_CRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewCorsPolicyRepository(newTestDB(t))

	if _, err := repo.Get(ctx, "/api/*"); !errors.Is(err, ErrPolicyNotFound) {
		t.Fatalf("Get() on empty table error = %v, want ErrPolicyNotFound", err)
	}

	err := repo.Set(ctx, &models.CorsPolicy{
		Pattern:             " /api/* ",
		Origins:             "https://app.example.com, https://app.example.com",
		Methods:             "get, post",
		AllowHeaders:        "Content-Type",
		SupportsCredentials: true,
		MaxAge:              600,
	})
	if err != nil {
		t.Fatalf("Set() create error = %v", err)
	}

	got, err := repo.Get(ctx, "/api/*")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Origins != "https://app.example.com" {
		t.Errorf("Origins = %q, want deduplicated origin", got.Origins)
	}
	if got.Methods != "GET,POST" {
		t.Errorf("Methods = %q, want GET,POST", got.Methods)
	}
	if !got.SupportsCredentials || got.MaxAge != 600 {
		t.Errorf("stored policy = %+v", got)
	}

	// Update clears flags back to zero values.
	err = repo.Set(ctx, &models.CorsPolicy{
		Pattern: "/api/*",
		Origins: "https://other.example.com",
	})
	if err != nil {
		t.Fatalf("Set() update error = %v", err)
	}
	got, err = repo.Get(ctx, "/api/*")
	if err != nil {
		t.Fatalf("Get() after update error = %v", err)
	}
	if got.Origins != "https://other.example.com" {
		t.Errorf("Origins = %q after update", got.Origins)
	}
	if got.SupportsCredentials || got.MaxAge != 0 || got.Methods != "" {
		t.Errorf("update did not overwrite fields: %+v", got)
	}

	if err := repo.Set(ctx, &models.CorsPolicy{Pattern: "/static/*", Origins: "*"}); err != nil {
		t.Fatalf("Set() second policy error = %v", err)
	}
	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].Pattern != "/api/*" || list[1].Pattern != "/static/*" {
		t.Errorf("List() = %+v, want /api/* then /static/*", list)
	}

	resources, err := repo.Resources(ctx)
	if err != nil {
		t.Fatalf("Resources() error = %v", err)
	}
	if _, err := cors.New(resources); err != nil {
		t.Errorf("stored policies do not compile: %v", err)
	}

	if err := repo.Delete(ctx, "/api/*"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, "/api/*"); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("second Delete() error = %v, want ErrPolicyNotFound", err)
	}
	if _, err := repo.Get(ctx, "/api/*"); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrPolicyNotFound", err)
	}
}

func TestCorsPolicyRepository_SetRejectsEmptyPattern(t *testing.T) {
	t.Parallel()

	repo := NewCorsPolicyRepository(newTestDB(t))
	if err := repo.Set(context.Background(), &models.CorsPolicy{Pattern: "  "}); err == nil {
		t.Error("Set() with blank pattern should fail")
	}
}
