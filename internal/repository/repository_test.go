package repository

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-match/internal/logging"
	"github.com/example/face-match/internal/matching"
)

// dryRunDB returns a gorm handle that renders SQL without connecting.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=test dbname=test sslmode=disable"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("failed to open dry-run db: %v", err)
	}
	return db
}

func TestGalleryQueryOrdersByIdentityThenImage(t *testing.T) {
	db := dryRunDB(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return galleryQuery(tx).Find(&[]galleryRow{})
	})

	for _, want := range []string{
		"FROM criminals AS c",
		"JOIN images_criminels ic ON ic.criminal_id = c.id",
		"ORDER BY c.id, ic.id",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected %q in query: %s", want, sql)
		}
	}
}

func TestSearchQueryUsesNormalisedPattern(t *testing.T) {
	db := dryRunDB(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return searchQuery(tx, "  DUPRÉ ").Find(&[]Identity{})
	})

	if !strings.Contains(sql, "search_key LIKE '%dupre%'") {
		t.Fatalf("expected normalised LIKE pattern in query: %s", sql)
	}
	if !strings.Contains(sql, "ORDER BY name, first_name") {
		t.Fatalf("expected name ordering in query: %s", sql)
	}
}

func TestAggregationQuerySummarisesSearchLogs(t *testing.T) {
	db := dryRunDB(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return aggregationQuery(tx).Scan(&SearchAggregation{})
	})

	for _, want := range []string{
		`FROM "search_logs"`,
		"COUNT(*) AS total_count",
		"FILTER (WHERE match_count > 0)",
		"SUM(failed_comparisons)",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected %q in query: %s", want, sql)
		}
	}
}

func TestUpdateQueryRewritesDescriptiveColumns(t *testing.T) {
	db := dryRunDB(t)
	identity := &Identity{ID: 4, Name: "Doe", BirthPlace: "Lyon", Address: "1 rue de la Paix"}
	identity.SearchKey = searchKey(identity)

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return updateQuery(tx, identity)
	})

	for _, want := range []string{
		`UPDATE "criminals" SET`,
		`"birth_place"='Lyon'`,
		`"address"='1 rue de la Paix'`,
		`"search_key"='doe lyon 1 rue de la paix'`,
		`"age"=NULL`,
		"WHERE id = 4",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected %q in query: %s", want, sql)
		}
	}
	if strings.Contains(sql, "created_at") {
		t.Fatalf("expected created_at to stay untouched: %s", sql)
	}
}

func TestUpdateIdentityRecomputesSearchKey(t *testing.T) {
	repo := NewRepository(dryRunDB(t), zap.NewNop())
	identity := &Identity{ID: 4, Name: "Dupré", Address: "Montréal", SearchKey: "stale"}

	_ = repo.UpdateIdentity(context.Background(), identity)

	if identity.SearchKey != "dupre montreal" {
		t.Fatalf("unexpected search key: %q", identity.SearchKey)
	}
}

func TestListQueryOrdersByName(t *testing.T) {
	db := dryRunDB(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return listQuery(tx).Find(&[]Identity{})
	})

	if !strings.Contains(sql, `FROM "criminals"`) || !strings.Contains(sql, "ORDER BY name, first_name") {
		t.Fatalf("unexpected list query: %s", sql)
	}
}

func TestDeleteIdentityQuery(t *testing.T) {
	db := dryRunDB(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return tx.Delete(&Identity{}, 4)
	})

	if !strings.Contains(sql, `DELETE FROM "criminals"`) || !strings.Contains(sql, "= 4") {
		t.Fatalf("unexpected delete query: %s", sql)
	}
}

func TestReplaceReferenceImageRejectsInvalidImage(t *testing.T) {
	repo := NewRepository(dryRunDB(t), zap.NewNop())

	_, err := repo.ReplaceReferenceImage(context.Background(), 1, 2, []byte("not an image"))

	if !errors.Is(err, matching.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Éloïse  Dupré", "eloise dupre"},
		{"JEAN-LUC", "jean-luc"},
		{"  ", ""},
		{"Žluťoučký kůň", "zlutoucky kun"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := normalize(tt.input); got != tt.expected {
				t.Errorf("normalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestContainsPatternEscapesWildcards(t *testing.T) {
	if got := containsPattern("100%_x"); got != `%100\%\_x%` {
		t.Fatalf("unexpected pattern: %s", got)
	}
}

func TestSearchKeyCoversAllFields(t *testing.T) {
	key := searchKey(&Identity{
		Name: "Dupré", FirstName: "Éloïse", Alias: "La Fouine", Crime: "Vol", Nationality: "Française",
		BirthPlace: "Orléans", Address: "12 rue Pasteur", Phone: "0600000000",
	})
	for _, part := range []string{"dupre", "eloise", "la fouine", "vol", "francaise", "orleans", "12 rue pasteur"} {
		if !strings.Contains(key, part) {
			t.Errorf("expected %q in search key %q", part, key)
		}
	}
	if strings.Contains(key, "0600000000") {
		t.Errorf("expected phone to stay out of search key %q", key)
	}
}

func TestCreateIdentityRejectsInvalidImages(t *testing.T) {
	repo := NewRepository(dryRunDB(t), zap.NewNop())
	err := repo.CreateIdentity(context.Background(), &Identity{
		Name:   "Doe",
		Images: []ReferenceImage{{Image: []byte("not an image")}},
	})

	var imgErr *ImageError
	if !errors.As(err, &imgErr) {
		t.Fatalf("expected ImageError, got %v", err)
	}
	if imgErr.Index != 0 {
		t.Fatalf("unexpected index: %d", imgErr.Index)
	}
	if !errors.Is(err, matching.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

func TestSearchIdentitiesBlankTerm(t *testing.T) {
	repo := NewRepository(dryRunDB(t), zap.NewNop())
	identities, err := repo.SearchIdentities(context.Background(), "   ")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(identities) != 0 {
		t.Fatalf("expected no identities, got %d", len(identities))
	}
}

func TestExecMapsNotFound(t *testing.T) {
	repo := NewRepository(dryRunDB(t), zap.NewNop())
	err := repo.exec(context.Background(), "repository.find_identity", "req-1", func() error {
		return gorm.ErrRecordNotFound
	})

	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "repository.find_identity" {
		t.Fatalf("expected OperationError for repository.find_identity, got %v", err)
	}
}
