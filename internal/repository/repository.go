package repository

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/face-match/internal/matching"
	"github.com/example/face-match/internal/retry"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Repository is the record store backing enrollment, text search and the
// gallery used by photo search.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewRepository creates a new repository instance.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger.Named("repository"), policy: retry.DefaultPolicy}
}

// AutoMigrate ensures the schema is available.
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.exec(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&Identity{}, &ReferenceImage{}, &CrimeType{}, &SearchLog{})
	})
}

type galleryRow struct {
	IdentityID  int64
	Name        string
	Crime       string
	Description string
	ImageID     int64
	Image       []byte
}

func galleryQuery(db *gorm.DB) *gorm.DB {
	return db.Table("criminals AS c").
		Select("c.id AS identity_id, c.name, c.crime, c.description, ic.id AS image_id, ic.image").
		Joins("JOIN images_criminels ic ON ic.criminal_id = c.id").
		Order("c.id, ic.id")
}

// GalleryRecords returns one record per reference image, joined to its
// identity and ordered by identity then enrollment order.
func (r *Repository) GalleryRecords(ctx context.Context, requestID string) ([]matching.Record, error) {
	var rows []galleryRow
	err := r.exec(ctx, "repository.gallery_records", requestID, func() error {
		rows = rows[:0]
		return galleryQuery(r.db.WithContext(ctx)).Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	records := make([]matching.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, matching.Record{
			Identity: matching.Identity{
				ID:          row.IdentityID,
				Name:        row.Name,
				Crime:       row.Crime,
				Description: row.Description,
			},
			ReferenceID: row.ImageID,
			ImageBytes:  row.Image,
		})
	}
	return records, nil
}

// CreateIdentity inserts identity together with any images it carries. Every
// image must decode.
func (r *Repository) CreateIdentity(ctx context.Context, identity *Identity) error {
	for i, img := range identity.Images {
		if _, err := matching.Validate(img.Image); err != nil {
			return &ImageError{Index: i, Err: err}
		}
	}
	identity.SearchKey = searchKey(identity)
	return r.exec(ctx, "repository.create_identity", "", func() error {
		return r.db.WithContext(ctx).Create(identity).Error
	})
}

// ImageError identifies which image of a request failed validation.
type ImageError struct {
	Index int
	Err   error
}

func (e *ImageError) Error() string { return e.Err.Error() }

// Unwrap exposes matching.ErrInvalidImage.
func (e *ImageError) Unwrap() error { return e.Err }

// FindIdentity loads an identity and the ids of its reference images, without
// image bytes.
func (r *Repository) FindIdentity(ctx context.Context, id uint) (*Identity, error) {
	var identity Identity
	err := r.exec(ctx, "repository.find_identity", "", func() error {
		return r.db.WithContext(ctx).
			Preload("Images", imageIDsOnly).
			First(&identity, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// ListIdentities returns every enrolled identity in name order, with the ids
// of its reference images.
func (r *Repository) ListIdentities(ctx context.Context) ([]Identity, error) {
	var identities []Identity
	err := r.exec(ctx, "repository.list_identities", "", func() error {
		return listQuery(r.db.WithContext(ctx)).Find(&identities).Error
	})
	if err != nil {
		return nil, err
	}
	return identities, nil
}

func listQuery(db *gorm.DB) *gorm.DB {
	return db.Model(&Identity{}).
		Preload("Images", imageIDsOnly).
		Order("name, first_name")
}

func imageIDsOnly(db *gorm.DB) *gorm.DB {
	return db.Select("id", "criminal_id", "created_at").Order("id")
}

// UpdateIdentity rewrites every descriptive field of the identity with
// identity.ID. Images are left untouched.
func (r *Repository) UpdateIdentity(ctx context.Context, identity *Identity) error {
	identity.SearchKey = searchKey(identity)
	return r.exec(ctx, "repository.update_identity", "", func() error {
		res := updateQuery(r.db.WithContext(ctx), identity)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func updateQuery(db *gorm.DB, identity *Identity) *gorm.DB {
	return db.Model(&Identity{}).
		Where("id = ?", identity.ID).
		Select(updatableColumns).
		Updates(identity)
}

// DeleteIdentity removes an identity. Its reference images go with it through
// the foreign key cascade.
func (r *Repository) DeleteIdentity(ctx context.Context, id uint) error {
	return r.exec(ctx, "repository.delete_identity", "", func() error {
		res := r.db.WithContext(ctx).Delete(&Identity{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AddReferenceImage enrolls one more photograph for an existing identity.
func (r *Repository) AddReferenceImage(ctx context.Context, identityID uint, image []byte) (*ReferenceImage, error) {
	if _, err := matching.Validate(image); err != nil {
		return nil, err
	}

	ref := &ReferenceImage{CriminalID: identityID, Image: image}
	err := r.exec(ctx, "repository.add_reference_image", "", func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&Identity{}).Where("id = ?", identityID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return tx.Create(ref).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// DeleteReferenceImage removes one photograph of an identity.
func (r *Repository) DeleteReferenceImage(ctx context.Context, identityID, imageID uint) error {
	return r.exec(ctx, "repository.delete_reference_image", "", func() error {
		res := r.db.WithContext(ctx).
			Where("id = ? AND criminal_id = ?", imageID, identityID).
			Delete(&ReferenceImage{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ReplaceReferenceImage swaps the bytes of one photograph of an identity. The
// new image must decode.
func (r *Repository) ReplaceReferenceImage(ctx context.Context, identityID, imageID uint, image []byte) (*ReferenceImage, error) {
	if _, err := matching.Validate(image); err != nil {
		return nil, err
	}

	err := r.exec(ctx, "repository.replace_reference_image", "", func() error {
		res := r.db.WithContext(ctx).
			Model(&ReferenceImage{}).
			Where("id = ? AND criminal_id = ?", imageID, identityID).
			Update("image", image)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ReferenceImage{ID: imageID, CriminalID: identityID, Image: image}, nil
}

// SearchIdentities matches term against every text field, ignoring case and
// accents. A blank term returns nothing; use ListIdentities to browse.
func (r *Repository) SearchIdentities(ctx context.Context, term string) ([]Identity, error) {
	if strings.TrimSpace(term) == "" {
		return []Identity{}, nil
	}

	var identities []Identity
	err := r.exec(ctx, "repository.search_identities", "", func() error {
		return searchQuery(r.db.WithContext(ctx), term).Find(&identities).Error
	})
	if err != nil {
		return nil, err
	}
	return identities, nil
}

func searchQuery(db *gorm.DB, term string) *gorm.DB {
	return db.Model(&Identity{}).
		Where("search_key LIKE ?", containsPattern(term)).
		Order("name, first_name")
}

// ListCrimeTypes returns the offence catalogue in name order.
func (r *Repository) ListCrimeTypes(ctx context.Context) ([]CrimeType, error) {
	var types []CrimeType
	err := r.exec(ctx, "repository.list_crime_types", "", func() error {
		return r.db.WithContext(ctx).Order("name").Find(&types).Error
	})
	if err != nil {
		return nil, err
	}
	return types, nil
}

// EnsureCrimeType adds name to the catalogue unless it is already present.
func (r *Repository) EnsureCrimeType(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	return r.exec(ctx, "repository.ensure_crime_type", "", func() error {
		return r.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
			Create(&CrimeType{Name: name}).Error
	})
}

// SaveSearchLog persists a search log entry.
func (r *Repository) SaveSearchLog(ctx context.Context, log *SearchLog) error {
	return r.exec(ctx, "repository.save_search_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindSearchLog retrieves a search log matching the request and operator.
func (r *Repository) FindSearchLog(ctx context.Context, requestID, operator string) (*SearchLog, error) {
	var log SearchLog
	err := r.exec(ctx, "repository.find_search_log", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND operator = ?", requestID, operator).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// SearchAggregation summarises the search log.
type SearchAggregation struct {
	TotalCount             int64
	WithMatchesCount       int64
	AverageMatches         float64
	TotalSkippedImages     int64
	TotalFailedComparisons int64
}

func aggregationQuery(db *gorm.DB) *gorm.DB {
	return db.Model(&SearchLog{}).Select(
		"COUNT(*) AS total_count, " +
			"COUNT(*) FILTER (WHERE match_count > 0) AS with_matches_count, " +
			"COALESCE(AVG(match_count), 0) AS average_matches, " +
			"COALESCE(SUM(skipped_images), 0) AS total_skipped_images, " +
			"COALESCE(SUM(failed_comparisons), 0) AS total_failed_comparisons",
	)
}

// AggregateSearchLogs computes totals over every recorded search.
func (r *Repository) AggregateSearchLogs(ctx context.Context) (*SearchAggregation, error) {
	var agg SearchAggregation
	err := r.exec(ctx, "repository.aggregate_search_logs", "", func() error {
		return aggregationQuery(r.db.WithContext(ctx)).Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// exec retries fn on transient failures and maps gorm's not-found error.
func (r *Repository) exec(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.policy, r.logger, operation, requestID, func() error {
		err := fn()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
}
