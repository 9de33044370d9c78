package repository

import (
	"context"

	"github.com/smallbiznis/mawared/internal/settings/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) List(ctx context.Context, db *gorm.DB, keys []string) ([]domain.Setting, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var items []domain.Setting
	if err := db.WithContext(ctx).
		Where(map[string]any{"key": keys}).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// Upsert goes through the clause builder so the quoted "key" column and the
// conflict syntax follow the active dialect.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, setting domain.Setting) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "encrypted", "updated_at"}),
		}).
		Create(&setting).Error
}
