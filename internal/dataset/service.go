package dataset

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketdash/internal/dataset/domain"
	"github.com/smallbiznis/marketdash/pkg/db/pagination"
	"github.com/smallbiznis/marketdash/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

// Service lists datasets and their rows, and deletes a dataset with
// everything hanging off it.
type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("dataset.service"),
	}
}

// RowsPage is one page of a dataset's rows; exactly one of the slices is
// populated depending on the dataset type.
type RowsPage struct {
	Dataset      domain.Dataset           `json:"dataset"`
	Transactions []domain.TransactionRow  `json:"transactions,omitempty"`
	Clicks       []domain.ClickRow        `json:"clicks,omitempty"`
	Total        int64                    `json:"total"`
	Limit        int                      `json:"limit"`
	Offset       int                      `json:"offset"`
}

func (s *Service) List(ctx context.Context) ([]domain.Dataset, error) {
	var datasets []domain.Dataset
	err := rls.RunFromContext(ctx, s.db, func(tx *gorm.DB) error {
		return tx.Order("uploaded_at DESC, id DESC").Find(&datasets).Error
	})
	if err != nil {
		return nil, err
	}
	return datasets, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Dataset, error) {
	var ds domain.Dataset
	err := rls.RunFromContext(ctx, s.db, func(tx *gorm.DB) error {
		return tx.Where("id = ?", id).First(&ds).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Dataset{}, domain.ErrNotFound
		}
		return domain.Dataset{}, err
	}
	return ds, nil
}

// Rows returns one page of the dataset's rows ordered by date then id.
func (s *Service) Rows(ctx context.Context, id snowflake.ID, page pagination.Params) (RowsPage, error) {
	page = page.Clamp()

	var out RowsPage
	err := rls.RunFromContext(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&out.Dataset).Error; err != nil {
			return err
		}

		switch out.Dataset.Type {
		case domain.TypeClick:
			if err := tx.Model(&domain.ClickRow{}).
				Where("dataset_id = ?", id).
				Count(&out.Total).Error; err != nil {
				return err
			}
			return tx.Where("dataset_id = ?", id).
				Order("date ASC, id ASC").
				Limit(page.Limit).Offset(page.Offset).
				Find(&out.Clicks).Error
		default:
			if err := tx.Model(&domain.TransactionRow{}).
				Where("dataset_id = ?", id).
				Count(&out.Total).Error; err != nil {
				return err
			}
			return tx.Where("dataset_id = ?", id).
				Order("date ASC, id ASC").
				Limit(page.Limit).Offset(page.Offset).
				Find(&out.Transactions).Error
		}
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RowsPage{}, domain.ErrNotFound
		}
		return RowsPage{}, err
	}

	out.Limit = page.Limit
	out.Offset = page.Offset
	return out, nil
}

// Delete removes the dataset and its rows. Row deletes are explicit so the
// behavior does not depend on the dialect honoring ON DELETE CASCADE.
func (s *Service) Delete(ctx context.Context, id snowflake.ID) error {
	err := rls.RunFromContext(ctx, s.db, func(tx *gorm.DB) error {
		var ds domain.Dataset
		if err := tx.Where("id = ?", id).First(&ds).Error; err != nil {
			return err
		}

		if err := tx.Where("dataset_id = ?", id).Delete(&domain.TransactionRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("dataset_id = ?", id).Delete(&domain.ClickRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&ds).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		return err
	}

	s.log.Info("dataset deleted", zap.Int64("dataset_id", int64(id)))
	return nil
}

var Module = fx.Module("dataset",
	fx.Provide(NewService),
)
