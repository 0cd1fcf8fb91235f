package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"Xinyu/server/internal/config"
	"Xinyu/server/internal/models"
)

type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(cfg config.MySQLConfig) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&models.SocialActionRequest{}); err != nil {
		return nil, err
	}

	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *MySQLStore) GetDB() *gorm.DB {
	return s.db
}

// Requests returns the gorm-backed request collection.
func (s *MySQLStore) Requests() *GormRequestStore {
	return NewGormRequestStore(s.db)
}

// GormRequestStore implements RequestStore on any gorm dialect.
type GormRequestStore struct {
	db *gorm.DB
}

func NewGormRequestStore(db *gorm.DB) *GormRequestStore {
	return &GormRequestStore{db: db}
}

func (s *GormRequestStore) Create(ctx context.Context, req *models.SocialActionRequest) error {
	if err := prepareNew(req); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

func (s *GormRequestStore) Get(ctx context.Context, id string) (*models.SocialActionRequest, error) {
	var req models.SocialActionRequest
	err := s.db.WithContext(ctx).First(&req, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return &req, nil
}

func (s *GormRequestStore) List(ctx context.Context, filter RequestFilter) ([]models.SocialActionRequest, error) {
	q := s.db.WithContext(ctx).Model(&models.SocialActionRequest{})
	if filter.CharacterID != "" {
		q = q.Where("character_id = ?", filter.CharacterID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var out []models.SocialActionRequest
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return out, nil
}

// Transition updates status only while the row is still pending, so two
// racing detectors cannot both resolve one request.
func (s *GormRequestStore) Transition(ctx context.Context, id string, status models.RequestStatus) (*models.SocialActionRequest, error) {
	if err := checkTransition(models.RequestPending, status); err != nil {
		return nil, err
	}

	var out *models.SocialActionRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&models.SocialActionRequest{}).
			Where("id = ? AND status = ?", id, models.RequestPending).
			Updates(map[string]any{"status": status, "resolved_at": now})
		if res.Error != nil {
			return res.Error
		}

		var req models.SocialActionRequest
		if err := tx.First(&req, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if res.RowsAffected == 0 {
			return ErrRequestResolved
		}
		out = &req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormRequestStore) DeleteByCharacter(ctx context.Context, characterID string) error {
	return s.db.WithContext(ctx).
		Where("character_id = ?", characterID).
		Delete(&models.SocialActionRequest{}).Error
}
