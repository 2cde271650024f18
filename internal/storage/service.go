package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"modbridge/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const linkCacheTTL = 10 * time.Minute

// Service is the PostgreSQL-backed store. Redis is optional: when set it
// carries moderation events and caches link lookups by platform user.
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
	Log   logrus.FieldLogger
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		DB:    db,
		Redis: rdb,
		Log:   log,
	}
}

// Migrate creates or updates the tables of every persisted model.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(
		&models.Cursor{},
		&models.ProcessedReport{},
		&models.IdentityLink{},
		&models.PlatformUser{},
		&models.WarningRecord{},
	)
}

// GetCursor returns the last seen id of stream.
func (s *Service) GetCursor(ctx context.Context, stream string) (string, error) {
	var c models.Cursor
	err := s.DB.WithContext(ctx).Where("stream = ?", stream).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.LastSeenID, nil
}

// AdvanceCursor moves the cursor forward under a row lock.
func (s *Service) AdvanceCursor(ctx context.Context, stream, id string) (string, error) {
	var stored string
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.Cursor{Stream: stream}).Error; err != nil {
			return err
		}
		var c models.Cursor
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("stream = ?", stream).First(&c).Error; err != nil {
			return err
		}
		stored = c.LastSeenID
		if models.CompareIDs(id, c.LastSeenID) <= 0 {
			return nil
		}
		stored = id
		return tx.Model(&c).Updates(map[string]interface{}{
			"last_seen_id": id,
			"updated_at":   time.Now(),
		}).Error
	})
	return stored, err
}

// ResetCursor overwrites the cursor of stream.
func (s *Service) ResetCursor(ctx context.Context, stream, id string) error {
	return s.DB.WithContext(ctx).Save(&models.Cursor{Stream: stream, LastSeenID: id, UpdatedAt: time.Now()}).Error
}

// ListCursors returns every stored cursor.
func (s *Service) ListCursors(ctx context.Context) ([]models.Cursor, error) {
	var cursors []models.Cursor
	if err := s.DB.WithContext(ctx).Order("stream asc").Find(&cursors).Error; err != nil {
		return nil, err
	}
	return cursors, nil
}

// GetMarker returns the marker for reportID, or nil.
func (s *Service) GetMarker(ctx context.Context, reportID string) (*models.ProcessedReport, error) {
	var m models.ProcessedReport
	err := s.DB.WithContext(ctx).Where("report_id = ?", reportID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CommitMarker is insert-if-absent, except that a retry marker may be replaced.
func (s *Service) CommitMarker(ctx context.Context, m *models.ProcessedReport) (bool, error) {
	stored := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(m)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			stored = true
			return nil
		}
		var existing models.ProcessedReport
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("report_id = ?", m.ReportID).First(&existing).Error; err != nil {
			return err
		}
		if existing.Kind.IsFinal() {
			return nil
		}
		stored = true
		return tx.Save(m).Error
	})
	return stored, err
}

// ListRetryMarkers returns pending retry markers.
func (s *Service) ListRetryMarkers(ctx context.Context, limit int) ([]models.ProcessedReport, error) {
	var markers []models.ProcessedReport
	err := s.DB.WithContext(ctx).
		Where("kind = ?", models.MarkerRetry).
		Order("processed_at asc").
		Limit(limit).
		Find(&markers).Error
	if err != nil {
		return nil, err
	}
	return markers, nil
}

// CreateLink inserts a verified link. Unique violations surface as ErrDuplicate.
func (s *Service) CreateLink(ctx context.Context, link *models.IdentityLink) error {
	err := s.DB.WithContext(ctx).Create(link).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

// FindLinkByChatUser returns the verified link of a chat user, or nil.
func (s *Service) FindLinkByChatUser(ctx context.Context, chatUserID string) (*models.IdentityLink, error) {
	return s.findLink(ctx, "chat_user_id = ?", chatUserID)
}

// FindLinkByPlatformUser checks the Redis cache first; the reconciliation
// loop calls it for every report.
func (s *Service) FindLinkByPlatformUser(ctx context.Context, platformUserID string) (*models.IdentityLink, error) {
	if link := s.cachedLink(ctx, platformUserID); link != nil {
		return link, nil
	}
	link, err := s.findLink(ctx, "platform_user_id = ?", platformUserID)
	if err != nil || link == nil {
		return link, err
	}
	s.cacheLink(ctx, link)
	return link, nil
}

func (s *Service) findLink(ctx context.Context, query string, arg string) (*models.IdentityLink, error) {
	var link models.IdentityLink
	err := s.DB.WithContext(ctx).Where(query, arg).Where("verified = ?", true).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// DeleteLinkByChatUser hard-deletes the link so both ids can be linked again.
func (s *Service) DeleteLinkByChatUser(ctx context.Context, chatUserID string) (*models.IdentityLink, error) {
	var deleted *models.IdentityLink
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var link models.IdentityLink
		err := tx.Where("chat_user_id = ?", chatUserID).First(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&link).Error; err != nil {
			return err
		}
		deleted = &link
		return nil
	})
	if err != nil {
		return nil, err
	}
	if deleted != nil && s.Redis != nil {
		if err := s.Redis.Del(ctx, linkCacheKey(deleted.PlatformUserID)).Err(); err != nil {
			s.Log.Warnf("failed to evict link cache for %s: %v", deleted.PlatformUserID, err)
		}
	}
	return deleted, nil
}

// ListVerifiedLinks returns all verified links ordered by link time.
func (s *Service) ListVerifiedLinks(ctx context.Context) ([]models.IdentityLink, error) {
	var links []models.IdentityLink
	if err := s.DB.WithContext(ctx).Where("verified = ?", true).Order("linked_at asc").Find(&links).Error; err != nil {
		return nil, err
	}
	return links, nil
}

func linkCacheKey(platformUserID string) string {
	return "link:platform:" + platformUserID
}

func (s *Service) cachedLink(ctx context.Context, platformUserID string) *models.IdentityLink {
	if s.Redis == nil {
		return nil
	}
	raw, err := s.Redis.Get(ctx, linkCacheKey(platformUserID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		s.Log.Warnf("link cache read failed for %s: %v", platformUserID, err)
		return nil
	}
	var link models.IdentityLink
	if err := json.Unmarshal([]byte(raw), &link); err != nil {
		return nil
	}
	return &link
}

func (s *Service) cacheLink(ctx context.Context, link *models.IdentityLink) {
	if s.Redis == nil {
		return
	}
	raw, err := json.Marshal(link)
	if err != nil {
		return
	}
	if err := s.Redis.Set(ctx, linkCacheKey(link.PlatformUserID), raw, linkCacheTTL).Err(); err != nil {
		s.Log.Warnf("link cache write failed for %s: %v", link.PlatformUserID, err)
	}
}

// RecordWarning registers the user on first warning and bumps the count
// unless the report was already counted.
func (s *Service) RecordWarning(ctx context.Context, userID, reportID string) (int, error) {
	var count int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user := models.PlatformUser{UserID: userID, AccountStatus: models.AccountStatusNormal}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error; err != nil {
			return err
		}
		rec := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.WarningRecord{ReportID: reportID, UserID: userID})
		if rec.Error != nil {
			return rec.Error
		}
		if rec.RowsAffected == 0 {
			return tx.Model(&models.PlatformUser{}).
				Where("user_id = ?", userID).
				Pluck("warning_count", &count).Error
		}
		if err := tx.Model(&models.PlatformUser{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"warning_count": gorm.Expr("warning_count + 1"),
				"updated_at":    time.Now(),
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.PlatformUser{}).
			Where("user_id = ?", userID).
			Pluck("warning_count", &count).Error
	})
	return count, err
}

// SetAccountStatus records status and clears the warning count.
func (s *Service) SetAccountStatus(ctx context.Context, userID, status string) error {
	user := models.PlatformUser{UserID: userID, AccountStatus: status, UpdatedAt: time.Now()}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"account_status": status, "warning_count": 0, "updated_at": user.UpdatedAt}),
	}).Create(&user).Error
}

// GetPlatformUser returns the moderation history of userID, or nil.
func (s *Service) GetPlatformUser(ctx context.Context, userID string) (*models.PlatformUser, error) {
	var user models.PlatformUser
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// PublishEvent publishes ev on the events channel.
func (s *Service) PublishEvent(ctx context.Context, ev models.ModerationEvent) error {
	if s.Redis == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.Redis.Publish(ctx, EventsChannel, string(payload)).Err()
}

var _ Storage = (*Service)(nil)
