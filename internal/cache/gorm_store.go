package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"judge-tuner/pkg/models"
)

type CachedSnapshot struct {
	WorkshopID    string         `gorm:"primaryKey"`
	QuestionIndex int            `gorm:"primaryKey"`
	Evaluations   datatypes.JSON `gorm:"not null"`
	Metrics       datatypes.JSON
	StoredAt      time.Time `gorm:"not null"`
}

type AlignmentLog struct {
	WorkshopID string         `gorm:"primaryKey"`
	Lines      datatypes.JSON `gorm:"not null"`
	UpdatedAt  time.Time
}

// Open connects to the cache database. Postgres URLs get the postgres driver,
// anything else is treated as a sqlite path.
func Open(databaseURL string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		dialector = postgres.Open(databaseURL)
	} else {
		dialector = sqlite.Open(databaseURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// GormStore is the database-backed Store.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) GetSnapshot(ctx context.Context, key Key) (*models.EvaluationSnapshot, bool, error) {
	var row CachedSnapshot
	err := s.db.WithContext(ctx).
		First(&row, "workshop_id = ? AND question_index = ?", key.WorkshopID, key.QuestionIndex).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cached snapshot: %w", err)
	}

	if s.now().Sub(row.StoredAt) > SnapshotTTL {
		// Lazy expiry on read. An eviction failure only means the stale row
		// is seen (and skipped) again next time.
		s.db.WithContext(ctx).
			Delete(&CachedSnapshot{}, "workshop_id = ? AND question_index = ?", key.WorkshopID, key.QuestionIndex)
		return nil, false, nil
	}

	snapshot := models.EvaluationSnapshot{Timestamp: row.StoredAt}
	if err := json.Unmarshal(row.Evaluations, &snapshot.Evaluations); err != nil {
		return nil, false, fmt.Errorf("decoding cached evaluations: %w", err)
	}
	if len(row.Metrics) > 0 {
		if err := json.Unmarshal(row.Metrics, &snapshot.Metrics); err != nil {
			return nil, false, fmt.Errorf("decoding cached metrics: %w", err)
		}
	}
	return &snapshot, true, nil
}

func (s *GormStore) PutSnapshot(ctx context.Context, key Key, snapshot *models.EvaluationSnapshot) error {
	evaluations, err := json.Marshal(snapshot.Evaluations)
	if err != nil {
		return fmt.Errorf("encoding evaluations: %w", err)
	}

	row := CachedSnapshot{
		WorkshopID:    key.WorkshopID,
		QuestionIndex: key.QuestionIndex,
		Evaluations:   evaluations,
		StoredAt:      s.now(),
	}
	if snapshot.Metrics != nil {
		metrics, err := json.Marshal(snapshot.Metrics)
		if err != nil {
			return fmt.Errorf("encoding metrics: %w", err)
		}
		row.Metrics = metrics
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error; err != nil {
		return fmt.Errorf("writing cached snapshot: %w", err)
	}
	return nil
}

func (s *GormStore) GetAlignmentLog(ctx context.Context, workshopID string) ([]string, error) {
	var row AlignmentLog
	err := s.db.WithContext(ctx).First(&row, "workshop_id = ?", workshopID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading alignment log: %w", err)
	}

	var lines []string
	if err := json.Unmarshal(row.Lines, &lines); err != nil {
		return nil, fmt.Errorf("decoding alignment log: %w", err)
	}
	return lines, nil
}

func (s *GormStore) PutAlignmentLog(ctx context.Context, workshopID string, lines []string) error {
	encoded, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encoding alignment log: %w", err)
	}

	row := AlignmentLog{WorkshopID: workshopID, Lines: encoded, UpdatedAt: s.now()}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error; err != nil {
		return fmt.Errorf("writing alignment log: %w", err)
	}
	return nil
}
