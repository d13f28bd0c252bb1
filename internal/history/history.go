package history

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Recorder is the seam to the long-term stats service. The coordinator
// only pushes finished-match records through it; reads (leaderboards
// etc.) live elsewhere.
type Recorder interface {
	Record(ctx context.Context, rec MatchRecord) error
}

type PlayerEntry struct {
	PlayerID   string `json:"player_id"`
	Nickname   string `json:"nickname"`
	Score      int    `json:"score"`
	Count      int    `json:"count"`
	Finished   bool   `json:"finished"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}

type MatchRecord struct {
	ID         uint   `gorm:"primaryKey"`
	RoomID     string `gorm:"index"`
	Game       string
	WinnerID   string
	WinnerName string
	Reason     string
	StartedAt  time.Time
	EndedAt    time.Time
	Players    []PlayerEntry `gorm:"serializer:json"`
}

// Noop drops records; used when no DATABASE_URL is configured.
type Noop struct{}

func (Noop) Record(context.Context, MatchRecord) error { return nil }

// Store persists records to postgres through gorm.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&MatchRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Record(ctx context.Context, rec MatchRecord) error {
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		s.log.Warn("failed to record match", zap.String("room", rec.RoomID), zap.Error(err))
		return err
	}
	return nil
}
