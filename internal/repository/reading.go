package repository

import (
	"context"
	"database/sql"
	"fmt"

	"servo-monitor/internal/models"

	"go.uber.org/zap"
)

// ReadingRepository 传感器读数仓库（只追加）
type ReadingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingRepository 创建读数仓库
func NewReadingRepository(db *sql.DB, logger *zap.Logger) *ReadingRepository {
	return &ReadingRepository{
		db:     db,
		logger: logger,
	}
}

// InsertReading 写入一条读数
func (r *ReadingRepository) InsertReading(ctx context.Context, reading *models.Reading) error {
	if reading == nil {
		return fmt.Errorf("reading is required")
	}

	query := `
		INSERT INTO sensor_readings (
			reading_id,
			device_id,
			temperature,
			vibration,
			current,
			rpm,
			health_score,
			timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		reading.ReadingID,
		reading.DeviceID,
		reading.Temperature,
		reading.Vibration,
		reading.Current,
		reading.RPM,
		reading.HealthScore,
		reading.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}

	return nil
}
