package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"servo-monitor/internal/models"

	"go.uber.org/zap"
)

// ErrAlertNotFound 告警不存在
var ErrAlertNotFound = errors.New("alert not found")

// AlertRepository 告警仓库
// 每次越限写入新行，不做去重；resolve 只改 resolved/resolved_at
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建告警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// InsertAlert 写入一条告警
func (r *AlertRepository) InsertAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			device_id,
			type,
			severity,
			message,
			value,
			threshold,
			timestamp,
			resolved,
			resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		alert.AlertID,
		alert.DeviceID,
		string(alert.Type),
		string(alert.Severity),
		alert.Message,
		alert.Value,
		alert.Threshold,
		alert.Timestamp,
		alert.Resolved,
		alert.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	return nil
}

// ResolveAlert 按 ID 标记告警已处理
// 幂等：已处理的告警再次处理仍返回成功，resolved_at 保留首次时间
func (r *AlertRepository) ResolveAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE alerts
		SET resolved = TRUE,
			resolved_at = COALESCE(resolved_at, NOW())
		WHERE alert_id = $1
		RETURNING alert_id, device_id, type, severity, message, value, threshold, timestamp, resolved, resolved_at
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: alert_id=%s", ErrAlertNotFound, alertID)
		}
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}

	return alert, nil
}

// ResolveByDevice 处理设备的所有未处理告警，alertType 为空时不限类型
// 返回本次处理的条数
func (r *AlertRepository) ResolveByDevice(ctx context.Context, deviceID string, alertType models.AlertType) (int64, error) {
	if deviceID == "" {
		return 0, fmt.Errorf("device_id is required")
	}

	query := `
		UPDATE alerts
		SET resolved = TRUE,
			resolved_at = NOW()
		WHERE device_id = $1
			AND resolved = FALSE
			AND ($2::text = '' OR type = $2::text)
	`

	result, err := r.db.ExecContext(ctx, query, deviceID, string(alertType))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve device alerts: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Debug("Resolved device alerts",
		zap.String("device_id", deviceID),
		zap.String("type", string(alertType)),
		zap.Int64("count", rowsAffected),
	)

	return rowsAffected, nil
}

// defaultListLimit 未指定 limit 时的返回条数
const defaultListLimit = 50

// AlertFilter 告警查询条件
type AlertFilter struct {
	DeviceID       string // 为空时不限设备
	UnresolvedOnly bool
	Limit          int // <= 0 时取 defaultListLimit
}

// ListAlerts 按时间倒序查询告警
func (r *AlertRepository) ListAlerts(ctx context.Context, filter AlertFilter) ([]*models.Alert, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT alert_id, device_id, type, severity, message, value, threshold, timestamp, resolved, resolved_at
		FROM alerts
		WHERE ($1::text = '' OR device_id = $1::text)
			AND ($2::boolean = FALSE OR resolved = FALSE)
		ORDER BY timestamp DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, filter.DeviceID, filter.UnresolvedOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*models.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		alert      models.Alert
		alertType  string
		severity   string
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&alert.AlertID,
		&alert.DeviceID,
		&alertType,
		&severity,
		&alert.Message,
		&alert.Value,
		&alert.Threshold,
		&alert.Timestamp,
		&alert.Resolved,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.Type = models.AlertType(alertType)
	alert.Severity = models.Severity(severity)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		alert.ResolvedAt = &t
	}
	return &alert, nil
}
