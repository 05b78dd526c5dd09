package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"relay.evalgo.org/common"
)

type executionRow struct {
	ExecutionID  string `gorm:"primaryKey"`
	ClientID     string `gorm:"index"`
	AnalyticName string
	Input        string
	Status       string `gorm:"index"`
	RequestTime  time.Time
	ResponseTime *time.Time
	ResultSeries string
	Details      string `gorm:"type:text"`
	Result       string `gorm:"type:text"`
}

func (executionRow) TableName() string { return "execution_records" }

type clientRow struct {
	ClientID          string `gorm:"primaryKey"`
	ResponsesExpected int
	LastTouched       time.Time
}

func (clientRow) TableName() string { return "client_info" }

type healthRow struct {
	Name         string `gorm:"primaryKey"`
	URL          string `gorm:"primaryKey"`
	Type         string `gorm:"index"`
	LastChecked  *time.Time
	StatusCode   int
	StatusString string `gorm:"size:254"`
}

func (healthRow) TableName() string { return "service_health" }

// MessageLog is one raw broker message in the audit table.
type MessageLog struct {
	gorm.Model
	ExecutionID string `gorm:"index"`
	ClientID    string
	Direction   string
	Body        []byte `gorm:"type:bytea"`
}

func (MessageLog) TableName() string { return "message_log" }

// GormLog is the PostgreSQL durable log. It is shared by all relay replicas.
type GormLog struct {
	db *gorm.DB
}

// OpenGormLog connects to PostgreSQL and migrates the schema.
func OpenGormLog(dsn string, maxConns int) (*GormLog, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	l := NewGormLog(db)
	if err := l.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return l, nil
}

// NewGormLog wraps an open gorm handle without migrating.
func NewGormLog(db *gorm.DB) *GormLog {
	return &GormLog{db: db}
}

// Migrate creates or updates the tables.
func (l *GormLog) Migrate() error {
	if err := l.db.AutoMigrate(&executionRow{}, &clientRow{}, &healthRow{}, &MessageLog{}); err != nil {
		return fmt.Errorf("failed to migrate durable log: %w", err)
	}
	return nil
}

func toExecutionRow(rec *common.ExecutionRecord) (*executionRow, error) {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal details: %w", err)
	}
	result := []byte("{}")
	if rec.Result != nil {
		if result, err = json.Marshal(rec.Result); err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return &executionRow{
		ExecutionID:  rec.ExecutionID,
		ClientID:     rec.ClientID,
		AnalyticName: rec.AnalyticName,
		Input:        rec.Input,
		Status:       rec.Status,
		RequestTime:  rec.RequestTime,
		ResponseTime: rec.ResponseTime,
		ResultSeries: rec.ResultSeries,
		Details:      string(details),
		Result:       string(result),
	}, nil
}

func (r *executionRow) record() (*common.ExecutionRecord, error) {
	rec := &common.ExecutionRecord{
		ExecutionID:  r.ExecutionID,
		ClientID:     r.ClientID,
		AnalyticName: r.AnalyticName,
		Input:        r.Input,
		Status:       r.Status,
		RequestTime:  r.RequestTime,
		ResponseTime: r.ResponseTime,
		ResultSeries: r.ResultSeries,
	}
	if r.Details != "" {
		if err := json.Unmarshal([]byte(r.Details), &rec.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal details of %s: %w", r.ExecutionID, err)
		}
	}
	if r.Result != "" && r.Result != "{}" {
		if err := json.Unmarshal([]byte(r.Result), &rec.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result of %s: %w", r.ExecutionID, err)
		}
	}
	return rec, nil
}

func (l *GormLog) UpsertExecution(ctx context.Context, rec *common.ExecutionRecord) error {
	row, err := toExecutionRow(rec)
	if err != nil {
		return err
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (l *GormLog) CompleteExecution(ctx context.Context, rec *common.ExecutionRecord) error {
	row, err := toExecutionRow(rec)
	if err != nil {
		return err
	}
	res := l.db.WithContext(ctx).Model(&executionRow{}).
		Where("execution_id = ? AND status = ?", rec.ExecutionID, common.StatusPending).
		Updates(map[string]interface{}{
			"status":        row.Status,
			"response_time": row.ResponseTime,
			"result_series": row.ResultSeries,
			"details":       row.Details,
			"result":        row.Result,
			"input":         row.Input,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := l.db.WithContext(ctx).Model(&executionRow{}).
		Where("execution_id = ?", rec.ExecutionID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrAlreadyCompleted
}

func (l *GormLog) GetExecution(ctx context.Context, executionID string) (*common.ExecutionRecord, error) {
	var row executionRow
	err := l.db.WithContext(ctx).Where("execution_id = ?", executionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.record()
}

func (l *GormLog) ExecutionsForClient(ctx context.Context, clientID string) ([]*common.ExecutionRecord, error) {
	var rows []executionRow
	if err := l.db.WithContext(ctx).Where("client_id = ?", clientID).
		Order("request_time ASC, execution_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*common.ExecutionRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *GormLog) ClientForExecution(ctx context.Context, executionID string) (string, error) {
	var row executionRow
	err := l.db.WithContext(ctx).Select("client_id").Where("execution_id = ?", executionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	return row.ClientID, err
}

func (l *GormLog) InsertRequest(ctx context.Context, executionID, clientID string, body []byte) error {
	return l.insertMessage(ctx, common.DirectionRequest, executionID, clientID, body)
}

func (l *GormLog) InsertResponse(ctx context.Context, executionID, clientID string, body []byte) error {
	return l.insertMessage(ctx, common.DirectionResponse, executionID, clientID, body)
}

func (l *GormLog) insertMessage(ctx context.Context, direction, executionID, clientID string, body []byte) error {
	return l.db.WithContext(ctx).Create(&MessageLog{
		ExecutionID: executionID,
		ClientID:    clientID,
		Direction:   direction,
		Body:        body,
	}).Error
}

func (l *GormLog) Messages(ctx context.Context, executionID string) ([]common.MessageLogEntry, error) {
	var rows []MessageLog
	if err := l.db.WithContext(ctx).Where("execution_id = ?", executionID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]common.MessageLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, common.MessageLogEntry{
			ExecutionID: r.ExecutionID,
			ClientID:    r.ClientID,
			Direction:   r.Direction,
			Body:        r.Body,
			LoggedAt:    r.CreatedAt,
		})
	}
	return out, nil
}

func (l *GormLog) InitializeClient(ctx context.Context, clientID string, now time.Time) (common.ClientInfo, error) {
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&clientRow{ClientID: clientID, LastTouched: now}).Error
	if err != nil {
		return common.ClientInfo{}, err
	}
	return l.GetClient(ctx, clientID)
}

func (l *GormLog) GetClient(ctx context.Context, clientID string) (common.ClientInfo, error) {
	var row clientRow
	err := l.db.WithContext(ctx).Where("client_id = ?", clientID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.ClientInfo{}, ErrNotFound
	}
	if err != nil {
		return common.ClientInfo{}, err
	}
	return common.ClientInfo{ID: row.ClientID, ResponsesExpected: row.ResponsesExpected, LastTouched: row.LastTouched}, nil
}

func (l *GormLog) TouchClient(ctx context.Context, clientID string, at time.Time) error {
	res := l.db.WithContext(ctx).Model(&clientRow{}).Where("client_id = ?", clientID).Update("last_touched", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustResponsesExpected applies delta in a single guarded UPDATE so
// concurrent replicas never drive the counter negative.
func (l *GormLog) AdjustResponsesExpected(ctx context.Context, clientID string, delta int) (int, error) {
	res := l.db.WithContext(ctx).Model(&clientRow{}).
		Where("client_id = ? AND responses_expected + ? >= 0", clientID, delta).
		Update("responses_expected", gorm.Expr("responses_expected + ?", delta))
	if res.Error != nil {
		return 0, res.Error
	}
	c, err := l.GetClient(ctx, clientID)
	if err != nil {
		return 0, err
	}
	if res.RowsAffected == 0 {
		return c.ResponsesExpected, ErrCounterUnderflow
	}
	return c.ResponsesExpected, nil
}

func (l *GormLog) DeleteClient(ctx context.Context, clientID string) error {
	return l.db.WithContext(ctx).Where("client_id = ?", clientID).Delete(&clientRow{}).Error
}

func (l *GormLog) ListClients(ctx context.Context) ([]common.ClientInfo, error) {
	var rows []clientRow
	if err := l.db.WithContext(ctx).Order("client_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]common.ClientInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, common.ClientInfo{ID: r.ClientID, ResponsesExpected: r.ResponsesExpected, LastTouched: r.LastTouched})
	}
	return out, nil
}

func healthFromRows(rows []healthRow) []common.ServiceHealthEntry {
	out := make([]common.ServiceHealthEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, common.ServiceHealthEntry{
			Name:         r.Name,
			URL:          r.URL,
			Type:         r.Type,
			LastChecked:  r.LastChecked,
			StatusCode:   r.StatusCode,
			StatusString: r.StatusString,
		})
	}
	return out
}

func (l *GormLog) HealthEntries(ctx context.Context) ([]common.ServiceHealthEntry, error) {
	var rows []healthRow
	if err := l.db.WithContext(ctx).Order("name ASC, url ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return healthFromRows(rows), nil
}

func (l *GormLog) AddHealthEntry(ctx context.Context, e common.ServiceHealthEntry) (bool, error) {
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&healthRow{
		Name:         e.Name,
		URL:          e.URL,
		Type:         e.Type,
		LastChecked:  e.LastChecked,
		StatusCode:   e.StatusCode,
		StatusString: common.Truncate(e.StatusString, common.MaxStatusStringLen),
	})
	return res.RowsAffected > 0, res.Error
}

func (l *GormLog) UpdateHealth(ctx context.Context, name, url string, code int, status string, at time.Time) error {
	res := l.db.WithContext(ctx).Model(&healthRow{}).
		Where("name = ? AND url = ?", name, url).
		Updates(map[string]interface{}{
			"status_code":   code,
			"status_string": common.Truncate(status, common.MaxStatusStringLen),
			"last_checked":  at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *GormLog) UnhealthyEntries(ctx context.Context) ([]common.ServiceHealthEntry, error) {
	var rows []healthRow
	if err := l.db.WithContext(ctx).Where("status_code <> ? AND status_code <> ?", 0, 200).
		Order("name ASC, url ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return healthFromRows(rows), nil
}

func (l *GormLog) ClearHealthEntries(ctx context.Context, entryType string) error {
	return l.db.WithContext(ctx).Where("type = ?", entryType).Delete(&healthRow{}).Error
}

func (l *GormLog) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
