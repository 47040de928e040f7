// Package record persists per-request usage to SQLite so operators can see
// which provider served what and at what token cost.
package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// UsageRecord is the GORM model for one relayed request.
type UsageRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement;column:id"`
	ProviderName  string    `gorm:"column:provider_name;index:idx_provider_model;not null"`
	AccountEmail  string    `gorm:"column:account_email"`
	RequestModel  string    `gorm:"column:request_model;index:idx_provider_model;not null"`
	UpstreamModel string    `gorm:"column:upstream_model"`
	Timestamp     time.Time `gorm:"column:timestamp;index:idx_timestamp;not null"`
	InputTokens   int       `gorm:"column:input_tokens;not null"`
	OutputTokens  int       `gorm:"column:output_tokens;not null"`
	TotalTokens   int       `gorm:"column:total_tokens;not null"`
	Status        string    `gorm:"column:status;index;not null"` // success, error
	ErrorKind     string    `gorm:"column:error_kind"`
	LatencyMs     int       `gorm:"column:latency_ms"`
	Streamed      bool      `gorm:"column:streamed;default:0"`
	Deduped       bool      `gorm:"column:deduped;default:0"`
}

// TableName specifies the table name for GORM.
func (UsageRecord) TableName() string {
	return "usage_records"
}

// Store persists usage records in SQLite using GORM.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// Open creates or loads the usage database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create usage db directory: %w", err)
	}

	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}

	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate usage database: %w", err)
	}
	return &Store{db: db}, nil
}

// Record writes one usage event.
func (s *Store) Record(record *UsageRecord) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	record.TotalTokens = record.InputTokens + record.OutputTokens
	if record.Status == "" {
		record.Status = "success"
	}
	return s.db.Create(record).Error
}

// SummaryRow is one aggregated line of the usage summary.
type SummaryRow struct {
	ProviderName string  `json:"provider_name"`
	RequestModel string  `json:"request_model"`
	RequestCount int64   `json:"request_count"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	ErrorCount   int64   `json:"error_count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Summary aggregates usage by (provider, model) inside the time window. Zero
// times mean unbounded.
func (s *Store) Summary(start, end time.Time) ([]SummaryRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.db.Model(&UsageRecord{})
	if !start.IsZero() {
		db = db.Where("timestamp >= ?", start)
	}
	if !end.IsZero() {
		db = db.Where("timestamp <= ?", end)
	}

	var rows []SummaryRow
	err := db.
		Select(`
			provider_name,
			request_model,
			COUNT(*) as request_count,
			COALESCE(SUM(input_tokens), 0) as input_tokens,
			COALESCE(SUM(output_tokens), 0) as output_tokens,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0) as error_count,
			COALESCE(AVG(latency_ms), 0) as avg_latency_ms
		`).
		Group("provider_name, request_model").
		Order("total_tokens DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteOlderThan drops records before the cutoff and returns how many went.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.Where("timestamp < ?", cutoff).Delete(&UsageRecord{})
	return result.RowsAffected, result.Error
}
