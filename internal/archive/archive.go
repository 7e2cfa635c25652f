package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sdn-guard/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const DefaultQueryLimit = 100

// AlertEvent is the archived form of an alert
type AlertEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AlertID   string    `gorm:"uniqueIndex;not null" json:"alert_id"`
	Category  string    `gorm:"index" json:"category"`
	Type      string    `json:"type"`
	Severity  string    `gorm:"index" json:"severity"`
	SwitchID  uint64    `json:"datapath_id"`
	FlowID    string    `json:"flow_id,omitempty"`
	SrcIP     string    `gorm:"index" json:"src_ip,omitempty"`
	DstIP     string    `json:"dst_ip,omitempty"`
	Message   string    `json:"description"`
	ZScore    float64   `json:"z_score,omitempty"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}

func fromAlert(a model.Alert) AlertEvent {
	return AlertEvent{
		AlertID:   a.ID,
		Category:  a.Category,
		Type:      a.Type,
		Severity:  a.Severity,
		SwitchID:  a.SwitchID,
		FlowID:    a.FlowID,
		SrcIP:     a.SrcIP,
		DstIP:     a.DstIP,
		Message:   a.Message,
		ZScore:    a.ZScore,
		Timestamp: a.Timestamp.UTC(),
	}
}

// Alert converts the archived row back into an alert
func (e AlertEvent) Alert() model.Alert {
	return model.Alert{
		ID:        e.AlertID,
		Category:  e.Category,
		Type:      e.Type,
		Severity:  e.Severity,
		SwitchID:  e.SwitchID,
		FlowID:    e.FlowID,
		SrcIP:     e.SrcIP,
		DstIP:     e.DstIP,
		Message:   e.Message,
		ZScore:    e.ZScore,
		Timestamp: e.Timestamp,
	}
}

// Query filters archived alerts. Zero values match everything.
type Query struct {
	Since    time.Time
	Category string
	Limit    int
}

// Archive is an append-only SQLite audit trail of every alert raised
type Archive struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// Open creates or opens the archive database at path
func Open(path string, log *logrus.Logger) (*Archive, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}

	// concurrent notifier writes would otherwise hit "database is locked"
	if path != ":memory:" {
		if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			log.Warnf("[Archive] Failed to enable WAL mode: %v", err)
		}
	}

	if err := db.AutoMigrate(&AlertEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive schema: %w", err)
	}

	log.Infof("[Archive] Alert archive ready at %s", path)
	return &Archive{db: db, logger: log}, nil
}

// SendAlert implements the alert notifier interface. Re-archiving an alert
// id is ignored.
func (a *Archive) SendAlert(alert model.Alert) error {
	event := fromAlert(alert)
	result := a.db.Where(AlertEvent{AlertID: alert.ID}).FirstOrCreate(&event)
	if result.Error != nil {
		return fmt.Errorf("failed to archive alert %s: %w", alert.ID, result.Error)
	}
	return nil
}

// Query returns matching alerts, newest first
func (a *Archive) Query(q Query) ([]model.Alert, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	tx := a.db.Model(&AlertEvent{})
	if !q.Since.IsZero() {
		tx = tx.Where("timestamp >= ?", q.Since.UTC())
	}
	if q.Category != "" {
		tx = tx.Where("category = ?", q.Category)
	}

	var events []AlertEvent
	if err := tx.Order("timestamp desc").Order("id desc").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}

	alerts := make([]model.Alert, 0, len(events))
	for _, e := range events {
		alerts = append(alerts, e.Alert())
	}
	return alerts, nil
}

// Count returns the number of archived alerts of a category, or all of them
func (a *Archive) Count(category string) (int64, error) {
	var n int64
	tx := a.db.Model(&AlertEvent{})
	if category != "" {
		tx = tx.Where("category = ?", category)
	}
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count archive: %w", err)
	}
	return n, nil
}

// Prune deletes alerts older than cutoff and reports how many went
func (a *Archive) Prune(cutoff time.Time) (int64, error) {
	result := a.db.Where("timestamp < ?", cutoff.UTC()).Delete(&AlertEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune archive: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		a.logger.Infof("[Archive] Pruned %d alerts older than %s", result.RowsAffected, cutoff.Format(time.RFC3339))
	}
	return result.RowsAffected, nil
}

func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
