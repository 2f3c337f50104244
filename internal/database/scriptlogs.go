package database

import (
	"time"

	"gorm.io/gorm"
)

// ScriptLogFilter narrows a script-log listing. Zero values mean "no filter".
type ScriptLogFilter struct {
	UserID   uint
	ServerID uint
	Status   string
	BatchID  string
	Search   string // free-text over script name and command
	Since    time.Time
	Until    time.Time
	Page     int
	Limit    int
}

// CreateScriptLog appends a run record. Records are never updated afterwards.
func CreateScriptLog(entry *ScriptLog) error {
	return DB.Create(entry).Error
}

// ListScriptLogs returns a page of run records matching the filter, newest
// first, plus the total number of matching rows.
func ListScriptLogs(f ScriptLogFilter) ([]ScriptLog, int64, error) {
	q := DB.Model(&ScriptLog{})
	q = applyScriptLogFilter(q, f)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit < 1 {
		limit = 50
	}

	var logs []ScriptLog
	err := q.Order("id DESC").Offset((page - 1) * limit).Limit(limit).Find(&logs).Error
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func applyScriptLogFilter(q *gorm.DB, f ScriptLogFilter) *gorm.DB {
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.ServerID != 0 {
		q = q.Where("server_id = ?", f.ServerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.BatchID != "" {
		q = q.Where("batch_id = ?", f.BatchID)
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		q = q.Where("script_name LIKE ? OR command LIKE ?", like, like)
	}
	if !f.Since.IsZero() {
		q = q.Where("start_time >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("start_time <= ?", f.Until)
	}
	return q
}

// ScriptLogStats aggregates run counts for the dashboard.
type ScriptLogStats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
}

func GetScriptLogStats() (ScriptLogStats, error) {
	var stats ScriptLogStats
	if err := DB.Model(&ScriptLog{}).Count(&stats.Total).Error; err != nil {
		return stats, err
	}
	if err := DB.Model(&ScriptLog{}).Where("status = ?", "success").Count(&stats.Success).Error; err != nil {
		return stats, err
	}
	stats.Failed = stats.Total - stats.Success
	return stats, nil
}
