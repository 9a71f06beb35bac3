package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaopang/mdgate/internal/model"
)

// Store 请求日志存储
type Store struct {
	db *sql.DB
}

// New 创建存储实例
func New(dbPath string) (*Store, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate 数据库迁移
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_logs (
		id TEXT PRIMARY KEY,
		request_id TEXT,
		timestamp DATETIME NOT NULL,
		route TEXT,
		target TEXT,
		model TEXT,
		client_ip TEXT,
		used_api_key INTEGER,
		success INTEGER,
		status_code INTEGER,
		latency_ms INTEGER,
		error TEXT,
		error_type TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON request_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_route ON request_logs(route);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveLog 保存请求日志
func (s *Store) SaveLog(log *model.RequestLog) error {
	_, err := s.db.Exec(`
		INSERT INTO request_logs (id, request_id, timestamp, route, target, model,
			client_ip, used_api_key, success, status_code, latency_ms, error, error_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.RequestID, log.Timestamp, log.Route, log.Target, log.Model,
		log.ClientIP, log.UsedAPIKey, log.Success, log.StatusCode, log.LatencyMs,
		log.Error, log.ErrorType)
	return err
}

// QueryLogs 查询日志
func (s *Store) QueryLogs(query *model.LogQuery) ([]*model.RequestLog, error) {
	sql := "SELECT id, request_id, timestamp, route, target, model, client_ip, used_api_key, success, status_code, latency_ms, error, error_type FROM request_logs WHERE 1=1"
	args := []any{}

	if query.Route != "" {
		sql += " AND route = ?"
		args = append(args, query.Route)
	}
	if query.RequestID != "" {
		sql += " AND request_id = ?"
		args = append(args, query.RequestID)
	}
	if query.Success != nil {
		sql += " AND success = ?"
		args = append(args, *query.Success)
	}
	if !query.StartTime.IsZero() {
		sql += " AND timestamp >= ?"
		args = append(args, query.StartTime)
	}
	if !query.EndTime.IsZero() {
		sql += " AND timestamp <= ?"
		args = append(args, query.EndTime)
	}

	sql += " ORDER BY timestamp DESC"

	if query.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", query.Limit)
	} else {
		sql += " LIMIT 100"
	}
	if query.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", query.Offset)
	}

	rows, err := s.db.Query(sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.RequestLog
	for rows.Next() {
		var log model.RequestLog
		if err := rows.Scan(&log.ID, &log.RequestID, &log.Timestamp, &log.Route, &log.Target,
			&log.Model, &log.ClientIP, &log.UsedAPIKey, &log.Success, &log.StatusCode,
			&log.LatencyMs, &log.Error, &log.ErrorType); err != nil {
			return nil, err
		}
		logs = append(logs, &log)
	}
	return logs, nil
}

// GetDailyStats 获取每日统计
func (s *Store) GetDailyStats(days int) ([]*model.DailyStats, error) {
	rows, err := s.db.Query(`
		SELECT
			date(timestamp) as date,
			COUNT(*) as total_requests,
			ROUND(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			ROUND(AVG(latency_ms), 2) as avg_latency
		FROM request_logs
		WHERE timestamp >= date('now', ?)
		GROUP BY date(timestamp)
		ORDER BY date DESC
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.DailyStats
	for rows.Next() {
		var d model.DailyStats
		if err := rows.Scan(&d.Date, &d.TotalRequests, &d.SuccessRate, &d.AvgLatency); err != nil {
			return nil, err
		}
		stats = append(stats, &d)
	}
	return stats, nil
}

// CleanOldLogs 清理过期日志
func (s *Store) CleanOldLogs(retentionDays int) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM request_logs
		WHERE timestamp < date('now', ?)
	`, fmt.Sprintf("-%d days", retentionDays))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
