package model

import "time"

// RequestLog 请求日志
type RequestLog struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// 请求信息
	Route  string `json:"route"`  // chat | tool_call | validate_key
	Target string `json:"target"` // 抓取的目标 URL
	Model  string `json:"model,omitempty"`

	// 客户端信息
	ClientIP   string `json:"client_ip,omitempty"`
	UsedAPIKey bool   `json:"used_api_key"`

	// 响应信息
	Success    bool  `json:"success"`
	StatusCode int   `json:"status_code"`
	LatencyMs  int64 `json:"latency_ms"`

	// 错误信息
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// DailyStats 每日统计汇总
type DailyStats struct {
	Date          string  `json:"date"`
	TotalRequests int     `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
	AvgLatency    float64 `json:"avg_latency_ms"`
}

// LogQuery 日志查询参数
type LogQuery struct {
	Route     string    `form:"route"`
	RequestID string    `form:"request_id"`
	Success   *bool     `form:"success"`
	StartTime time.Time `form:"start_time"`
	EndTime   time.Time `form:"end_time"`
	Limit     int       `form:"limit"`
	Offset    int       `form:"offset"`
}
