package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/xiaopang/mdgate/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndQueryLogs(t *testing.T) {
	s := newTestStore(t)

	logs := []*model.RequestLog{
		{
			ID:         "log_1",
			RequestID:  "req-1",
			Timestamp:  time.Now().Add(-time.Minute),
			Route:      "chat",
			Target:     "https://example.com",
			Model:      "@cf/meta/llama-3.1-8b-instruct",
			ClientIP:   "1.2.3.4",
			UsedAPIKey: false,
			Success:    true,
			StatusCode: 200,
			LatencyMs:  321,
		},
		{
			ID:         "log_2",
			RequestID:  "req-2",
			Timestamp:  time.Now(),
			Route:      "tool_call",
			Target:     "https://example.com/docs",
			Success:    false,
			StatusCode: 502,
			Error:      "Error: Could not fetch https://example.com/docs (404)",
			ErrorType:  model.ErrTypeFetch,
		},
	}
	for _, l := range logs {
		if err := s.SaveLog(l); err != nil {
			t.Fatalf("SaveLog(%s): %v", l.ID, err)
		}
	}

	got, err := s.QueryLogs(&model.LogQuery{})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// 时间倒序
	if got[0].ID != "log_2" {
		t.Fatalf("first log = %s, want log_2", got[0].ID)
	}
	if got[0].ErrorType != model.ErrTypeFetch {
		t.Fatalf("error_type = %q", got[0].ErrorType)
	}

	// 按路由过滤
	got, err = s.QueryLogs(&model.LogQuery{Route: "chat"})
	if err != nil {
		t.Fatalf("QueryLogs(route): %v", err)
	}
	if len(got) != 1 || got[0].Route != "chat" {
		t.Fatalf("route filter: %+v", got)
	}

	// 按成功状态过滤
	success := true
	got, err = s.QueryLogs(&model.LogQuery{Success: &success})
	if err != nil {
		t.Fatalf("QueryLogs(success): %v", err)
	}
	if len(got) != 1 || !got[0].Success {
		t.Fatalf("success filter: %+v", got)
	}
}

func TestGetDailyStats(t *testing.T) {
	s := newTestStore(t)

	for i, ok := range []bool{true, true, false, true} {
		err := s.SaveLog(&model.RequestLog{
			ID:        string(rune('a' + i)),
			Timestamp: time.Now(),
			Route:     "chat",
			Success:   ok,
			LatencyMs: int64(100 * (i + 1)),
		})
		if err != nil {
			t.Fatalf("SaveLog: %v", err)
		}
	}

	stats, err := s.GetDailyStats(7)
	if err != nil {
		t.Fatalf("GetDailyStats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("len = %d, want 1", len(stats))
	}
	if stats[0].TotalRequests != 4 {
		t.Fatalf("total = %d, want 4", stats[0].TotalRequests)
	}
	if stats[0].SuccessRate != 75 {
		t.Fatalf("success rate = %v, want 75", stats[0].SuccessRate)
	}
}

func TestCleanOldLogs(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveLog(&model.RequestLog{
		ID: "old", Timestamp: time.Now().AddDate(0, 0, -30), Route: "chat",
	}); err != nil {
		t.Fatalf("SaveLog: %v", err)
	}
	if err := s.SaveLog(&model.RequestLog{
		ID: "recent", Timestamp: time.Now(), Route: "chat",
	}); err != nil {
		t.Fatalf("SaveLog: %v", err)
	}

	n, err := s.CleanOldLogs(7)
	if err != nil {
		t.Fatalf("CleanOldLogs: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}

	logs, err := s.QueryLogs(&model.LogQuery{})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].ID != "recent" {
		t.Fatalf("remaining logs: %+v", logs)
	}
}
