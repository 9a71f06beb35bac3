package core

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaopang/mdgate/internal/markdown"
)

const (
	fetchUserAgent = "mdgate/1.0 (+https://mdgate.dev)"

	// maxFetchBodyBytes 抓取响应体的读取上限
	maxFetchBodyBytes = 2 << 20
)

// Fetcher 抓取远程页面并转换为 Markdown
type Fetcher struct {
	client *http.Client
}

// NewFetcher 创建抓取器
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
	}
}

// FetchAsMarkdown 抓取 URL 并返回 Markdown 文本，截断到 maxChars 个字符。
// 预期内的失败（坏 URL、非 2xx、网络错误）返回哨兵错误文本，从不报 error。
func (f *Fetcher) FetchAsMarkdown(ctx context.Context, rawURL string, maxChars int) string {
	target := NormalizeURL(rawURL)

	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return fmt.Sprintf("Error fetching %s: %v", target, err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Error fetching %s: %v", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("Error: Could not fetch %s (%d)", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	if err != nil {
		return fmt.Sprintf("Error fetching %s: %v", target, err)
	}

	md := markdown.Convert(string(body))
	return Truncate(md, maxChars)
}

// IsFetchError 判断抓取结果是否为哨兵错误文本
func IsFetchError(s string) bool {
	return strings.HasPrefix(s, "Error: Could not fetch") ||
		strings.HasPrefix(s, "Error fetching")
}

// NormalizeURL 补全缺失的协议前缀
func NormalizeURL(rawURL string) string {
	if strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://") {
		return rawURL
	}
	return "https://" + rawURL
}

// Truncate 按字符数硬截断，不做句子边界处理
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
