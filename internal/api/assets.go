package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

// maxBlobBytes 单个静态资源的读取上限
const maxBlobBytes = 8 << 20

// BlobStore 从外部对象源站按固定路径读取静态资源
type BlobStore struct {
	baseURL string
	client  *http.Client
}

// NewBlobStore 创建资源读取器
func NewBlobStore(baseURL string, timeout time.Duration) *BlobStore {
	return &BlobStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// FetchBlob 读取一个资源，返回内容与按扩展名推断的 content type
func (b *BlobStore) FetchBlob(ctx context.Context, blobPath string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", b.baseURL+blobPath, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("blob origin returned status %d for %s", resp.StatusCode, blobPath)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobBytes))
	if err != nil {
		return nil, "", err
	}
	return data, contentTypeFor(blobPath), nil
}

// contentTypeFor 按文件扩展名推断 content type
func contentTypeFor(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".html":
		return "text/html; charset=utf-8"
	case ".png":
		return "image/png"
	case ".svg":
		return "image/svg+xml"
	case ".ico":
		return "image/x-icon"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript"
	default:
		return "application/octet-stream"
	}
}
