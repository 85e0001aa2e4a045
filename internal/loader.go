package internal

import (
	"context"
	"crypto/tls"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/quic-go/quic-go/http3"
)

//go:embed bootstrap.js
var bootstrapSource []byte

// Loader 负责获取 worker 运行时的引导脚本和按地址获取任务源码
type Loader interface {
	FetchBootstrapSource(ctx context.Context) ([]byte, error)
	FetchSource(ctx context.Context, url string) ([]byte, error)
}

// SourceLoader 支持 http(s)://、file://、本地路径以及 source:<name>（从 source 表读取）
type SourceLoader struct {
	Db     *sql.DB
	Client *http.Client
}

func NewSourceLoader(db *sql.DB, http3Enabled bool) *SourceLoader {
	client := &http.Client{}
	if http3Enabled {
		client.Transport = &http3.RoundTripper{
			TLSClientConfig: &tls.Config{},
		}
	}
	return &SourceLoader{Db: db, Client: client}
}

func (l *SourceLoader) FetchBootstrapSource(ctx context.Context) ([]byte, error) {
	return bootstrapSource, nil
}

func (l *SourceLoader) FetchSource(ctx context.Context, url string) ([]byte, error) {
	switch {
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return l.fetchHttp(ctx, url)
	case strings.HasPrefix(url, "source:"):
		return l.fetchDb(ctx, strings.TrimPrefix(url, "source:"))
	case strings.HasPrefix(url, "file://"):
		return os.ReadFile(strings.TrimPrefix(url, "file://"))
	}
	return os.ReadFile(url)
}

func (l *SourceLoader) fetchHttp(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (l *SourceLoader) fetchDb(ctx context.Context, name string) ([]byte, error) {
	if l.Db == nil {
		return nil, errors.New("source store is not configured")
	}
	var content string
	err := l.Db.QueryRowContext(ctx, "select content from source where name = ? and active = true", name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New("source is not found: " + name)
	}
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}
