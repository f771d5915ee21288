package scraper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"proxychain/internal/shared/apperr"
	"proxychain/internal/shared/logger"
	"proxychain/proxypool/decoder"
	"proxychain/proxypool/model"
)

// 订阅内容一般只有几十 KB，超出上限视为获取失败
const maxSubscriptionBody = 8 << 20

// SubscriptionSource 通过 HTTP(S) GET 拉取一个订阅地址。
type SubscriptionSource struct {
	url       string
	userAgent string
	client    *http.Client
	maxBody   int64
}

// NewSubscriptionSource 创建订阅来源，timeout 作为 http.Client 的兜底超时。
func NewSubscriptionSource(rawURL, userAgent string, timeout time.Duration) *SubscriptionSource {
	return &SubscriptionSource{
		url:       rawURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		maxBody:   maxSubscriptionBody,
	}
}

// Name 不含订阅地址中的 token
func (s *SubscriptionSource) Name() string {
	return urlLabel("sub", s.url)
}

func (s *SubscriptionSource) Fetch(ctx context.Context) ([]*model.Node, error) {
	l := logger.WithComponent("ProxyPool/Scraper")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, apperr.New(apperr.CodeFetch, "invalid subscription url", nil)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// *url.Error 会带上完整地址，只保留底层原因
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, apperr.New(apperr.CodeFetch, fmt.Sprintf("request to %s failed", s.Name()), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.New(apperr.CodeFetch, fmt.Sprintf("%s returned status %d", s.Name(), resp.StatusCode), nil)
	}

	// 多读一个字节用于判断是否超限，截断的内容不能交给解码器
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return nil, apperr.New(apperr.CodeFetch, fmt.Sprintf("failed to read body from %s", s.Name()), err)
	}
	if int64(len(body)) > s.maxBody {
		return nil, apperr.New(apperr.CodeFetch, fmt.Sprintf("%s body exceeds %d bytes", s.Name(), s.maxBody), nil)
	}

	format := decoder.DetectFormat(body, resp.Header.Get("Content-Type"))
	nodes, err := decoder.Decode(body, format, model.SourceSubscription)
	if err != nil {
		return nil, err
	}
	l.Info().Str("source", s.Name()).Int("count", len(nodes)).Int("bytes", len(body)).Msg("Fetched subscription.")
	return nodes, nil
}

// ReadSubscriptionsFile 读取订阅地址列表: 每行一个，忽略空行与 # 注释。
// 文件不存在时返回空列表。
func ReadSubscriptionsFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}
