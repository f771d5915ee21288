package scraper

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"proxychain/internal/shared/apperr"
	"proxychain/internal/shared/logger"
	"proxychain/proxypool/decoder"
	"proxychain/proxypool/model"
)

// shareLinkPattern 匹配网页文本中的 ss:// 与 vmess:// 分享链接
var shareLinkPattern = regexp.MustCompile(`(?:ss|vmess)://[A-Za-z0-9+/=_\-.:@%?&#\[\]!~*'(),;]+`)

// PageSource 抓取一个公开网页，从正文、代码块与链接中提取分享链接。
type PageSource struct {
	url       string
	userAgent string
	timeout   time.Duration
}

// NewPageSource 创建网页来源
func NewPageSource(pageURL, userAgent string, timeout time.Duration) *PageSource {
	return &PageSource{url: pageURL, userAgent: userAgent, timeout: timeout}
}

func (s *PageSource) Name() string {
	return urlLabel("page", s.url)
}

func (s *PageSource) Fetch(ctx context.Context) ([]*model.Node, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Debug().Str("source", s.Name()).Msg("Starting scrape...")

	opts := []colly.CollectorOption{colly.StdlibContext(ctx)}
	if s.userAgent != "" {
		opts = append(opts, colly.UserAgent(s.userAgent))
	}
	c := colly.NewCollector(opts...)
	if s.timeout > 0 {
		c.SetRequestTimeout(s.timeout)
	}

	var (
		mu       sync.Mutex
		links    []string
		fetchErr error
	)

	c.OnResponse(func(r *colly.Response) {
		found, err := extractShareLinks(r.Body)
		if err != nil {
			l.Warn().Err(err).Str("source", s.Name()).Msg("Failed to parse HTML document.")
			return
		}
		mu.Lock()
		links = append(links, found...)
		mu.Unlock()
	})

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		if r != nil && r.StatusCode != 0 {
			fetchErr = apperr.New(apperr.CodeFetch, fmt.Sprintf("%s returned status %d", s.Name(), r.StatusCode), nil)
			return
		}
		fetchErr = apperr.New(apperr.CodeFetch, fmt.Sprintf("request to %s failed", s.Name()), err)
	})

	if err := c.Visit(s.url); err != nil && fetchErr == nil {
		fetchErr = apperr.New(apperr.CodeFetch, fmt.Sprintf("request to %s failed", s.Name()), err)
	}
	c.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	if len(links) == 0 {
		return nil, apperr.Decode("", fmt.Sprintf("no share links found on %s", s.Name()), nil)
	}

	nodes, err := decoder.Decode([]byte(strings.Join(links, "\n")), decoder.FormatURIList, model.SourceScanned)
	if err != nil {
		return nil, err
	}
	l.Info().Str("source", s.Name()).Int("links", len(links)).Int("count", len(nodes)).Msg("Scrape finished.")
	return nodes, nil
}

// extractShareLinks 从正文文本、<code>/<pre>/<textarea> 以及 a[href] 中收集分享链接，保持出现顺序。
func extractShareLinks(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	collect := func(text string) {
		for _, m := range shareLinkPattern.FindAllString(text, -1) {
			m = strings.TrimRight(m, ".,;)'")
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}

	doc.Find("code, pre, textarea").Each(func(_ int, sel *goquery.Selection) {
		collect(sel.Text())
	})
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			collect(href)
		}
	})
	collect(doc.Find("body").Text())
	return out, nil
}
