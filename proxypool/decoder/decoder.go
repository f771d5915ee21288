// Package decoder 将多种线上格式的原始节点描述归一化为 model.Node。
package decoder

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"

	"proxychain/internal/shared/apperr"
	"proxychain/internal/shared/logger"
	"proxychain/proxypool/model"
)

// Format 是载荷格式
type Format int

const (
	FormatAuto    Format = iota
	FormatClash          // 带 proxies 列表的 YAML
	FormatURIList        // 每行一个分享链接
)

func (f Format) String() string {
	switch f {
	case FormatClash:
		return "clash"
	case FormatURIList:
		return "uri-list"
	}
	return "auto"
}

// SupportedCiphers 是引擎可用的 ss 加密方式
var SupportedCiphers = map[string]bool{
	"aes-128-gcm":             true,
	"aes-256-gcm":             true,
	"chacha20-ietf-poly1305":  true,
	"aes-128-ctr":             true,
	"aes-192-ctr":             true,
	"aes-256-ctr":             true,
	"aes-128-cfb":             true,
	"aes-192-cfb":             true,
	"aes-256-cfb":             true,
	"chacha20-ietf":           true,
	"xchacha20-ietf-poly1305": true,
}

var base64Charset = regexp.MustCompile(`^[A-Za-z0-9+/=_-]+$`)

// DetectFormat 根据内容与 Content-Type 判断格式。
func DetectFormat(payload []byte, contentType string) Format {
	if first := firstLine(string(payload)); strings.HasPrefix(first, "proxies:") {
		return FormatClash
	}
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "yaml") || strings.Contains(ct, "yml") {
		return FormatClash
	}
	return FormatAuto
}

// Decode 解析载荷，返回按首次出现顺序去重后的节点。
// 单条畸形记录只会被记录并跳过；没有任何有效节点时返回 DECODE 错误。
func Decode(payload []byte, format Format, source model.Source) ([]*model.Node, error) {
	l := logger.WithComponent("ProxyPool/Decoder")

	text := strings.TrimPrefix(string(payload), "\ufeff")
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Decode("", "empty payload", nil)
	}

	res := decodeText(text, format, source)
	if len(res.nodes) == 0 {
		if decoded, ok := decodeBase64Blob(text); ok {
			l.Debug().Msg("Payload is base64 wrapped, decoding inner content.")
			inner := decodeText(decoded, FormatAuto, source)
			inner.skipped += res.skipped
			res = inner
		}
	}

	if res.skipped > 0 {
		l.Warn().Int("skipped", res.skipped).Int("valid", len(res.nodes)).Str("source", string(source)).Msg("Malformed entries skipped while decoding.")
	}
	if len(res.nodes) == 0 {
		return nil, apperr.Decode(res.firstBad(text), "no valid nodes in payload", res.lastErr)
	}
	return res.nodes, nil
}

type decodeResult struct {
	nodes    []*model.Node
	seen     map[string]bool
	skipped  int
	badInput string
	lastErr  error
}

func newResult() *decodeResult {
	return &decodeResult{seen: make(map[string]bool)}
}

func (r *decodeResult) add(n *model.Node) {
	if r.seen[n.ID] {
		return
	}
	r.seen[n.ID] = true
	r.nodes = append(r.nodes, n)
}

func (r *decodeResult) reject(fragment string, err error) {
	r.skipped++
	r.lastErr = err
	if r.badInput == "" {
		r.badInput = fragment
	}
	logger.Debug().Str("scheme", schemeOf(fragment)).Err(err).Msg("Skipping malformed node entry.")
}

func (r *decodeResult) firstBad(text string) string {
	if r.badInput != "" {
		return r.badInput
	}
	return firstLine(text)
}

func decodeText(text string, format Format, source model.Source) *decodeResult {
	switch format {
	case FormatClash:
		return decodeClash(text, source)
	case FormatURIList:
		return decodeURIList(text, source)
	}
	if strings.Contains(text, "proxies:") {
		if res := decodeClash(text, source); len(res.nodes) > 0 {
			return res
		}
	}
	return decodeURIList(text, source)
}

func decodeURIList(text string, source model.Source) *decodeResult {
	res := newResult()
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "forward=")
		if !strings.HasPrefix(line, "ss://") && !strings.HasPrefix(line, "vmess://") {
			// 其他协议 (trojan、vless 等) 引擎不支持，静默忽略
			if strings.Contains(line, "://") {
				logger.Debug().Str("scheme", schemeOf(line)).Msg("Unsupported scheme ignored.")
			}
			continue
		}
		n, err := DecodeURI(line, source)
		if err != nil {
			res.reject(line, err)
			continue
		}
		res.add(n)
	}
	return res
}

// finalize 为节点补全 ID、来源与国家，并做最终校验。
func finalize(n *model.Node, source model.Source, codeHint, countryHint string) (*model.Node, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	n.Source = source
	n.ID = NodeID(n)
	n.Country = ClassifyWithHints(n.Name, codeHint, countryHint)
	return n, nil
}

// NodeID 由规范化连接参数计算稳定的节点 ID。
func NodeID(n *model.Node) string {
	sum := blake2b.Sum256([]byte(n.IdentityKey()))
	return hex.EncodeToString(sum[:12])
}

// decodeBase64 兼容标准与 URL 字母表，容忍缺失的填充。
func decodeBase64(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	s = strings.TrimRight(s, "=")
	return base64.RawStdEncoding.DecodeString(s)
}

func decodeBase64Blob(text string) (string, bool) {
	compact := strings.Join(strings.Fields(text), "")
	if compact == "" || !base64Charset.MatchString(compact) {
		return "", false
	}
	decoded, err := decodeBase64(compact)
	if err != nil {
		return "", false
	}
	s := string(decoded)
	if strings.Contains(s, "ss://") || strings.Contains(s, "vmess://") || strings.Contains(s, "proxies:") {
		return s, true
	}
	return "", false
}

func firstLine(s string) string {
	for _, ln := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(ln); t != "" {
			return t
		}
	}
	return ""
}

func schemeOf(s string) string {
	if i := strings.Index(s, "://"); i > 0 && i < 16 {
		return s[:i]
	}
	return "unknown"
}
