package scraper

import (
	"context"
	"fmt"
	"os"

	"proxychain/internal/shared/apperr"
	"proxychain/internal/shared/logger"
	"proxychain/proxypool/decoder"
	"proxychain/proxypool/model"
)

// FileSource 读取采集器输出的节点文件 (Clash YAML 或 URI 列表)。
type FileSource struct {
	path   string
	source model.Source
}

// NewFileSource 创建文件来源
func NewFileSource(path string, source model.Source) *FileSource {
	return &FileSource{path: path, source: source}
}

func (s *FileSource) Name() string {
	return "file:" + s.path
}

func (s *FileSource) Fetch(ctx context.Context) ([]*model.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.New(apperr.CodeFetch, "fetch cancelled", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, apperr.New(apperr.CodeFetch, fmt.Sprintf("failed to read %s", s.path), err)
	}

	nodes, err := decoder.Decode(data, decoder.DetectFormat(data, ""), s.source)
	if err != nil {
		return nil, err
	}
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().
		Str("source", s.Name()).Int("count", len(nodes)).Msg("Loaded nodes from file.")
	return nodes, nil
}
