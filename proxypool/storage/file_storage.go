package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"proxychain/internal/shared/logger"
	"proxychain/proxypool/model"
)

const (
	delimiter = "|"
	numFields = 4 // Source|CountryCode|ShareURI|SourceName

	portsSuffix = ".ports" // Port|PairKey
)

// FileStorage 实现了 Storage 接口，使用纯文本文件进行持久化。
// 每行一个节点; 来源名放在最后一列，允许其中出现分隔符。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load 从纯文本文件加载节点缓存。
func (fs *FileStorage) Load() (map[string][]*model.Node, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Node cache not found, starting with an empty cache.")
			return make(map[string][]*model.Node), nil
		}
		return nil, err
	}
	defer file.Close()

	bySource := make(map[string][]*model.Node)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum, total := 0, 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, delimiter, numFields)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in node cache.")
			continue
		}

		n, err := restoreNode(fields[2], model.Source(fields[0]), fields[1])
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to restore node from line, skipping.")
			continue
		}
		bySource[fields[3]] = append(bySource[fields[3]], n)
		total++
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", total).Int("sources", len(bySource)).Msg("Successfully loaded node cache.")
	return bySource, nil
}

// Save 以原子方式 (临时文件 + rename) 写入节点缓存。
// 文件包含节点凭据，权限为 0600。
func (fs *FileStorage) Save(bySource map[string][]*model.Node) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	names := make([]string, 0, len(bySource))
	for name := range bySource {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	total := 0
	for _, name := range names {
		for _, n := range bySource[name] {
			sb.WriteString(formatNode(name, n))
			sb.WriteString("\n")
			total++
		}
	}

	if err := os.MkdirAll(filepath.Dir(fs.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}
	tmp := fs.filePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.filePath); err != nil {
		os.Remove(tmp)
		return err
	}

	l.Debug().Int("count", total).Msg("Successfully saved node cache.")
	return nil
}

// LoadPorts 读取端口租约文件。文件不存在时返回空表。
func (fs *FileStorage) LoadPorts() (map[string]int, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")
	leases := make(map[string]int)

	file, err := os.Open(fs.portsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return leases, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, delimiter, 2)
		if len(fields) != 2 || fields[1] == "" {
			l.Warn().Int("line", lineNum).Msg("Skipping malformed line in port lease file.")
			continue
		}
		port, err := strconv.Atoi(fields[0])
		if err != nil || port <= 0 || port > 65535 {
			l.Warn().Int("line", lineNum).Str("port", fields[0]).Msg("Skipping invalid port in port lease file.")
			continue
		}
		leases[fields[1]] = port
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	l.Debug().Int("count", len(leases)).Msg("Loaded port leases.")
	return leases, nil
}

// SavePorts 以原子方式整体替换端口租约文件。
func (fs *FileStorage) SavePorts(leases map[string]int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	keys := make([]string, 0, len(leases))
	for k := range leases {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(strconv.Itoa(leases[k]))
		sb.WriteString(delimiter)
		sb.WriteString(k)
		sb.WriteString("\n")
	}

	path := fs.portsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (fs *FileStorage) portsPath() string {
	return fs.filePath + portsSuffix
}

// Close 对文件存储无操作
func (fs *FileStorage) Close() error {
	return nil
}

// formatNode 将节点格式化为一行文本。
func formatNode(sourceName string, n *model.Node) string {
	return strings.Join([]string{
		string(n.Source),
		countryCode(n),
		n.ShareURI(),
		sourceName,
	}, delimiter)
}
