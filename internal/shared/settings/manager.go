package settings

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// SettingsManager 是运行时配置的核心管理器。
// 它线程安全，并使用原子操作和发布/订阅模式来处理配置的读取和热重载。
type SettingsManager struct {
	filePath    string
	settings    atomic.Value // 存储一个 *RuntimeSettings 指针，用于无锁读取
	subscribers map[string][]ConfigurableModule
	mu          sync.RWMutex // 用于保护 subscribers map 和文件写入操作
	notifyWG    sync.WaitGroup
}

// NewSettingsManager 创建并初始化一个新的配置管理器。
// 它会立即从指定的路径加载配置，如果文件不存在，则会创建一个默认配置。
func NewSettingsManager(filePath string) (*SettingsManager, error) {
	sm := &SettingsManager{
		filePath:    filePath,
		subscribers: make(map[string][]ConfigurableModule),
	}

	if filePath == "" {
		sm.settings.Store(createDefaultSettings())
		return sm, nil
	}

	if err := sm.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial settings: %w", err)
	}

	return sm, nil
}

// load 从磁盘加载 settings.json 文件。
// 如果文件不存在，它会初始化一个默认的空配置。
func (sm *SettingsManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	settings := &RuntimeSettings{}

	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		log.Warn().Str("path", sm.filePath).Msg("settings.json not found, creating with default values.")
		settings = createDefaultSettings()
		if err := sm.persist(settings); err != nil {
			return fmt.Errorf("failed to write default settings file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse settings.json: %w", err)
		}
		ensureDefaultModules(settings)
	}

	sm.settings.Store(settings)
	return nil
}

// Register 将一个模块注册为特定配置主题的订阅者。
func (sm *SettingsManager) Register(moduleKey string, module ConfigurableModule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscribers[moduleKey] = append(sm.subscribers[moduleKey], module)
}

// Get 返回当前运行时配置的一个快照。此操作是无锁的。
func (sm *SettingsManager) Get() *RuntimeSettings {
	return sm.settings.Load().(*RuntimeSettings)
}

// Module 返回指定模块的当前配置，未知模块返回 nil。
func (sm *SettingsManager) Module(moduleKey string) interface{} {
	return getModuleByKey(sm.Get(), moduleKey)
}

// Update 接收一个模块的原始JSON数据，原子性地更新内存中的配置、
// 持久化到磁盘，并异步通知所有相关订阅者。
func (sm *SettingsManager) Update(moduleKey string, newSettingsData json.RawMessage) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// 1. 深拷贝当前的配置，以避免竞态条件
	newSettings := deepCopy(sm.Get())

	// 2. 将新的JSON数据反序列化到新配置的对应模块上
	targetModule := getModuleByKey(newSettings, moduleKey)
	if targetModule == nil {
		return fmt.Errorf("unknown settings module: %s", moduleKey)
	}
	if err := json.Unmarshal(newSettingsData, targetModule); err != nil {
		return fmt.Errorf("failed to parse JSON for module %s: %w", moduleKey, err)
	}
	if err := normalizeModule(targetModule); err != nil {
		return fmt.Errorf("invalid settings for module %s: %w", moduleKey, err)
	}

	// 3. 持久化到文件
	if sm.filePath != "" {
		if err := sm.persist(newSettings); err != nil {
			return fmt.Errorf("failed to save updated settings to disk: %w", err)
		}
	}

	// 4. 原子地替换内存中的配置指针
	sm.settings.Store(newSettings)
	log.Info().Str("module", moduleKey).Msg("Runtime settings updated and persisted.")

	// 5. 异步通知订阅者
	sm.notifyWG.Add(1)
	go func() {
		defer sm.notifyWG.Done()
		sm.notify(moduleKey, targetModule)
	}()

	return nil
}

// WaitNotified 等待已发出的通知全部送达，主要用于测试与关闭流程。
func (sm *SettingsManager) WaitNotified() {
	sm.notifyWG.Wait()
}

// persist 将完整的配置结构体原子地写入 settings.json。
// 订阅地址中可能带有 token，文件权限为 0600。
func (sm *SettingsManager) persist(settings *RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(sm.filePath), 0755); err != nil {
		return err
	}
	tmp := sm.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, sm.filePath)
}

// notify 通知所有订阅了指定模块的模块。
func (sm *SettingsManager) notify(moduleKey string, newSettings interface{}) {
	sm.mu.RLock()
	subscribers, ok := sm.subscribers[moduleKey]
	sm.mu.RUnlock()

	if ok {
		log.Debug().Str("module", moduleKey).Int("subscribers", len(subscribers)).Msg("Notifying subscribers of settings update.")
		for _, sub := range subscribers {
			if err := sub.OnSettingsUpdate(moduleKey, newSettings); err != nil {
				log.Error().Err(err).Str("module", moduleKey).Msg("Error notifying subscriber.")
			}
		}
	}
}

// --- 辅助函数 ---

func deepCopy(s *RuntimeSettings) *RuntimeSettings {
	newS := *s
	if s.Subscriptions != nil {
		c := *s.Subscriptions
		c.URLs = append([]string(nil), s.Subscriptions.URLs...)
		newS.Subscriptions = &c
	}
	if s.Pages != nil {
		c := *s.Pages
		c.URLs = append([]string(nil), s.Pages.URLs...)
		newS.Pages = &c
	}
	return &newS
}

func getModuleByKey(s *RuntimeSettings, key string) interface{} {
	switch key {
	case ModuleSubscriptions:
		return s.Subscriptions
	case ModulePages:
		return s.Pages
	default:
		return nil
	}
}

// normalizeModule 去除空白与重复地址，并校验只允许 http(s)。
func normalizeModule(module interface{}) error {
	var urls *[]string
	switch m := module.(type) {
	case *SubscriptionSettings:
		urls = &m.URLs
	case *PageSettings:
		urls = &m.URLs
	default:
		return nil
	}

	seen := make(map[string]bool)
	out := make([]string, 0, len(*urls))
	for _, raw := range *urls {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid url %q", raw)
		}
		seen[raw] = true
		out = append(out, raw)
	}
	*urls = out
	return nil
}
