package settings

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
// 当相关配置发生变更时，SettingsManager 会调用 OnSettingsUpdate。
type ConfigurableModule interface {
	// moduleKey: 发生变化的模块 (e.g., "subscriptions", "pages")。
	// newSettings: 对应模块已解析好的新配置结构体指针 (e.g., *SubscriptionSettings)。
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

const (
	ModuleSubscriptions = "subscriptions"
	ModulePages         = "pages"
)

// RuntimeSettings 是 settings.json 文件的顶层结构。
// 使用指针类型，JSON 中缺少某个模块时对应字段为 nil，加载后由 ensureDefaultModules 补齐。
type RuntimeSettings struct {
	Subscriptions *SubscriptionSettings `json:"subscriptions"`
	Pages         *PageSettings         `json:"pages"`
}

// SubscriptionSettings 对应 "subscriptions" 模块: 运行时追加的订阅地址，
// 与 sources.subscriptions_file 中的地址合并使用。
type SubscriptionSettings struct {
	URLs []string `json:"urls"`
}

// PageSettings 对应 "pages" 模块: 需要抓取分享链接的网页。
type PageSettings struct {
	URLs []string `json:"urls"`
}

func createDefaultSettings() *RuntimeSettings {
	return &RuntimeSettings{
		Subscriptions: &SubscriptionSettings{URLs: []string{}},
		Pages:         &PageSettings{URLs: []string{}},
	}
}

func ensureDefaultModules(s *RuntimeSettings) {
	if s.Subscriptions == nil {
		s.Subscriptions = &SubscriptionSettings{URLs: []string{}}
	}
	if s.Pages == nil {
		s.Pages = &PageSettings{URLs: []string{}}
	}
}
