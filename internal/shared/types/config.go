package types

// CommonConf 包含共有的配置
type CommonConf struct {
	DataDir string `ini:"data_dir"` // 运行期数据目录: 节点缓存、settings.json、引擎配置
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level   string `ini:"level"`
	File    string `ini:"file"`
	NoColor bool   `ini:"no_color"`
}

// APIConf 对应 [api] 段，描述查询接口的监听与认证。
type APIConf struct {
	Listen      string `ini:"listen"`
	PublicHost  string `ini:"public_host"` // 返回给客户端的对外地址; 回环地址时退化为请求头中的 Host
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
	GinMode     string `ini:"gin_mode"`
}

// PoolConf 对应 [pool] 段，控制端点数量、端口范围与刷新节奏。
type PoolConf struct {
	ListenHost       string   `ini:"listen_host"`
	SocksBase        int      `ini:"socks_base"`
	SocksSize        int      `ini:"socks_size"`
	HTTPBase         int      `ini:"http_base"`
	HTTPSize         int      `ini:"http_size"`
	Protocols        []string `ini:"protocols" delim:","`
	MaxEndpoints     int      `ini:"max_endpoints"`
	GroupBy          string   `ini:"group_by"` // node | country
	GroupSize        int      `ini:"group_size"`
	CacheTTLSeconds  int      `ini:"cache_ttl"`
	MaxQueryCount    int      `ini:"max_query_count"`
	RefreshSeconds   int      `ini:"refresh_interval"`
	FetchTimeoutSecs int      `ini:"fetch_timeout"`
}

// EngineConf 对应 [engine] 段，即外部转发进程 (glider) 的参数。
type EngineConf struct {
	Binary          string `ini:"binary"`
	ConfigDir       string `ini:"config_dir"`
	Strategy        string `ini:"strategy"` // rr | ha
	CheckURL        string `ini:"check_url"`
	CheckExpect     int    `ini:"check_expect"`
	CheckInterval   int    `ini:"check_interval"`
	CheckTimeout    int    `ini:"check_timeout"`
	DialTimeout     int    `ini:"dial_timeout"`
	RelayTimeout    int    `ini:"relay_timeout"`
	MaxFailures     int    `ini:"max_failures"`
	GracePeriodMs   int    `ini:"grace_period_ms"`
	RestartDelayMs  int    `ini:"restart_delay_ms"`
	StableSeconds   int    `ini:"stable_seconds"`
	StopTimeoutSecs int    `ini:"stop_timeout"`
	Verbose         bool   `ini:"verbose"`
}

// SourcesConf 对应 [sources] 段。
type SourcesConf struct {
	ClashFile         string   `ini:"clash_file"`
	SubscriptionsFile string   `ini:"subscriptions_file"`
	Pages             []string `ini:"pages" delim:","`
	Watch             bool     `ini:"watch"`
	UserAgent         string   `ini:"user_agent"`
}

// StorageConf 对应 [storage] 段。
type StorageConf struct {
	Driver string `ini:"driver"` // file | sqlite
	Path   string `ini:"path"`
}

// VerifyConf 对应 [verify] 段，用于按需的端点连通性验证。
type VerifyConf struct {
	Target      string `ini:"target"`
	TimeoutSecs int    `ini:"timeout"`
	Concurrency int    `ini:"concurrency"`
}

// Config 是项目的统一配置结构体
type Config struct {
	CommonConf  `ini:"common"`
	LogConf     `ini:"log"`
	APIConf     `ini:"api"`
	PoolConf    `ini:"pool"`
	EngineConf  `ini:"engine"`
	SourcesConf `ini:"sources"`
	StorageConf `ini:"storage"`
	VerifyConf  `ini:"verify"`
}
