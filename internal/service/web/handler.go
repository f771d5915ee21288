package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"proxychain/internal/core/health"
	"proxychain/internal/core/query"
	"proxychain/internal/core/registry"
	"proxychain/internal/shared/apperr"
	"proxychain/internal/shared/globalstate"
	"proxychain/internal/shared/settings"
	"proxychain/proxypool"
	"proxychain/proxypool/model"
	"proxychain/proxypool/validator"
)

// ProxyQuerier 是查询服务的接口
type ProxyQuerier interface {
	Query(f query.Filter) (query.Result, error)
	Refresh(ctx context.Context, wait bool) error
}

// PoolController 暴露刷新调度器的状态
type PoolController interface {
	LastReport() *proxypool.Report
	LastRefresh() time.Time
}

// Verifier 对端点做穿透验证
type Verifier interface {
	Verify(ctx context.Context, endpoints []*model.Endpoint) []validator.Result
}

// SettingsStore 是运行时设置的读写接口
type SettingsStore interface {
	Get() *settings.RuntimeSettings
	Module(moduleKey string) interface{}
	Update(moduleKey string, data json.RawMessage) error
}

// HealthReporter 汇报后台任务的存活情况
type HealthReporter interface {
	Check(ctx context.Context) []health.Result
}

// ProxyItem 是 /api/v1/proxies 返回的单个端点
type ProxyItem struct {
	ID            string             `json:"id"`
	Protocol      string             `json:"protocol"`
	Host          string             `json:"host"`
	Port          int                `json:"port"`
	PublicHost    string             `json:"public_host"`
	Endpoint      string             `json:"endpoint"`
	Country       *model.CountryInfo `json:"country"`
	Name          string             `json:"name,omitempty"`
	Available     bool               `json:"available"`
	NodeID        string             `json:"node_id"`
	BackendSchema *string            `json:"backend_schema"`
	BackendServer *string            `json:"backend_server"`
	BackendPort   *int               `json:"backend_port"`
	State         model.State        `json:"state"`
	UpdatedAt     time.Time          `json:"updated_at"`
	LastChecked   *time.Time         `json:"last_checked"`
}

// ProxyListResponse 是 /api/v1/proxies 的响应
type ProxyListResponse struct {
	Data []ProxyItem `json:"data"`
	Meta query.Meta  `json:"meta"`
}

// RefreshResponse 是同步刷新的响应
type RefreshResponse struct {
	Nodes       int               `json:"nodes"`
	Endpoints   int               `json:"endpoints"`
	RefreshedAt time.Time         `json:"refreshed_at"`
	Report      *proxypool.Report `json:"report,omitempty"`
}

type verifyRequest struct {
	IDs []string `json:"ids"`
}

// Handler 实现所有 HTTP 接口
type Handler struct {
	publicHost string
	maxCount   int
	query      ProxyQuerier
	snapshots  query.SnapshotSource
	pool       PoolController
	verifier   Verifier
	settings   SettingsStore
	health     HealthReporter
}

func NewHandler(publicHost string, deps Deps) *Handler {
	maxCount := deps.MaxCount
	if maxCount <= 0 {
		maxCount = query.DefaultMaxCount
	}
	return &Handler{
		publicHost: publicHost,
		maxCount:   maxCount,
		query:      deps.Query,
		snapshots:  deps.Snapshots,
		pool:       deps.Pool,
		verifier:   deps.Verifier,
		settings:   deps.Settings,
		health:     deps.Health,
	}
}

// writeError 把 apperr 分类映射为 HTTP 状态码
func writeError(c *gin.Context, err error) {
	var appErr *apperr.AppError
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}
	if errors.As(err, &appErr) {
		body["code"] = string(appErr.Code)
		body["error"] = appErr.Message
		if appErr.Code == apperr.CodeInvalidFilter {
			status = http.StatusBadRequest
		}
	}
	c.JSON(status, body)
}

// ListProxies 处理 GET /api/v1/proxies
func (h *Handler) ListProxies(c *gin.Context) {
	f := query.Filter{
		Protocols: c.QueryArray("protocols"),
		Country:   c.Query("country"),
		Count:     1,
	}
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, apperr.New(apperr.CodeInvalidFilter, "count must be an integer", nil))
			return
		}
		f.Count = n
	}
	if raw := c.Query("random"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, apperr.New(apperr.CodeInvalidFilter, "random must be a boolean", nil))
			return
		}
		f.Random = b
	}

	res, err := h.query.Query(f)
	if err != nil {
		writeError(c, err)
		return
	}

	publicHost := resolvePublicHost(c, h.publicHost)
	items := make([]ProxyItem, 0, len(res.Endpoints))
	for _, ep := range res.Endpoints {
		items = append(items, buildItem(ep, res.Snapshot, publicHost))
	}
	c.JSON(http.StatusOK, ProxyListResponse{Data: items, Meta: res.Meta})
}

func buildItem(ep *model.Endpoint, snap *registry.Snapshot, publicHost string) ProxyItem {
	item := ProxyItem{
		ID:         ep.ID,
		Protocol:   string(ep.Protocol),
		Host:       ep.ListenHost,
		Port:       ep.ListenPort,
		PublicHost: publicHost,
		Endpoint:   string(ep.Protocol) + "://" + net.JoinHostPort(publicHost, strconv.Itoa(ep.ListenPort)),
		Country:    ep.Country,
		Name:       ep.Name,
		Available:  ep.State == model.StateRunning,
		State:      ep.State,
		UpdatedAt:  ep.UpdatedAt,
	}
	if !ep.LastCheckedAt.IsZero() {
		t := ep.LastCheckedAt
		item.LastChecked = &t
	}
	if len(ep.NodeIDs) > 0 {
		item.NodeID = ep.NodeIDs[0]
		if snap != nil {
			if n, ok := snap.Node(ep.NodeIDs[0]); ok {
				schema, server, port := string(n.Family), n.Host, n.Port
				item.BackendSchema = &schema
				item.BackendServer = &server
				item.BackendPort = &port
			}
		}
	}
	return item
}

// RefreshProxies 处理 POST /api/v1/proxies/refresh[?wait=true]
func (h *Handler) RefreshProxies(c *gin.Context) {
	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		if err := h.query.Refresh(c.Request.Context(), false); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}

	if err := h.query.Refresh(c.Request.Context(), true); err != nil {
		writeError(c, err)
		return
	}
	resp := RefreshResponse{}
	if h.pool != nil {
		resp.RefreshedAt = h.pool.LastRefresh()
		if r := h.pool.LastReport(); r != nil {
			resp.Report = r
			resp.Nodes = r.Nodes
			resp.Endpoints = r.Desired - r.Skipped
		}
	}
	c.JSON(http.StatusOK, resp)
}

// VerifyProxies 处理 POST /api/v1/proxies/verify。ids 为空时验证所有 RUNNING 端点。
func (h *Handler) VerifyProxies(c *gin.Context) {
	if h.verifier == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "verification is disabled"})
		return
	}
	var req verifyRequest
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if len(req.IDs) > h.maxCount {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many ids"})
		return
	}

	snap := h.snapshots.Snapshot()
	var targets []*model.Endpoint
	var missing []validator.Result
	if len(req.IDs) == 0 {
		targets = snap.Running()
		if len(targets) > h.maxCount {
			targets = targets[:h.maxCount]
		}
	} else {
		for _, id := range req.IDs {
			ep, ok := snap.Get(id)
			if !ok {
				missing = append(missing, validator.Result{EndpointID: id, Error: "endpoint not found"})
				continue
			}
			targets = append(targets, ep)
		}
	}

	results := append(h.verifier.Verify(c.Request.Context(), targets), missing...)
	c.JSON(http.StatusOK, gin.H{"data": results})
}

// ListEndpoints 处理 GET /api/v1/endpoints，包括非 RUNNING 的端点。
func (h *Handler) ListEndpoints(c *gin.Context) {
	snap := h.snapshots.Snapshot()
	publicHost := resolvePublicHost(c, h.publicHost)
	items := make([]ProxyItem, 0, len(snap.Endpoints))
	for _, ep := range snap.Endpoints {
		items = append(items, buildItem(ep, snap, publicHost))
	}
	c.JSON(http.StatusOK, gin.H{
		"data": items,
		"meta": gin.H{
			"total":    len(items),
			"by_state": snap.CountByState(),
			"nodes":    snap.NodeCount(),
			"version":  snap.Version,
		},
	})
}

// Healthz 处理 GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	snap := h.snapshots.Snapshot()
	phase, since := globalstate.GlobalStatus.Since()

	var tasks []health.Result
	if h.health != nil {
		tasks = h.health.Check(c.Request.Context())
	}
	healthy := health.Healthy(tasks)

	body := gin.H{
		"status":      "ok",
		"phase":       phase,
		"phase_since": since,
		"tasks":       tasks,
		"endpoints": gin.H{
			"total":    len(snap.Endpoints),
			"running":  len(snap.Running()),
			"by_state": snap.CountByState(),
		},
		"nodes": snap.NodeCount(),
	}
	if h.pool != nil {
		if t := h.pool.LastRefresh(); !t.IsZero() {
			body["last_refresh"] = t
		}
	}
	if h.settings != nil {
		rs := h.settings.Get()
		summary := gin.H{"subscriptions": 0, "pages": 0}
		if rs.Subscriptions != nil {
			summary["subscriptions"] = len(rs.Subscriptions.URLs)
		}
		if rs.Pages != nil {
			summary["pages"] = len(rs.Pages.URLs)
		}
		body["settings"] = summary
	}

	status := http.StatusOK
	if !healthy {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}

// GetSettings 处理 GET /api/settings
func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Get())
}

// GetModuleSettings 处理 GET /api/settings/:module
func (h *Handler) GetModuleSettings(c *gin.Context) {
	module := h.settings.Module(c.Param("module"))
	if module == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown settings module"})
		return
	}
	c.JSON(http.StatusOK, module)
}

// UpdateSettings 处理 POST /api/settings/:module
func (h *Handler) UpdateSettings(c *gin.Context) {
	moduleKey := c.Param("module")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read request body"})
		return
	}

	// 将更新请求委托给 SettingsManager
	if err := h.settings.Update(moduleKey, json.RawMessage(body)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "module": moduleKey})
}
