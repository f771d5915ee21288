package validator

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"proxychain/internal/shared/logger"
	"proxychain/internal/shared/types"
	"proxychain/proxypool/model"
)

const defaultValidationTarget = "www.msftconnecttest.com:80"

// Result 是一次穿透验证的结果
type Result struct {
	EndpointID string    `json:"id"`
	Protocol   string    `json:"protocol"`
	Port       int       `json:"port"`
	OK         bool      `json:"ok"`
	LatencyMs  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Validator 通过本地监听端口拨号到目标地址，验证端点整条链路是否可用。
type Validator struct {
	target      string
	timeout     time.Duration
	concurrency int
}

func NewValidator(cfg types.VerifyConf) *Validator {
	v := &Validator{
		target:      cfg.Target,
		timeout:     time.Duration(cfg.TimeoutSecs) * time.Second,
		concurrency: cfg.Concurrency,
	}
	if v.target == "" {
		v.target = defaultValidationTarget
	}
	if v.timeout <= 0 {
		v.timeout = 10 * time.Second
	}
	if v.concurrency <= 0 {
		v.concurrency = 5
	}
	return v
}

// Verify 并发验证一批端点，结果顺序与输入一致。
func (v *Validator) Verify(ctx context.Context, endpoints []*model.Endpoint) []Result {
	l := logger.WithComponent("ProxyPool/Validator")
	results := make([]Result, len(endpoints))
	if len(endpoints) == 0 {
		return results
	}

	l.Info().Int("count", len(endpoints)).Int("concurrency", v.concurrency).Msg("Starting verification batch...")

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, v.concurrency)

	for i, ep := range endpoints {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(i int, ep *model.Endpoint) {
			defer wg.Done()
			defer func() { <-semaphore }()
			results[i] = v.verifySingle(ctx, ep)
		}(i, ep)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
		}
	}
	l.Info().Int("ok", ok).Int("failed", len(results)-ok).Msg("Verification batch finished.")
	return results
}

func (v *Validator) verifySingle(ctx context.Context, ep *model.Endpoint) Result {
	res := Result{EndpointID: ep.ID, Protocol: string(ep.Protocol), Port: ep.ListenPort}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	var err error
	switch ep.Protocol {
	case model.ProtocolSOCKS5:
		err = v.checkSocks5Connect(ctx, dialAddress(ep))
	default:
		err = v.checkHttpConnect(ctx, dialAddress(ep))
	}
	res.CheckedAt = time.Now()
	if err != nil {
		res.Error = err.Error()
		l := logger.WithComponent("ProxyPool/Validator")
		l.Debug().Err(err).Str("endpoint_id", ep.ID).Msg("Endpoint verification failed.")
		return res
	}
	res.OK = true
	res.LatencyMs = time.Since(start).Milliseconds()
	return res
}

// dialAddress 把通配监听地址换成回环地址
func dialAddress(ep *model.Endpoint) string {
	host := ep.ListenHost
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(ep.ListenPort))
}

// checkSocks5Connect 经 SOCKS5 监听端口建立到目标的连接。
func (v *Validator) checkSocks5Connect(ctx context.Context, listenAddr string) error {
	dialer, err := proxy.SOCKS5("tcp", listenAddr, nil, &net.Dialer{Timeout: v.timeout})
	if err != nil {
		return fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	conn, err := dialer.(proxy.ContextDialer).DialContext(ctx, "tcp", v.target)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// checkHttpConnect 向 HTTP 监听端口发送 CONNECT 请求。
func (v *Validator) checkHttpConnect(ctx context.Context, listenAddr string) error {
	d := &net.Dialer{Timeout: v.timeout}
	conn, err := d.DialContext(ctx, "tcp", listenAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req, err := http.NewRequest(http.MethodConnect, "http://"+v.target, nil)
	if err != nil {
		return err
	}
	req.Host = v.target
	if err := req.Write(conn); err != nil {
		return err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return nil
}
