package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"proxychain/internal/shared/apperr"
	"proxychain/internal/shared/logger"
	"proxychain/internal/shared/types"
	"proxychain/proxypool/model"
)

// StateSink 接收端点状态变化，通常是端点注册表。
type StateSink interface {
	UpdateState(id string, state model.State, failures int, checkedAt time.Time) error
}

// PortReleaser 在端点终止时归还监听端口。
type PortReleaser interface {
	Release(port int) error
}

// StateEvent 描述一次状态推送，供 websocket 等观察者使用。
type StateEvent struct {
	EndpointID string      `json:"endpoint_id"`
	Port       int         `json:"port"`
	From       model.State `json:"from"`
	To         model.State `json:"to"`
	Failures   int         `json:"consecutive_failures"`
	Reason     string      `json:"reason"`
	At         time.Time   `json:"at"`
}

// Policy 是监管策略
type Policy struct {
	MaxFailures  int
	GracePeriod  time.Duration // 存活超过该时长即视为 RUNNING
	RestartDelay time.Duration
	StablePeriod time.Duration // 持续运行该时长后清零失败计数，<=0 表示不启用
	StopTimeout  time.Duration // SIGTERM 之后等待多久再 SIGKILL
}

// PolicyFromConf 从 [engine] 配置段构造监管策略
func PolicyFromConf(c types.EngineConf) Policy {
	return Policy{
		MaxFailures:  c.MaxFailures,
		GracePeriod:  time.Duration(c.GracePeriodMs) * time.Millisecond,
		RestartDelay: time.Duration(c.RestartDelayMs) * time.Millisecond,
		StablePeriod: time.Duration(c.StableSeconds) * time.Second,
		StopTimeout:  time.Duration(c.StopTimeoutSecs) * time.Second,
	}
}

// Deps 是 Supervisor 的协作者。
type Deps struct {
	Launcher  Launcher
	Sink      StateSink
	Ports     PortReleaser
	Policy    Policy
	Observers []func(StateEvent)
}

// Supervisor 监管单个端点的引擎进程:
// 启动、宽限期、崩溃重启、健康检查降级，直到进入终态 STOPPED。
type Supervisor struct {
	id         string
	port       int
	configPath string
	deps       Deps
	log        zerolog.Logger

	mu       sync.Mutex
	state    model.State
	failures int

	startOnce sync.Once
	started   bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// NewSupervisor 为一个已经写好配置、已租借端口的端点创建监管者。
func NewSupervisor(ep *model.Endpoint, deps Deps) *Supervisor {
	if deps.Policy.MaxFailures <= 0 {
		deps.Policy.MaxFailures = 1
	}
	if deps.Policy.StopTimeout <= 0 {
		deps.Policy.StopTimeout = 5 * time.Second
	}
	return &Supervisor{
		id:         ep.ID,
		port:       ep.ListenPort,
		configPath: ep.ConfigPath,
		deps:       deps,
		log: logger.WithComponent("Engine").With().
			Str("endpoint_id", ep.ID).
			Int("port", ep.ListenPort).
			Logger(),
		state:  model.StatePending,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// ID 返回所监管端点的 id
func (s *Supervisor) ID() string { return s.id }

// Start 在后台开始监管循环，重复调用无效。
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		go s.run(ctx)
	})
}

// Stop 请求停止并等待清理完成。
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		// 从未启动: 直接走清理流程
		s.startOnce.Do(func() {
			s.transition(model.StateStopped, "stopped before start")
			s.cleanup()
			close(s.done)
		})
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done 在监管循环结束 (端口已归还、配置已删除) 后关闭。
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// State 返回当前状态
func (s *Supervisor) State() model.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failures 返回连续失败次数
func (s *Supervisor) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.cleanup()

	s.transition(model.StateStarting, "launching engine")
	for {
		if !s.runOnce(ctx) {
			return
		}

		select {
		case <-time.After(s.deps.Policy.RestartDelay):
		case <-s.stopCh:
			s.transition(model.StateStopped, "stop requested")
			return
		case <-ctx.Done():
			s.transition(model.StateStopped, "shutting down")
			return
		}
		s.log.Info().Int("failures", s.Failures()).Msg("Relaunching engine")
	}
}

// runOnce 启动一次进程并监管到它退出，返回 true 表示应当重启。
func (s *Supervisor) runOnce(ctx context.Context) bool {
	proc, err := s.deps.Launcher.Launch(ctx, s.configPath)
	if err != nil {
		spawnErr := apperr.New(apperr.CodeSpawn, "failed to launch engine", err)
		s.log.Error().Err(spawnErr).Msg("Engine spawn failed")
		return !s.recordFailure(spawnErr.Error())
	}
	s.log.Info().Int("pid", proc.Pid()).Msg("Engine started")

	health := make(chan bool, 16)
	stopReader := make(chan struct{})
	defer close(stopReader)
	go s.readOutput(proc.Output(), health, stopReader)

	exitCh := make(chan error, 1)
	go func() { exitCh <- proc.Wait() }()

	grace := time.NewTimer(s.deps.Policy.GracePeriod)
	defer grace.Stop()
	var stableC <-chan time.Time
	if s.deps.Policy.StablePeriod > 0 {
		stable := time.NewTimer(s.deps.Policy.StablePeriod)
		defer stable.Stop()
		stableC = stable.C
	}

	for {
		select {
		case <-s.stopCh:
			s.terminate(proc, exitCh)
			s.transition(model.StateStopped, "stop requested")
			return false

		case <-ctx.Done():
			s.terminate(proc, exitCh)
			s.transition(model.StateStopped, "shutting down")
			return false

		case <-grace.C:
			if st := s.State(); st == model.StateStarting || st == model.StateDegraded {
				s.transition(model.StateRunning, "engine survived grace window")
			}

		case <-stableC:
			s.resetFailures("engine stable")

		case ok := <-health:
			if ok {
				s.resetFailures("health check succeeded")
				if st := s.State(); st == model.StateStarting || st == model.StateDegraded {
					s.transition(model.StateRunning, "health check succeeded")
				}
				continue
			}
			if s.recordFailure("health check failed") {
				s.terminate(proc, exitCh)
				return false
			}

		case err := <-exitCh:
			crash := apperr.New(apperr.CodeEngineCrash, "engine exited", err)
			s.log.Warn().Err(crash).Msg("Engine process exited")
			return !s.recordFailure(crash.Error())
		}
	}
}

// readOutput 逐行读取输出，脱敏后写日志，并把健康检查结果转给控制循环。
func (s *Supervisor) readOutput(r io.ReadCloser, health chan<- bool, stop <-chan struct{}) {
	defer r.Close()
	err := scanOutput(r, func(line string) {
		line = Redact(line)
		ok, matched := healthSignal(line)
		if matched && !ok {
			s.log.Warn().Str("line", line).Msg("engine")
		} else {
			s.log.Debug().Str("line", line).Msg("engine")
		}
		if !matched {
			return
		}
		select {
		case health <- ok:
		case <-stop:
		}
	})
	if err != nil {
		// 继续排空管道，直到进程退出
		s.log.Warn().Err(err).Msg("Failed to read engine output, discarding the rest.")
		io.Copy(io.Discard, r)
	}
}

// recordFailure 计一次失败，达到上限时进入 STOPPED 并返回 true。
func (s *Supervisor) recordFailure(reason string) bool {
	s.mu.Lock()
	s.failures++
	n := s.failures
	s.mu.Unlock()

	if n >= s.deps.Policy.MaxFailures {
		s.transition(model.StateStopped, reason)
		return true
	}
	s.transition(model.StateDegraded, reason)
	return false
}

func (s *Supervisor) resetFailures(reason string) {
	s.mu.Lock()
	if s.failures == 0 {
		s.mu.Unlock()
		return
	}
	s.failures = 0
	current := s.state
	s.mu.Unlock()

	s.transition(current, reason)
}

// transition 更新状态并推送给注册表与观察者。STOPPED 是终态。
func (s *Supervisor) transition(to model.State, reason string) {
	s.mu.Lock()
	from := s.state
	if from == model.StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = to
	failures := s.failures
	s.mu.Unlock()

	now := time.Now().UTC()
	if s.deps.Sink != nil {
		if err := s.deps.Sink.UpdateState(s.id, to, failures, now); err != nil {
			// 端点可能已被调度器移除
			s.log.Debug().Err(err).Msg("State sink rejected update")
		}
	}

	if from != to {
		ev := s.log.Info()
		if to == model.StateDegraded || to == model.StateStopped {
			ev = s.log.Warn()
		}
		ev.Str("from", string(from)).Str("to", string(to)).Int("failures", failures).Str("reason", reason).
			Msg("Endpoint state changed")
	}

	event := StateEvent{
		EndpointID: s.id,
		Port:       s.port,
		From:       from,
		To:         to,
		Failures:   failures,
		Reason:     reason,
		At:         now,
	}
	for _, obs := range s.deps.Observers {
		obs(event)
	}
}

// terminate 先 SIGTERM 进程组，超时后 SIGKILL。
func (s *Supervisor) terminate(proc Process, exitCh <-chan error) {
	if err := proc.Terminate(); err != nil {
		s.log.Debug().Err(err).Msg("Terminate signal failed")
	}
	select {
	case <-exitCh:
		return
	case <-time.After(s.deps.Policy.StopTimeout):
	}

	s.log.Warn().Dur("timeout", s.deps.Policy.StopTimeout).Msg("Engine ignored SIGTERM, killing")
	if err := proc.Kill(); err != nil {
		s.log.Error().Err(err).Msg("Kill failed")
	}
	select {
	case <-exitCh:
	case <-time.After(s.deps.Policy.StopTimeout):
		s.log.Error().Msg("Engine did not exit after SIGKILL")
	}
}

// cleanup 在所有退出路径上执行: 归还端口、删除配置文件。
func (s *Supervisor) cleanup() {
	s.transition(model.StateStopped, "supervisor exiting")

	if s.deps.Ports != nil {
		if err := s.deps.Ports.Release(s.port); err != nil {
			if errors.Is(err, apperr.ErrInvariant) {
				s.log.Error().Err(err).Msg("Port release violated lease invariant")
			} else {
				s.log.Warn().Err(err).Msg("Port release failed")
			}
		}
	}
	if err := RemoveConfig(s.configPath); err != nil {
		s.log.Warn().Err(err).Str("path", s.configPath).Msg("Failed to remove engine config")
	}
	s.log.Debug().Msg("Supervisor cleaned up")
}
