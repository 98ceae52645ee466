package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-monitor/common/database"
	mqttcommon "wisefido-monitor/common/mqtt"
	rediscommon "wisefido-monitor/common/redis"
	"wisefido-monitor/internal/alerts"
	"wisefido-monitor/internal/cache"
	"wisefido-monitor/internal/classifier"
	"wisefido-monitor/internal/config"
	"wisefido-monitor/internal/connection"
	"wisefido-monitor/internal/consumer"
	"wisefido-monitor/internal/engine"
	"wisefido-monitor/internal/export"
	"wisefido-monitor/internal/models"
	"wisefido-monitor/internal/pull"
	"wisefido-monitor/internal/repository"
	"wisefido-monitor/internal/risk"
	"wisefido-monitor/internal/router"
	"wisefido-monitor/internal/store"

	"go.uber.org/zap"
)

// RangeLoader 按租户加载生命体征参考范围
type RangeLoader interface {
	LoadRanges(ctx context.Context, tenantID string) (classifier.Ranges, error)
}

// MirrorStore 告警列表镜像：引擎写入，启动时回放
type MirrorStore interface {
	engine.Mirror
	Load(ctx context.Context, patientID string) (router.PullResult, bool, error)
}

// Deps 外部依赖（测试可注入）。Dialer 和 Fetcher 必填，其余可为 nil。
type Deps struct {
	Dialer  connection.Dialer
	Fetcher engine.Fetcher
	Intents alerts.IntentSink
	Mirror  MirrorStore
	Ranges  RangeLoader
	Vitals  consumer.Subscriber
	// Closers 在 Stop 最后逆序执行
	Closers []func() error
}

// MonitorService 监护会话（整合各层）
type MonitorService struct {
	config *config.Config
	deps   Deps
	logger *zap.Logger

	engine     *engine.Engine
	supervisor *connection.Supervisor
	vitals     *consumer.VitalsConsumer
	status     *statusLogger

	engineCancel context.CancelFunc
	engineDone   chan struct{}

	mu     sync.Mutex
	topics map[string]int
}

// NewMonitorService 创建服务并连接配置中启用的后端
func NewMonitorService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	client := pull.NewClient(pull.Config{
		BaseURL:    cfg.API.BaseURL,
		Token:      cfg.API.Token,
		Timeout:    cfg.API.Timeout,
		RetryCount: cfg.API.RetryCount,
		RetryWait:  cfg.API.RetryWait,
	}, logger)

	deps := Deps{
		Dialer:  connection.NewWebsocketDialer(cfg.Push.URL, cfg.Push.HandshakeTimeout),
		Fetcher: client,
		Intents: client,
	}

	// 1. 连接 Redis（告警镜像 / 意图 stream）
	if cfg.NeedsRedis() {
		redisClient, err := rediscommon.Connect(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		deps.Closers = append(deps.Closers, redisClient.Close)

		if cfg.Persist.Enabled {
			deps.Mirror = store.NewAlertMirror(store.NewRedisKV(redisClient), cfg.Persist.KeyPrefix, cfg.Persist.TTL, logger)
		}
		if cfg.Intents.Sink == config.IntentSinkStream {
			deps.Intents = store.NewStreamIntentSink(redisClient, cfg.Intents.Stream, logger)
		}
	}

	// 2. 连接数据库（按租户加载参考范围）
	if cfg.Monitor.RangesSource == config.RangesPostgres {
		db, err := database.Open(ctx, &cfg.Database)
		if err != nil {
			closeAll(deps.Closers, logger)
			return nil, err
		}
		deps.Closers = append(deps.Closers, db.Close)
		deps.Ranges = repository.NewReferenceRangeRepository(db, logger)
	}

	// 3. 连接 MQTT（床旁生命体征）
	if cfg.Vitals.MQTTEnabled {
		mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			closeAll(deps.Closers, logger)
			return nil, err
		}
		deps.Closers = append(deps.Closers, func() error { mqttClient.Disconnect(); return nil })
		deps.Vitals = mqttClient
	}

	svc, err := New(ctx, cfg, deps, logger)
	if err != nil {
		closeAll(deps.Closers, logger)
		return nil, err
	}
	return svc, nil
}

// New 使用注入的依赖创建服务，并启动引擎
func New(ctx context.Context, cfg *config.Config, deps Deps, logger *zap.Logger) (*MonitorService, error) {
	if deps.Dialer == nil || deps.Fetcher == nil {
		return nil, errors.New("monitor service: dialer and fetcher are required")
	}

	ranges := classifier.DefaultRanges()
	if deps.Ranges != nil {
		loaded, err := deps.Ranges.LoadRanges(ctx, cfg.Monitor.TenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to load reference ranges: %w", err)
		}
		ranges = loaded
	}

	var mirror engine.Mirror
	if deps.Mirror != nil {
		mirror = deps.Mirror
	}

	s := &MonitorService{
		config:     cfg,
		deps:       deps,
		logger:     logger,
		status:     newStatusLogger(logger),
		engineDone: make(chan struct{}),
		topics:     make(map[string]int),
	}
	s.engine = engine.New(engine.Options{
		InvalidateDelay: cfg.Monitor.InvalidateDelay,
		Ranges:          ranges,
		Thresholds: risk.Thresholds{
			MedicationCount: cfg.Monitor.Risk.MedicationThreshold,
			HistoryLength:   cfg.Monitor.Risk.HistoryThreshold,
		},
		Fatal: func(err error) bool { return errors.Is(err, pull.ErrUnauthorized) },
	}, engine.Deps{
		Fetcher: deps.Fetcher,
		Intents: deps.Intents,
		Mirror:  mirror,
	}, logger)

	s.supervisor = connection.NewSupervisor(deps.Dialer, connection.StaticToken(cfg.API.Token), connection.Options{
		MinBackoff:  cfg.Push.MinBackoff,
		MaxBackoff:  cfg.Push.MaxBackoff,
		StableAfter: cfg.Push.StableAfter,
		MaxAttempts: cfg.Push.MaxAttempts,
	}, connection.Hooks{
		OnFrame:       s.onFrame,
		OnStateChange: s.onStateChange,
		OnConnected:   s.engine.RefreshPinned,
	}, logger)

	if deps.Vitals != nil {
		s.vitals = consumer.NewVitalsConsumer(deps.Vitals, s.engine, cfg.Vitals.Topic, logger)
	}

	// 引擎独立于 Start 的 ctx 运行，Stop 时先导出看板再停止
	engineCtx, cancel := context.WithCancel(context.Background())
	s.engineCancel = cancel
	go func() {
		defer close(s.engineDone)
		_ = s.engine.Run(engineCtx)
	}()

	return s, nil
}

// Engine 返回核心引擎，供直接关注 key 的调用方使用
func (s *MonitorService) Engine() *engine.Engine { return s.engine }

// ConnectionState 推送通道当前状态
func (s *MonitorService) ConnectionState() connection.State { return s.supervisor.State() }

// Start 启动服务：关注配置中的患者、回放告警镜像、保持推送连接。
// 阻塞直到 ctx 结束；凭证被拒绝时返回 connection.ErrAuthRejected。
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting monitor service",
		zap.Strings("watch_patients", s.config.Monitor.WatchPatients),
		zap.Strings("pinned_patients", s.config.Monitor.PinnedPatients),
	)

	for _, pid := range s.config.Monitor.WatchPatients {
		if err := s.WatchPatient(pid); err != nil {
			return err
		}
	}
	for _, pid := range s.config.Monitor.PinnedPatients {
		if err := s.PinPatient(pid); err != nil {
			return err
		}
	}
	s.replayMirror(ctx)

	if s.vitals != nil {
		if err := s.vitals.Start(ctx); err != nil {
			return fmt.Errorf("failed to start vitals consumer: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.supervisor.Run(runCtx) }()

	var err error
	select {
	case err = <-runErr:
	case pullErr := <-s.engine.Failed():
		// REST 凭证被拒绝：结束会话，不再用旧凭证重连
		cancel()
		<-runErr
		err = fmt.Errorf("%w: %w", connection.ErrAuthRejected, pullErr)
	}
	if err != nil {
		s.logger.Error("Push channel stopped", zap.Error(err))
	}
	return err
}

// replayMirror 启动时回放告警镜像，按 savedAt 参与新旧比较
func (s *MonitorService) replayMirror(ctx context.Context) {
	if s.deps.Mirror == nil {
		return
	}
	for _, pid := range s.patients() {
		res, ok, err := s.deps.Mirror.Load(ctx, pid)
		if err != nil {
			s.logger.Warn("Failed to load alert mirror", zap.String("patient_id", pid), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := s.engine.ApplyPull(res); err != nil {
			s.logger.Warn("Failed to replay alert mirror", zap.String("patient_id", pid), zap.Error(err))
			continue
		}
		s.logger.Info("Replayed alert mirror",
			zap.String("patient_id", pid),
			zap.Int("alerts", len(res.Items)),
			zap.Time("saved_at", res.FetchedAt),
		)
	}
}

func (s *MonitorService) patients() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{s.config.Monitor.WatchPatients, s.config.Monitor.PinnedPatients} {
		for _, pid := range list {
			if !seen[pid] {
				seen[pid] = true
				out = append(out, pid)
			}
		}
	}
	return out
}

// Stop 停止服务：导出看板、停止引擎、关闭连接
func (s *MonitorService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping monitor service")

	if s.vitals != nil {
		_ = s.vitals.Stop(ctx)
	}

	var exportErr error
	if s.config.ExportPath != "" {
		exportErr = s.ExportStatusBoard(s.config.ExportPath)
		if exportErr != nil {
			s.logger.Error("Failed to export status board", zap.Error(exportErr))
		}
	}

	// 先停循环（取消待发拉取），之后不会再有新的后台任务
	s.engineCancel()
	<-s.engineDone

	waited := make(chan struct{})
	go func() {
		s.engine.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		s.logger.Warn("Stopped before background work finished", zap.Error(ctx.Err()))
	}

	closeAll(s.deps.Closers, s.logger)
	return exportErr
}

// ExportStatusBoard 把当前患者摘要导出为 .xlsx 看板
func (s *MonitorService) ExportStatusBoard(path string) error {
	summaries, err := s.engine.Summaries()
	if err != nil {
		return err
	}
	rows := make([]export.BoardRow, 0, len(summaries))
	for _, sum := range summaries {
		active, err := s.engine.ActiveAlerts(sum.PatientID)
		if err != nil {
			return err
		}
		rows = append(rows, export.NewBoardRow(sum, active))
	}
	if err := export.WriteStatusBoard(path, rows, time.Now()); err != nil {
		return err
	}
	s.logger.Info("Exported status board", zap.String("path", path), zap.Int("patients", len(rows)))
	return nil
}

// WatchPatient 关注患者：摘要 + 告警列表 + 生命体征面板
func (s *MonitorService) WatchPatient(pid string) error {
	for _, key := range watchKeys(pid) {
		if err := s.engine.Watch(key, s.status); err != nil {
			return fmt.Errorf("failed to watch %s: %w", key, err)
		}
	}
	s.retainTopic(pid)
	return nil
}

// UnwatchPatient 取消关注
func (s *MonitorService) UnwatchPatient(pid string) error {
	for _, key := range watchKeys(pid) {
		if err := s.engine.Unwatch(key, s.status); err != nil {
			return fmt.Errorf("failed to unwatch %s: %w", key, err)
		}
	}
	s.releaseTopic(pid)
	return nil
}

// PinPatient 固定患者摘要：无人关注时也保留，重连后刷新
func (s *MonitorService) PinPatient(pid string) error {
	if err := s.engine.Pin(models.SummaryKey(pid)); err != nil {
		return fmt.Errorf("failed to pin %s: %w", pid, err)
	}
	s.retainTopic(pid)
	return nil
}

// UnpinPatient 取消固定
func (s *MonitorService) UnpinPatient(pid string) error {
	if err := s.engine.Unpin(models.SummaryKey(pid)); err != nil {
		return fmt.Errorf("failed to unpin %s: %w", pid, err)
	}
	s.releaseTopic(pid)
	return nil
}

// Acknowledge 确认告警
func (s *MonitorService) Acknowledge(alertID string) (bool, error) {
	return s.engine.Acknowledge(alertID)
}

// Dismiss 关闭告警
func (s *MonitorService) Dismiss(alertID string) (bool, error) {
	return s.engine.Dismiss(alertID)
}

func watchKeys(pid string) []cache.Key {
	return []cache.Key{models.SummaryKey(pid), models.AlertsKey(pid), models.VitalsKey(pid)}
}

// PatientTopic 患者的推送订阅主题
func PatientTopic(pid string) string { return "patient:" + pid }

func (s *MonitorService) retainTopic(pid string) {
	topic := PatientTopic(pid)
	s.mu.Lock()
	s.topics[topic]++
	first := s.topics[topic] == 1
	s.mu.Unlock()

	if first {
		if err := s.supervisor.Subscribe(topic); err != nil {
			s.logger.Warn("Failed to subscribe topic", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (s *MonitorService) releaseTopic(pid string) {
	topic := PatientTopic(pid)
	s.mu.Lock()
	n, ok := s.topics[topic]
	if ok {
		n--
		if n <= 0 {
			delete(s.topics, topic)
		} else {
			s.topics[topic] = n
		}
	}
	s.mu.Unlock()

	if ok && n <= 0 {
		if err := s.supervisor.Unsubscribe(topic); err != nil {
			s.logger.Warn("Failed to unsubscribe topic", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// onFrame 把推送帧交给引擎；无路由的事件类型在此丢弃
func (s *MonitorService) onFrame(f connection.Frame) {
	if !router.Known(f.Type) {
		s.logger.Debug("Ignored push frame with unknown type", zap.String("type", f.Type))
		return
	}
	s.engine.HandlePush(router.Event{Type: f.Type, Payload: f.Data, Timestamp: f.Timestamp})
}

func (s *MonitorService) onStateChange(from, to connection.State) {
	s.logger.Info("Push channel state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("session_id", s.supervisor.SessionID()),
	)
}

func closeAll(closers []func() error, logger *zap.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Error("Failed to close resource", zap.Error(err))
		}
	}
}

var _ RangeLoader = (*repository.ReferenceRangeRepository)(nil)
var _ MirrorStore = (*store.AlertMirror)(nil)
var _ consumer.Subscriber = (*mqttcommon.Client)(nil)
