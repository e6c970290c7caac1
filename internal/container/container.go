package container

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"position-sync-go/config"
	"position-sync-go/gateway"
	"position-sync-go/infrastructure/alert"
	"position-sync-go/infrastructure/logger"
	"position-sync-go/infrastructure/monitor"
	"position-sync-go/internal/engine"
	"position-sync-go/inventory"
	"position-sync-go/market"
	"position-sync-go/monitor/logschema"
	"position-sync-go/risk"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	cfgPath string

	mu          sync.RWMutex
	cfg         config.AppConfig
	instruments []market.Instrument

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 预测服务
	client *gateway.Client

	// 核心服务
	ledger    *inventory.Ledger
	driver    *engine.Driver
	scheduler *engine.Scheduler
	watcher   *config.Watcher

	statusServer *http.Server
	lifecycle    *LifecycleManager

	clock risk.Clock
}

// New 加载配置；配置错误直接返回，由调用方终止进程。
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	insts, err := cfg.BuildInstruments()
	if err != nil {
		return nil, fmt.Errorf("build instruments failed: %w", err)
	}
	return &Container{
		cfgPath:     configPath,
		cfg:         cfg,
		instruments: insts,
		lifecycle:   NewLifecycleManager(),
		clock:       risk.SystemClock,
	}, nil
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	c.buildGateway()
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	c.logger.Info("container built",
		zap.String("env", c.cfg.Env),
		zap.Int("instruments", len(c.instruments)),
	)
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.monitor = monitor.New(monitor.DefaultConfig())
	c.alerts = alert.NewManager([]alert.Channel{
		alert.NewZapChannel("log", c.logger.Logger),
		alert.NewConsoleChannel("console", os.Stderr),
	}, c.cfg.Alert.ThrottleInterval(), nil)
	return nil
}

func (c *Container) buildGateway() {
	svc := c.cfg.Service
	c.client = gateway.NewClient(gateway.ClientConfig{
		BaseURL:      svc.BaseURL,
		APIKey:       svc.APIKey,
		Timeout:      svc.Timeout(),
		RateLimit:    svc.RateLimit,
		Burst:        svc.Burst,
		LookbackDays: svc.LookbackDays,
		BarTTL:       time.Duration(svc.PriceCacheSec) * time.Second,
		Breaker: gateway.BreakerConfig{
			ConsecutiveFailures: svc.BreakerFailures,
			OpenTimeout:         time.Duration(svc.BreakerTimeoutSec) * time.Second,
			OnStateChange: func(name, from, to string) {
				c.monitor.UpdateBreakerState(to)
				c.logger.LogFetch(logschema.EventBreakerStateFlip, map[string]interface{}{
					"name": name, "from": from, "to": to,
				})
			},
		},
	})
	c.client.OnRequest = func(op string, elapsed time.Duration, _ error) {
		c.monitor.RecordRequest(op, elapsed)
	}
	c.client.OnUsage = func(u gateway.APIUsage) {
		c.monitor.UpdateAPIUsage(u.Remaining, u.Balance)
	}
}

func (c *Container) buildCoreServices() error {
	c.ledger = inventory.NewLedger()

	var err error
	c.driver, err = engine.New(engine.Config{
		Concurrency:  c.cfg.Engine.Concurrency,
		FetchTimeout: time.Duration(c.cfg.Engine.FetchTimeoutMs) * time.Millisecond,
	}, engine.Components{
		Ledger:   c.ledger,
		Source:   c.client,
		Sink:     c.logger,
		Recorder: c.monitor,
		Alerts:   c.alerts,
	})
	if err != nil {
		return err
	}

	schedCfg, err := schedulerConfig(c.cfg.Schedule)
	if err != nil {
		return err
	}
	c.scheduler = engine.NewScheduler(schedCfg, c.driver, c.Instruments)
	c.scheduler.OnSkip(c.monitor.RecordRunSkipped)

	c.watcher, err = config.NewWatcher(c.cfgPath, 5*time.Second)
	if err != nil {
		return err
	}
	c.watcher.OnError = func(err error) {
		c.logger.LogError(err, map[string]interface{}{"action": "config_reload", "path": c.cfgPath})
		_ = c.alerts.ConfigRejected(c.cfgPath, err)
	}
	return nil
}

// schedulerConfig 配置中未写触发点时使用默认时刻表
func schedulerConfig(s config.ScheduleConfig) (engine.SchedulerConfig, error) {
	loc := time.Local
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return engine.SchedulerConfig{}, err
		}
		loc = l
	}
	out := engine.SchedulerConfig{
		Location:     loc,
		Tolerance:    s.Tolerance,
		SkipWeekends: s.SkipsWeekends(),
	}
	if len(s.Triggers) == 0 {
		return out, nil
	}
	for _, t := range s.Triggers {
		at, err := engine.ParseClockTime(t.At)
		if err != nil {
			return out, err
		}
		src, err := engine.ParseDataSource(t.Source)
		if err != nil {
			return out, err
		}
		out.Triggers = append(out.Triggers, engine.Trigger{At: at, Source: src, Name: t.Name})
	}
	if s.SummaryAt != "" {
		at, err := engine.ParseClockTime(s.SummaryAt)
		if err != nil {
			return out, err
		}
		out.Triggers = append(out.Triggers, engine.Trigger{At: at, Summary: true, Name: "close"})
	}
	return out, nil
}

// lateWindow 尾盘时段，配置缺省时 14:00-15:00
func (c *Container) lateWindow() engine.Window {
	w := engine.DefaultLateWindow
	if start, err := engine.ParseClockTime(c.cfg.Schedule.LateWindow.Start); err == nil {
		w.Start = start
	}
	if end, err := engine.ParseClockTime(c.cfg.Schedule.LateWindow.End); err == nil {
		w.End = end
	}
	return w
}

func (c *Container) registerLifecycleComponents() {
	c.lifecycle.OnState = func(name, state string, err error) {
		fields := map[string]interface{}{"component": name, "state": state}
		if err != nil {
			fields["error"] = err.Error()
		}
		c.logger.LogRun(logschema.EventComponentState, fields)
	}
	c.lifecycle.Register("status_server", &statusEndpoint{
		handler: c.Router(),
		addr:    c.cfg.HTTP.Addr,
		logger:  c.logger,
		server:  &c.statusServer,
	})
	c.lifecycle.Register("config_watcher", &watcherComponent{watcher: c.watcher, onUpdate: c.applyConfig})
	c.lifecycle.Register("scheduler", c.scheduler)
}

// Router 状态接口：/metrics /healthz /summary
func (c *Container) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", c.monitor.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := c.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(c.lifecycle.Status())
	}).Methods(http.MethodGet)
	r.HandleFunc("/summary", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.driver.Summarize())
	}).Methods(http.MethodGet)
	return r
}

// applyConfig 热更新只替换品种列表，下一批次生效；已有账本记录保留创建时的资金与做空权限。
func (c *Container) applyConfig(cfg config.AppConfig) {
	insts, err := cfg.BuildInstruments()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "config_reload", "path": c.cfgPath})
		_ = c.alerts.ConfigRejected(c.cfgPath, err)
		return
	}
	c.mu.Lock()
	c.cfg.Instruments = cfg.Instruments
	c.cfg.Capital = cfg.Capital
	c.instruments = insts
	c.mu.Unlock()
	c.logger.LogRun(logschema.EventConfigReload, map[string]interface{}{
		"path":        c.cfgPath,
		"instruments": len(insts),
	})
}

// Instruments 当前生效的品种列表
func (c *Container) Instruments() []market.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]market.Instrument, len(c.instruments))
	copy(out, c.instruments)
	return out
}

// selfTestTargets 每个市场取配置中的第一个品种，按市场分类顺序排列。
func selfTestTargets(insts []market.Instrument) []market.Instrument {
	first := make(map[market.Classification]market.Instrument)
	for _, inst := range insts {
		if _, ok := first[inst.Class()]; !ok {
			first[inst.Class()] = inst
		}
	}
	out := make([]market.Instrument, 0, len(first))
	for _, class := range market.Classifications() {
		if inst, ok := first[class]; ok {
			out = append(out, inst)
		}
	}
	return out
}

// SelfTest 每个市场探测一次历史与实时接口，然后补全未配置的显示名。
func (c *Container) SelfTest(ctx context.Context) []gateway.ProbeResult {
	targets := selfTestTargets(c.Instruments())
	results := make([]gateway.ProbeResult, 0, len(targets))
	for _, inst := range targets {
		res := c.client.Probe(ctx, inst)
		fields := map[string]interface{}{
			"market":     res.Market,
			"instrument": res.Instrument,
			"ok":         res.OK(),
			"historical": res.Historical,
			"realtime":   res.Realtime,
			"elapsedMs":  res.Elapsed.Milliseconds(),
		}
		if res.HistoryErr != nil {
			fields["historyError"] = res.HistoryErr.Error()
		}
		if res.RealtimeErr != nil {
			fields["realtimeError"] = res.RealtimeErr.Error()
		}
		c.logger.LogRun(logschema.EventSelfTest, fields)
		results = append(results, res)
	}
	c.ResolveNames(ctx)
	return results
}

// ResolveNames 用基础信息接口补全没有配置 name 的品种，返回补全数量。失败只记日志。
func (c *Container) ResolveNames(ctx context.Context) int {
	names := make(map[string]string)
	for _, inst := range c.Instruments() {
		if inst.Named() {
			continue
		}
		info, err := c.client.FetchBasicInfo(ctx, inst)
		if err != nil {
			c.logger.LogFetch(logschema.EventFetchFailed, map[string]interface{}{
				"instrument": inst.ID(),
				"stage":      gateway.OpBasic,
				"kind":       gateway.KindOf(err).String(),
				"error":      err.Error(),
			})
			continue
		}
		if info.Name != "" {
			names[inst.ID()] = info.Name
		}
	}
	if len(names) == 0 {
		return 0
	}
	c.mu.Lock()
	for i, inst := range c.instruments {
		if name, ok := names[inst.ID()]; ok && !inst.Named() {
			c.instruments[i] = inst.WithName(name)
		}
	}
	c.mu.Unlock()
	c.logger.LogRun(logschema.EventNamesResolved, map[string]interface{}{"count": len(names)})
	return len(names)
}

// startupSource 尾盘时段用实时预测，其余用历史数据。
func (c *Container) startupSource() (engine.DataSource, error) {
	loc, err := c.cfg.Location()
	if err != nil {
		return 0, err
	}
	return engine.StartupSource(c.clock.Now().In(loc), c.lateWindow()), nil
}

// StartupSync 启动时同步一次。
func (c *Container) StartupSync(ctx context.Context) (engine.RunReport, error) {
	src, err := c.startupSource()
	if err != nil {
		return engine.RunReport{}, err
	}
	return c.driver.ReconcileAll(ctx, c.Instruments(), src, engine.WithReason("startup"))
}

// Popularity 查询人气指数。
func (c *Container) Popularity(ctx context.Context, days int, unit string) ([]gateway.PopularityRow, error) {
	return c.client.FetchPopularity(ctx, days, unit)
}

// SyncOnce 立即执行一轮对账。
func (c *Container) SyncOnce(ctx context.Context, src engine.DataSource) (engine.RunReport, error) {
	return c.driver.ReconcileAll(ctx, c.Instruments(), src, engine.WithReason("manual"))
}

func (c *Container) Driver() *engine.Driver       { return c.driver }
func (c *Container) Logger() *logger.Logger       { return c.logger }
func (c *Container) Scheduler() *engine.Scheduler { return c.scheduler }
func (c *Container) Config() config.AppConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Container) Start(ctx context.Context) error {
	c.registerLifecycleComponents()
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件并输出最终汇总
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	c.driver.LogSummary(c.driver.Summarize())
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}
