package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"position-sync-go/gateway"
	"position-sync-go/inventory"
	"position-sync-go/market"
	"position-sync-go/monitor/logschema"
	"position-sync-go/order"
	"position-sync-go/risk"
)

// ErrRunInProgress 上一批次尚未结束。
var ErrRunInProgress = errors.New("reconcile run already in progress")

// DataSource 目标仓位的数据来源
type DataSource int

const (
	// SourceHistorical 历史表（前一交易日收盘后生成）
	SourceHistorical DataSource = iota + 1
	// SourceRealtime 实时预测（用当日价格序列）
	SourceRealtime
)

func (s DataSource) String() string {
	switch s {
	case SourceHistorical:
		return "history"
	case SourceRealtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// ParseDataSource 解析配置/命令行中的数据源名称
func ParseDataSource(s string) (DataSource, error) {
	switch s {
	case "history", "historical":
		return SourceHistorical, nil
	case "realtime", "real-time":
		return SourceRealtime, nil
	}
	return 0, fmt.Errorf("unknown data source %q", s)
}

// Source 上游数据，gateway.Client 实现
type Source interface {
	FetchRealtimeExposure(ctx context.Context, inst market.Instrument) (float64, error)
	FetchHistoricalExposure(ctx context.Context, inst market.Instrument, date time.Time) (float64, error)
	FetchLatestPrice(ctx context.Context, inst market.Instrument) (float64, error)
}

// EventSink 结构化事件输出，*logger.Logger 实现
type EventSink interface {
	LogReconcile(event string, fields map[string]interface{})
	LogRun(event string, fields map[string]interface{})
	LogRisk(event string, fields map[string]interface{})
	LogFetch(event string, fields map[string]interface{})
	LogInvariant(fields map[string]interface{})
}

// Recorder 指标，*monitor.Monitor 实现
type Recorder interface {
	RecordRun(source string, d time.Duration)
	RecordTransition(transition string)
	RecordFailure(stage string)
	RecordFetchError(kind string)
	RecordShortSuppressed()
	UpdatePosition(instrument string, exposure float64, units int64)
	UpdatePortfolio(long, short, net, gross, netExposure, utilisation float64)
}

// Alerter 告警，*alert.Manager 实现
type Alerter interface {
	ShortSuppressed(instrument string, raw float64) error
	InstrumentFailed(instrument, stage string, err error) error
	InvariantViolated(v *risk.InvariantViolation) error
}

// Fetched 一次上游读取的结果
type Fetched struct {
	Value float64
	Err   error
}

// Ok 构造成功结果
func Ok(v float64) Fetched { return Fetched{Value: v} }

// Failed 构造失败结果
func Failed(err error) Fetched { return Fetched{Err: err} }

// Config 驱动配置
type Config struct {
	Concurrency  int           // 并发拉取的品种数
	FetchTimeout time.Duration // 单次上游调用超时
}

// Components 驱动依赖
type Components struct {
	Ledger   *inventory.Ledger
	Source   Source
	Sink     EventSink
	Recorder Recorder
	Alerts   Alerter
	Clock    risk.Clock
}

// Driver 逐品种执行 拉取 -> 裁剪 -> 分类 -> 计算数量 -> 写账本。
type Driver struct {
	cfg      Config
	ledger   *inventory.Ledger
	source   Source
	sink     EventSink
	recorder Recorder
	alerts   Alerter
	clock    risk.Clock

	running atomic.Bool

	mu       sync.RWMutex
	outcomes map[string]Outcome
	known    map[string]market.Instrument
}

// New 创建驱动
func New(cfg Config, c Components) (*Driver, error) {
	if c.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	d := &Driver{
		cfg:      cfg,
		ledger:   c.Ledger,
		source:   c.Source,
		sink:     c.Sink,
		recorder: c.Recorder,
		alerts:   c.Alerts,
		clock:    c.Clock,
		outcomes: make(map[string]Outcome),
		known:    make(map[string]market.Instrument),
	}
	if d.sink == nil {
		d.sink = nopSink{}
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	if d.alerts == nil {
		d.alerts = nopAlerter{}
	}
	if d.clock == nil {
		d.clock = risk.SystemClock
	}
	return d, nil
}

// Ledger 暴露账本只读访问
func (d *Driver) Ledger() *inventory.Ledger { return d.ledger }

// Running 是否有批次在执行
func (d *Driver) Running() bool { return d.running.Load() }

// ReconcileOne 用已取得的仓位与价格对单个品种对账。上游失败时不动账本。
func (d *Driver) ReconcileOne(inst market.Instrument, exposure, price Fetched, reason string) Outcome {
	return d.reconcile(inst, exposure, price, reason, 0)
}

func (d *Driver) reconcile(inst market.Instrument, exposure, price Fetched, reason string, tolerance float64) Outcome {
	id := inst.ID()
	out := Outcome{InstrumentID: id, Reason: reason, RawExposure: exposure.Value, Price: price.Value}
	d.remember(inst)

	if exposure.Err != nil {
		out = d.fail(out, StageFetchExposure, exposure.Err)
		d.store(out)
		return out
	}

	n := risk.Normalize(exposure.Value, inst)
	if n.ShortSuppressed {
		out.ShortSuppressed = true
		d.recorder.RecordShortSuppressed()
		d.sink.LogRisk(logschema.EventShortSuppressed, map[string]interface{}{
			"instrument": id,
			"raw":        n.Raw,
		})
		_ = d.alerts.ShortSuppressed(id, n.Raw)
	}

	stage := ""
	prev, next, upd, err := d.ledger.Reconcile(inst, func(prev inventory.PositionRecord) (inventory.Update, error) {
		target := n.Value
		if tolerance > 0 && math.Abs(target-prev.TargetExposure) <= tolerance {
			target = prev.TargetExposure
		}
		kind := inventory.Classify(prev.TargetExposure, target)
		if kind == inventory.Unchanged {
			return inventory.Update{Kind: kind, Exposure: prev.TargetExposure, Units: prev.Units}, nil
		}
		// 归零不需要价格
		if target == 0 {
			mark := 0.0
			if price.Err == nil {
				mark = price.Value
			}
			return inventory.Update{Kind: kind, Exposure: 0, Units: 0, MarkPrice: mark, Reason: reason}, nil
		}
		if price.Err != nil {
			stage = StageFetchPrice
			return inventory.Update{Kind: kind}, price.Err
		}
		// 按账本记录的口径换算，不用热加载后的品种配置
		basis := order.Basis{InstrumentID: id, Capital: prev.AllocatedCapital, Leverage: prev.Leverage, LotSize: prev.LotSize}
		units, err := basis.Units(target, price.Value)
		if err != nil {
			stage = StageSizing
			return inventory.Update{Kind: kind}, err
		}
		limits := order.ConstraintsFor(inst)
		limits.LotSize = prev.LotSize
		units = limits.Clamp(units)
		return inventory.Update{Kind: kind, Exposure: target, Units: units, MarkPrice: price.Value, Reason: reason}, nil
	})

	out.Transition = upd.Kind
	out.OldExposure, out.OldUnits = prev.TargetExposure, prev.Units
	if err != nil {
		if stage == "" && errors.Is(err, risk.ErrInvariantViolation) {
			stage = StageInvariant
		}
		out.NewExposure, out.NewUnits = prev.TargetExposure, prev.Units
		out = d.fail(out, stage, err)
		d.store(out)
		return out
	}

	out.NewExposure, out.NewUnits = next.TargetExposure, next.Units
	out.Status = StatusApplied
	if upd.Kind == inventory.Unchanged {
		out.Status = StatusUnchanged
	}
	d.recorder.RecordTransition(upd.Kind.String())
	d.recorder.UpdatePosition(id, next.TargetExposure, next.Units)
	d.sink.LogReconcile(logschema.EventReconcile, map[string]interface{}{
		"instrument":  id,
		"transition":  upd.Kind.String(),
		"oldExposure": out.OldExposure,
		"newExposure": out.NewExposure,
		"oldUnits":    out.OldUnits,
		"newUnits":    out.NewUnits,
		"delta":       out.Delta(),
		"side":        out.TradeSide(),
		"price":       price.Value,
		"reason":      reason,
	})
	d.store(out)
	return out
}

// fail 记录单品种失败，不影响其他品种。
func (d *Driver) fail(out Outcome, stage string, err error) Outcome {
	out.Status = StatusFailed
	if stage == StageFetchExposure || stage == StageFetchPrice {
		out.Status = StatusSkipped
	}
	out.Stage = stage
	out.Err = err
	d.recorder.RecordFailure(stage)

	switch stage {
	case StageFetchExposure, StageFetchPrice:
		kind := gateway.KindOf(err).String()
		d.recorder.RecordFetchError(kind)
		d.sink.LogFetch(logschema.EventFetchFailed, map[string]interface{}{
			"instrument": out.InstrumentID,
			"stage":      stage,
			"kind":       kind,
			"error":      err.Error(),
		})
	case StageSizing:
		d.sink.LogFetch(logschema.EventSizingFailed, map[string]interface{}{
			"instrument": out.InstrumentID,
			"price":      out.Price,
			"error":      err.Error(),
		})
	case StageInvariant:
		var v *risk.InvariantViolation
		if errors.As(err, &v) {
			d.sink.LogInvariant(map[string]interface{}{
				"instrument": v.InstrumentID,
				"rule":       v.Rule,
				"detail":     v.Detail,
			})
			_ = d.alerts.InvariantViolated(v)
			return out
		}
	}
	_ = d.alerts.InstrumentFailed(out.InstrumentID, stage, err)
	return out
}

// RunOption 批次参数
type RunOption func(*runParams)

type runParams struct {
	reason    string
	tolerance float64
	date      time.Time
}

// WithReason 写入账本的原因标签
func WithReason(reason string) RunOption {
	return func(p *runParams) { p.reason = reason }
}

// WithTolerance |新-旧| 不超过 tol 时视为不变
func WithTolerance(tol float64) RunOption {
	return func(p *runParams) {
		if tol > 0 {
			p.tolerance = tol
		}
	}
}

// WithDate 历史数据查询日期，默认取最近交易日
func WithDate(t time.Time) RunOption {
	return func(p *runParams) { p.date = t }
}

// RunReport 一个批次的结果
type RunReport struct {
	RunID     string
	Source    DataSource
	Reason    string
	Started   time.Time
	Duration  time.Duration
	Outcomes  []Outcome
	Applied   int
	Unchanged int
	Failed    int
}

// ReconcileAll 对全部品种执行一轮对账。品种之间互不影响；同一时间只允许一个批次。
func (d *Driver) ReconcileAll(ctx context.Context, instruments []market.Instrument, source DataSource, opts ...RunOption) (RunReport, error) {
	if d.source == nil {
		return RunReport{}, fmt.Errorf("no data source configured")
	}
	if !d.running.CompareAndSwap(false, true) {
		return RunReport{}, ErrRunInProgress
	}
	defer d.running.Store(false)

	p := runParams{}
	for _, opt := range opts {
		opt(&p)
	}
	started := d.clock.Now()
	if p.date.IsZero() {
		p.date = gateway.TradingDate(started)
	}
	rep := RunReport{RunID: uuid.NewString(), Source: source, Started: started}
	if p.reason == "" {
		p.reason = source.String()
	}
	rep.Reason = p.reason + " run=" + rep.RunID[:8]

	d.sink.LogRun(logschema.EventRunStarted, map[string]interface{}{
		"runId":       rep.RunID,
		"source":      source.String(),
		"instruments": len(instruments),
		"date":        gateway.FormatDate(p.date),
	})

	outcomes := make([]Outcome, len(instruments))
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, inst := range instruments {
		g.Go(func() error {
			outcomes[i] = d.runOne(ctx, inst, source, p, rep.Reason)
			return nil
		})
	}
	_ = g.Wait()

	rep.Outcomes = outcomes
	for _, o := range outcomes {
		switch o.Status {
		case StatusApplied:
			rep.Applied++
		case StatusUnchanged:
			rep.Unchanged++
		default:
			rep.Failed++
		}
	}
	rep.Duration = d.clock.Now().Sub(started)
	d.recorder.RecordRun(source.String(), rep.Duration)
	d.sink.LogRun(logschema.EventRunFinished, map[string]interface{}{
		"runId":      rep.RunID,
		"source":     source.String(),
		"applied":    rep.Applied,
		"unchanged":  rep.Unchanged,
		"failed":     rep.Failed,
		"durationMs": rep.Duration.Milliseconds(),
	})
	d.publishSummary(d.Summarize())
	return rep, nil
}

// runOne 拉取数据；每次调用独立超时，单个品种超时不影响整批。
func (d *Driver) runOne(ctx context.Context, inst market.Instrument, source DataSource, p runParams, reason string) Outcome {
	if err := ctx.Err(); err != nil {
		return d.reconcile(inst, Failed(err), Failed(err), reason, p.tolerance)
	}
	exposure := d.fetch(ctx, func(c context.Context) (float64, error) {
		if source == SourceRealtime {
			return d.source.FetchRealtimeExposure(c, inst)
		}
		return d.source.FetchHistoricalExposure(c, inst, p.date)
	})
	price := Failed(errors.New("price not fetched"))
	if exposure.Err == nil {
		price = d.fetch(ctx, func(c context.Context) (float64, error) {
			return d.source.FetchLatestPrice(c, inst)
		})
	}
	return d.reconcile(inst, exposure, price, reason, p.tolerance)
}

func (d *Driver) fetch(ctx context.Context, fn func(context.Context) (float64, error)) Fetched {
	c, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
	defer cancel()
	v, err := fn(c)
	if err != nil {
		return Failed(err)
	}
	return Ok(v)
}

func (d *Driver) remember(inst market.Instrument) {
	d.mu.Lock()
	d.known[inst.ID()] = inst
	d.mu.Unlock()
}

func (d *Driver) store(o Outcome) {
	d.mu.Lock()
	d.outcomes[o.InstrumentID] = o
	d.mu.Unlock()
}

// LastOutcome 品种最近一次对账结果
func (d *Driver) LastOutcome(id string) (Outcome, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.outcomes[id]
	return o, ok
}

type nopSink struct{}

func (nopSink) LogReconcile(string, map[string]interface{}) {}
func (nopSink) LogRun(string, map[string]interface{})       {}
func (nopSink) LogRisk(string, map[string]interface{})      {}
func (nopSink) LogFetch(string, map[string]interface{})     {}
func (nopSink) LogInvariant(map[string]interface{})         {}

type nopRecorder struct{}

func (nopRecorder) RecordRun(string, time.Duration)                             {}
func (nopRecorder) RecordTransition(string)                                     {}
func (nopRecorder) RecordFailure(string)                                        {}
func (nopRecorder) RecordFetchError(string)                                     {}
func (nopRecorder) RecordShortSuppressed()                                      {}
func (nopRecorder) UpdatePosition(string, float64, int64)                       {}
func (nopRecorder) UpdatePortfolio(float64, float64, float64, float64, float64, float64) {}

type nopAlerter struct{}

func (nopAlerter) ShortSuppressed(string, float64) error             { return nil }
func (nopAlerter) InstrumentFailed(string, string, error) error      { return nil }
func (nopAlerter) InvariantViolated(*risk.InvariantViolation) error { return nil }
