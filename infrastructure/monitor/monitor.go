package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器，每个实例独立 registry
type Monitor struct {
	registry *prometheus.Registry

	// 批次指标
	runs        *prometheus.CounterVec
	runsSkipped *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// 对账指标
	transitions      *prometheus.CounterVec
	failures         *prometheus.CounterVec
	shortsSuppressed prometheus.Counter

	// 仓位指标
	targetExposure *prometheus.GaugeVec
	units          *prometheus.GaugeVec
	notional       *prometheus.GaugeVec
	exposure       *prometheus.GaugeVec
	utilisation    prometheus.Gauge

	// 上游指标
	requests     *prometheus.CounterVec
	fetchErrors  *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	apiRemaining prometheus.Gauge
	apiBalance   prometheus.Gauge
	breakerOpen  prometheus.Gauge
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "possync",
		Subsystem: "reconcile",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Monitor{
		registry: reg,

		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "runs_total",
			Help: "完成的对账批次数",
		}, []string{"source"}),
		runsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "runs_skipped_total",
			Help: "因上一批次未结束而跳过的触发次数",
		}, []string{"trigger"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "run_duration_seconds",
			Help:    "单批次耗时（秒）",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"source"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "transitions_total",
			Help: "按调整动作统计的对账次数",
		}, []string{"transition"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "instrument_failures_total",
			Help: "单品种对账失败次数",
		}, []string{"stage"}),
		shortsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "shorts_suppressed_total",
			Help: "只做多品种被抑制的做空信号次数",
		}),

		targetExposure: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "target_exposure",
			Help: "当前目标仓位比例",
		}, []string{"instrument"}),
		units: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "position_units",
			Help: "当前持仓单位数（带符号）",
		}, []string{"instrument"}),
		notional: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "notional_value",
			Help: "多头/空头/净持仓市值",
		}, []string{"side"}),
		exposure: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "portfolio_exposure",
			Help: "总/净风险敞口（相对分配资金）",
		}, []string{"kind"}),
		utilisation: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "capital_utilisation",
			Help: "保证金占分配资金比例",
		}),

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "upstream",
			Name: "requests_total",
			Help: "预测服务请求数",
		}, []string{"op"}),
		fetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "upstream",
			Name: "fetch_errors_total",
			Help: "预测服务失败次数",
		}, []string{"kind"}),
		fetchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "upstream",
			Name:    "latency_seconds",
			Help:    "预测服务请求延迟（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		apiRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "upstream",
			Name: "api_remaining_calls",
			Help: "服务端返回的剩余调用次数",
		}),
		apiBalance: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "upstream",
			Name: "api_balance",
			Help: "服务端返回的剩余积分",
		}),
		breakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "upstream",
			Name: "breaker_open",
			Help: "熔断器状态(0=closed,0.5=half-open,1=open)",
		}),
	}
}

// 批次
func (m *Monitor) RecordRun(source string, d time.Duration) {
	m.runs.WithLabelValues(source).Inc()
	m.runDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Monitor) RecordRunSkipped(trigger string) {
	m.runsSkipped.WithLabelValues(trigger).Inc()
}

// 对账
func (m *Monitor) RecordTransition(transition string) {
	m.transitions.WithLabelValues(transition).Inc()
}

func (m *Monitor) RecordFailure(stage string) {
	m.failures.WithLabelValues(stage).Inc()
}

func (m *Monitor) RecordShortSuppressed() {
	m.shortsSuppressed.Inc()
}

// 仓位
func (m *Monitor) UpdatePosition(instrument string, exposure float64, units int64) {
	m.targetExposure.WithLabelValues(instrument).Set(exposure)
	m.units.WithLabelValues(instrument).Set(float64(units))
}

func (m *Monitor) UpdatePortfolio(long, short, net, gross, netExposure, utilisation float64) {
	m.notional.WithLabelValues("long").Set(long)
	m.notional.WithLabelValues("short").Set(short)
	m.notional.WithLabelValues("net").Set(net)
	m.exposure.WithLabelValues("gross").Set(gross)
	m.exposure.WithLabelValues("net").Set(netExposure)
	m.utilisation.Set(utilisation)
}

// 上游
func (m *Monitor) RecordRequest(op string, elapsed time.Duration) {
	m.requests.WithLabelValues(op).Inc()
	m.fetchLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Monitor) RecordFetchError(kind string) {
	m.fetchErrors.WithLabelValues(kind).Inc()
}

func (m *Monitor) UpdateAPIUsage(remaining, balance float64) {
	m.apiRemaining.Set(remaining)
	m.apiBalance.Set(balance)
}

func (m *Monitor) UpdateBreakerState(state string) {
	switch state {
	case "open":
		m.breakerOpen.Set(1)
	case "half-open":
		m.breakerOpen.Set(0.5)
	default:
		m.breakerOpen.Set(0)
	}
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
