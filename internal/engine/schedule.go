package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"position-sync-go/market"
	"position-sync-go/monitor/logschema"
	"position-sync-go/risk"
)

// ClockTime 一天中的时刻（时:分）
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime 解析 "HH:MM"
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c ClockTime) minutes() int { return c.Hour*60 + c.Minute }

// on 给定日期上的该时刻
func (c ClockTime) on(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, day.Location())
}

// Window 左闭右开的时段
type Window struct {
	Start ClockTime
	End   ClockTime
}

// Contains 判断时刻是否落在时段内
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return m >= w.Start.minutes() && m < w.End.minutes()
}

// DefaultLateWindow 尾盘 14:00-15:00
var DefaultLateWindow = Window{Start: ClockTime{14, 0}, End: ClockTime{15, 0}}

// StartupSource 尾盘时段用实时预测，其余时间用历史数据。
func StartupSource(now time.Time, late Window) DataSource {
	if late.Contains(now) {
		return SourceRealtime
	}
	return SourceHistorical
}

// Trigger 定时触发点
type Trigger struct {
	At      ClockTime
	Source  DataSource
	Summary bool // 仅输出汇总，不对账
	Name    string
}

func (t Trigger) label() string {
	if t.Name != "" {
		return t.Name
	}
	if t.Summary {
		return "summary@" + t.At.String()
	}
	return t.Source.String() + "@" + t.At.String()
}

// DefaultTriggers 早盘历史、尾盘实时、收盘后汇总
func DefaultTriggers() []Trigger {
	return []Trigger{
		{At: ClockTime{9, 35}, Source: SourceHistorical, Name: "morning"},
		{At: ClockTime{9, 45}, Source: SourceHistorical, Name: "morning"},
		{At: ClockTime{14, 30}, Source: SourceRealtime, Name: "late"},
		{At: ClockTime{14, 45}, Source: SourceRealtime, Name: "late"},
		{At: ClockTime{15, 5}, Summary: true, Name: "close"},
	}
}

// SchedulerConfig 调度配置
type SchedulerConfig struct {
	Location     *time.Location
	Triggers     []Trigger
	Tolerance    float64
	SkipWeekends bool
}

// Scheduler 在固定钟点触发对账；上一批次未结束时跳过本次触发。
type Scheduler struct {
	cfg         SchedulerConfig
	driver      *Driver
	instruments func() []market.Instrument
	sink        EventSink
	onSkip      func(trigger string)
	onSummary   func(Summary)
	clock       risk.Clock

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
	lastRun time.Time
}

// NewScheduler 创建调度器；instruments 每次触发时调用，支持热更新后的品种列表。
func NewScheduler(cfg SchedulerConfig, d *Driver, instruments func() []market.Instrument) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if len(cfg.Triggers) == 0 {
		cfg.Triggers = DefaultTriggers()
	}
	trig := make([]Trigger, len(cfg.Triggers))
	copy(trig, cfg.Triggers)
	sort.SliceStable(trig, func(i, j int) bool { return trig[i].At.minutes() < trig[j].At.minutes() })
	cfg.Triggers = trig
	return &Scheduler{
		cfg:         cfg,
		driver:      d,
		instruments: instruments,
		sink:        d.sink,
		clock:       d.clock,
	}
}

// OnSkip 触发被跳过时回调（用于指标）
func (s *Scheduler) OnSkip(fn func(trigger string)) { s.onSkip = fn }

// OnSummary 汇总触发时回调
func (s *Scheduler) OnSummary(fn func(Summary)) { s.onSummary = fn }

// Next 返回 now 之后（不含 now）的下一个触发点及其时间。
func (s *Scheduler) Next(now time.Time) (Trigger, time.Time) {
	local := now.In(s.cfg.Location)
	for day := 0; day < 8; day++ {
		date := local.AddDate(0, 0, day)
		if s.cfg.SkipWeekends && (date.Weekday() == time.Saturday || date.Weekday() == time.Sunday) {
			continue
		}
		for _, t := range s.cfg.Triggers {
			at := t.At.on(date)
			if at.After(local) {
				return t, at
			}
		}
	}
	// 只有在全部日期都被跳过时才会走到这里
	t := s.cfg.Triggers[0]
	return t, t.At.on(local.AddDate(0, 0, 1))
}

// Fire 执行一个触发点。同步执行，返回批次结果或 ErrRunInProgress。
func (s *Scheduler) Fire(ctx context.Context, t Trigger) (RunReport, error) {
	if t.Summary {
		sum := s.driver.Summarize()
		s.driver.publishSummary(sum)
		s.driver.LogSummary(sum)
		if s.onSummary != nil {
			s.onSummary(sum)
		}
		return RunReport{}, nil
	}
	rep, err := s.driver.ReconcileAll(ctx, s.instruments(), t.Source,
		WithReason(t.label()),
		WithTolerance(s.cfg.Tolerance),
	)
	if errors.Is(err, ErrRunInProgress) {
		s.sink.LogRun(logschema.EventRunSkipped, map[string]interface{}{
			"trigger": t.label(),
			"reason":  "previous run still in progress",
		})
		if s.onSkip != nil {
			s.onSkip(t.label())
		}
	}
	if err == nil {
		s.mu.Lock()
		s.lastRun = rep.Started
		s.mu.Unlock()
	}
	return rep, err
}

// Start 启动调度循环
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.started = true
	go s.loop(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	for {
		t, at := s.Next(s.clock.Now())
		timer := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		// 批次放到后台，长批次不会阻塞下一个触发点的跳过判断
		s.wg.Add(1)
		go func(t Trigger) {
			defer s.wg.Done()
			_, _ = s.Fire(ctx, t)
		}(t)
	}
}

// Stop 停止调度并等待在途批次结束
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.wg.Wait()
	return nil
}

// Health 调度器需处于运行状态
func (s *Scheduler) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return fmt.Errorf("scheduler not started")
	}
	return nil
}

// LastRun 最近一次成功批次的开始时间
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
