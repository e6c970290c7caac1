package inventory

import (
	"fmt"
	"sort"
	"sync"

	"position-sync-go/market"
	"position-sync-go/risk"
)

// Update 是一次账本变更请求。
type Update struct {
	Kind      TransitionKind
	Exposure  float64
	Units     int64
	MarkPrice float64
	Reason    string
}

// Decision 在账本写锁内根据旧记录给出变更。
type Decision func(prev PositionRecord) (Update, error)

// Ledger 维护品种 -> 持仓记录，是唯一的持仓写入方。
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*PositionRecord
	clock   risk.Clock
}

// Option 配置 Ledger。
type Option func(*Ledger)

// WithClock 注入时钟，测试用。
func WithClock(c risk.Clock) Option {
	return func(l *Ledger) {
		if c != nil {
			l.clock = c
		}
	}
}

// NewLedger 创建空账本。
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		records: make(map[string]*PositionRecord),
		clock:   risk.SystemClock,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Ensure 首次使用时创建默认空仓记录；已存在则原样返回。
func (l *Ledger) Ensure(inst market.Instrument) PositionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.ensureLocked(inst)
}

func (l *Ledger) ensureLocked(inst market.Instrument) *PositionRecord {
	if rec, ok := l.records[inst.ID()]; ok {
		return rec
	}
	rec := &PositionRecord{
		InstrumentID:     inst.ID(),
		AllocatedCapital: inst.AllocatedCapital(),
		Leverage:         inst.Leverage(),
		LotSize:          inst.LotSize(),
		ShortAllowed:     inst.ShortAllowed(),
	}
	l.records[inst.ID()] = rec
	return rec
}

// Apply 写入一次调整。Unchanged 不修改记录（包括时间戳）。
func (l *Ledger) Apply(id string, kind TransitionKind, exposure float64, units int64, reason string) (PositionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return PositionRecord{}, fmt.Errorf("ledger: unknown instrument %s", id)
	}
	err := l.applyLocked(rec, Update{Kind: kind, Exposure: exposure, Units: units, MarkPrice: rec.MarkPrice, Reason: reason})
	return *rec, err
}

// Reconcile 在同一把写锁内读取旧记录、做决策并写入，避免“读旧值-写新值”之间被并发修改。
func (l *Ledger) Reconcile(inst market.Instrument, decide Decision) (prev, next PositionRecord, upd Update, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.ensureLocked(inst)
	prev = *rec
	upd, err = decide(prev)
	if err != nil {
		return prev, prev, upd, err
	}
	if err = l.applyLocked(rec, upd); err != nil {
		return prev, prev, upd, err
	}
	return prev, *rec, upd, nil
}

func (l *Ledger) applyLocked(rec *PositionRecord, upd Update) error {
	if upd.Kind == Unchanged {
		return nil
	}
	if err := checkInvariants(*rec, upd); err != nil {
		return err
	}
	rec.TargetExposure = upd.Exposure
	rec.Units = upd.Units
	if upd.MarkPrice > 0 {
		rec.MarkPrice = upd.MarkPrice
	}
	rec.Transition = upd.Kind
	rec.Reason = upd.Reason
	rec.LastUpdate = l.clock.Now()
	return nil
}

func checkInvariants(rec PositionRecord, upd Update) error {
	violation := func(rule, format string, args ...interface{}) error {
		return &risk.InvariantViolation{InstrumentID: rec.InstrumentID, Rule: rule, Detail: fmt.Sprintf(format, args...)}
	}
	if !risk.InRange(upd.Exposure) {
		return violation("exposure_range", "exposure %v outside [-1,1]", upd.Exposure)
	}
	if !rec.ShortAllowed && (upd.Exposure < 0 || upd.Units < 0) {
		return violation("long_only", "exposure %v units %d on long-only instrument", upd.Exposure, upd.Units)
	}
	if rec.LotSize > 0 && upd.Units%rec.LotSize != 0 {
		return violation("lot_multiple", "units %d not a multiple of lot %d", upd.Units, rec.LotSize)
	}
	return nil
}

// Get 返回记录副本。
func (l *Ledger) Get(id string) (PositionRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return PositionRecord{}, false
	}
	return *rec, true
}

// Snapshot 按品种代码排序返回全部记录副本。
func (l *Ledger) Snapshot() []PositionRecord {
	l.mu.RLock()
	out := make([]PositionRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

// Len 记录数量。
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
