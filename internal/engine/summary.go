package engine

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"position-sync-go/inventory"
	"position-sync-go/monitor/logschema"
)

// Row 单品种汇总
type Row struct {
	InstrumentID     string
	Name             string
	Market           string
	TargetExposure   float64
	ActualExposure   float64
	Units            int64
	Side             inventory.Side
	MarkPrice        float64
	Notional         decimal.Decimal
	Margin           decimal.Decimal
	AllocatedCapital decimal.Decimal
	Leverage         int
	Transition       string
	Reason           string
	LastUpdate       time.Time
	Failed           bool
	LastError        string
}

// Summary 全部品种的仓位汇总，只读聚合
type Summary struct {
	At            time.Time
	Rows          []Row
	LongValue     decimal.Decimal
	ShortValue    decimal.Decimal
	NetValue      decimal.Decimal
	MarginUsed    decimal.Decimal
	TotalCapital  decimal.Decimal
	GrossExposure float64 // (多头 + |空头|) / 分配总资金
	NetExposure   float64 // 净市值 / 分配总资金
	Utilisation   float64 // 保证金 / 分配总资金
	Failed        int
}

// Summarize 汇总账本；最近一次对账失败的品种打上 Failed 标记。
func (d *Driver) Summarize() Summary {
	records := d.ledger.Snapshot()

	d.mu.RLock()
	outcomes := make(map[string]Outcome, len(d.outcomes))
	for k, v := range d.outcomes {
		outcomes[k] = v
	}
	known := make(map[string]struct{ name, market string }, len(d.known))
	for k, inst := range d.known {
		known[k] = struct{ name, market string }{inst.Name(), inst.Class().Code()}
	}
	d.mu.RUnlock()

	s := Summary{
		At:           d.clock.Now(),
		LongValue:    decimal.Zero,
		ShortValue:   decimal.Zero,
		NetValue:     decimal.Zero,
		MarginUsed:   decimal.Zero,
		TotalCapital: decimal.Zero,
	}
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.InstrumentID] = true
		notional := rec.Notional()
		row := Row{
			InstrumentID:     rec.InstrumentID,
			TargetExposure:   rec.TargetExposure,
			ActualExposure:   rec.ActualExposure(),
			Units:            rec.Units,
			Side:             rec.Side(),
			MarkPrice:        rec.MarkPrice,
			Notional:         notional,
			Margin:           rec.Margin(),
			AllocatedCapital: rec.AllocatedCapital,
			Leverage:         rec.Leverage,
			Transition:       rec.Transition.String(),
			Reason:           rec.Reason,
			LastUpdate:       rec.LastUpdate,
		}
		if k, ok := known[rec.InstrumentID]; ok {
			row.Name, row.Market = k.name, k.market
		}
		if o, ok := outcomes[rec.InstrumentID]; ok && !o.OK() {
			row.Failed = true
			if o.Err != nil {
				row.LastError = o.Err.Error()
			}
		}
		if notional.IsPositive() {
			s.LongValue = s.LongValue.Add(notional)
		} else {
			s.ShortValue = s.ShortValue.Add(notional)
		}
		s.MarginUsed = s.MarginUsed.Add(row.Margin)
		s.TotalCapital = s.TotalCapital.Add(rec.AllocatedCapital)
		s.Rows = append(s.Rows, row)
	}

	// 首次对账就失败的品种在账本里还没有记录，也要出现在汇总中
	for id, o := range outcomes {
		if seen[id] || o.OK() {
			continue
		}
		row := Row{InstrumentID: id, Side: inventory.SideFlat, Failed: true, Notional: decimal.Zero, Margin: decimal.Zero}
		if o.Err != nil {
			row.LastError = o.Err.Error()
		}
		if k, ok := known[id]; ok {
			row.Name, row.Market = k.name, k.market
		}
		s.Rows = append(s.Rows, row)
	}
	sort.Slice(s.Rows, func(i, j int) bool { return s.Rows[i].InstrumentID < s.Rows[j].InstrumentID })
	for _, r := range s.Rows {
		if r.Failed {
			s.Failed++
		}
	}

	s.NetValue = s.LongValue.Add(s.ShortValue)
	if s.TotalCapital.IsPositive() {
		s.GrossExposure, _ = s.LongValue.Sub(s.ShortValue).Div(s.TotalCapital).Float64()
		s.NetExposure, _ = s.NetValue.Div(s.TotalCapital).Float64()
		s.Utilisation, _ = s.MarginUsed.Div(s.TotalCapital).Float64()
	}
	return s
}

// publishSummary 把汇总写入指标
func (d *Driver) publishSummary(s Summary) {
	long, _ := s.LongValue.Float64()
	short, _ := s.ShortValue.Float64()
	net, _ := s.NetValue.Float64()
	d.recorder.UpdatePortfolio(long, short, net, s.GrossExposure, s.NetExposure, s.Utilisation)
}

// LogSummary 输出汇总事件
func (d *Driver) LogSummary(s Summary) {
	rows := make([]map[string]interface{}, 0, len(s.Rows))
	for _, r := range s.Rows {
		rows = append(rows, map[string]interface{}{
			"instrument": r.InstrumentID,
			"target":     r.TargetExposure,
			"actual":     r.ActualExposure,
			"units":      r.Units,
			"side":       string(r.Side),
			"notional":   r.Notional.StringFixed(2),
			"failed":     r.Failed,
		})
	}
	d.sink.LogRun(logschema.EventSummary, map[string]interface{}{
		"longValue":     s.LongValue.StringFixed(2),
		"shortValue":    s.ShortValue.StringFixed(2),
		"netValue":      s.NetValue.StringFixed(2),
		"marginUsed":    s.MarginUsed.StringFixed(2),
		"totalCapital":  s.TotalCapital.StringFixed(2),
		"grossExposure": s.GrossExposure,
		"netExposure":   s.NetExposure,
		"utilisation":   s.Utilisation,
		"failed":        s.Failed,
		"rows":          rows,
	})
}
