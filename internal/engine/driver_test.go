package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"position-sync-go/gateway"
	"position-sync-go/infrastructure/alert"
	"position-sync-go/infrastructure/logger"
	"position-sync-go/inventory"
	"position-sync-go/market"
	"position-sync-go/risk"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func mustInstrument(t *testing.T, spec market.InstrumentSpec) market.Instrument {
	t.Helper()
	inst, err := market.NewInstrument(spec)
	require.NoError(t, err)
	return inst
}

func stock(t *testing.T, id string) market.Instrument {
	return mustInstrument(t, market.InstrumentSpec{ID: id, Market: "cnstock", AllocatedCapital: decimal.NewFromInt(100000)})
}

func future(t *testing.T, id string) market.Instrument {
	return mustInstrument(t, market.InstrumentSpec{ID: id, Market: "futures", AllocatedCapital: decimal.NewFromInt(50000)})
}

// tickClock 每次调用前进一秒
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestDriver(t *testing.T, src Source, opts ...func(*Components)) *Driver {
	t.Helper()
	clk := &tickClock{now: time.Date(2025, 1, 10, 9, 35, 0, 0, time.UTC)}
	c := Components{
		Ledger: inventory.NewLedger(inventory.WithClock(clk)),
		Source: src,
		Clock:  clk,
	}
	for _, o := range opts {
		o(&c)
	}
	d, err := New(Config{Concurrency: 5, FetchTimeout: 50 * time.Millisecond}, c)
	require.NoError(t, err)
	return d
}

func TestLongOnlyExposureSequence(t *testing.T) {
	d := newTestDriver(t, nil)
	inst := stock(t, "000001.SZ")

	exposures := []float64{0.5, 0.5, -0.3, 0}
	wantUnits := []int64{5000, 5000, 0, 0}
	wantKinds := []inventory.TransitionKind{inventory.OpenLong, inventory.Unchanged, inventory.CloseLong, inventory.Unchanged}

	for i, e := range exposures {
		out := d.ReconcileOne(inst, Ok(e), Ok(10.00), "test")
		require.True(t, out.OK(), "step %d: %v", i, out.Err)
		assert.Equal(t, wantKinds[i], out.Transition, "step %d", i)
		assert.Equal(t, wantUnits[i], out.NewUnits, "step %d", i)
		rec, ok := d.Ledger().Get(inst.ID())
		require.True(t, ok)
		assert.Equal(t, wantUnits[i], rec.Units, "step %d", i)
		assert.GreaterOrEqual(t, rec.TargetExposure, 0.0)
	}
	rec, _ := d.Ledger().Get(inst.ID())
	assert.Equal(t, inventory.SideFlat, rec.Side())
}

func TestShortSuppressionIsReported(t *testing.T) {
	mock := alert.NewMockChannel("mock")
	alerts := alert.NewManager([]alert.Channel{mock}, time.Minute, nil)
	d := newTestDriver(t, nil, func(c *Components) { c.Alerts = alerts })
	inst := stock(t, "000001.SZ")

	d.ReconcileOne(inst, Ok(0.5), Ok(10), "a")
	out := d.ReconcileOne(inst, Ok(-0.3), Ok(10), "b")
	assert.True(t, out.ShortSuppressed)
	assert.Equal(t, inventory.CloseLong, out.Transition)
	assert.Equal(t, "sell_close_long", out.TradeSide())
	assert.Equal(t, int64(-5000), out.Delta())
	require.Equal(t, 1, mock.Count())
	assert.Equal(t, "000001.SZ", mock.GetAlerts()[0].Instrument)
}

func TestLeveragedShortSizing(t *testing.T) {
	d := newTestDriver(t, nil)
	inst := future(t, "ICL1.CFX")
	require.Equal(t, 10, inst.Leverage())

	out := d.ReconcileOne(inst, Ok(-0.4), Ok(2500), "test")
	require.True(t, out.OK())
	assert.Equal(t, inventory.OpenShort, out.Transition)
	assert.Equal(t, int64(-80), out.NewUnits)
	assert.Equal(t, "sell_open_short", out.TradeSide())

	out = d.ReconcileOne(inst, Ok(0.2), Ok(2500), "test")
	assert.Equal(t, inventory.FlipShortToLong, out.Transition)
	assert.Equal(t, int64(40), out.NewUnits)
	assert.Equal(t, "buy_close_short_open_long", out.TradeSide())
}

func TestRepeatedExposureKeepsTimestamp(t *testing.T) {
	d := newTestDriver(t, nil)
	inst := future(t, "ICL1.CFX")

	d.ReconcileOne(inst, Ok(0.3), Ok(7083.2), "first")
	before, _ := d.Ledger().Get(inst.ID())

	out := d.ReconcileOne(inst, Ok(0.3), Ok(7100), "second")
	after, _ := d.Ledger().Get(inst.ID())

	assert.Equal(t, StatusUnchanged, out.Status)
	assert.Equal(t, before.LastUpdate, after.LastUpdate)
	assert.Equal(t, "first", after.Reason)
	assert.Equal(t, before, after)
}

func TestFetchFailureLeavesLedgerUntouched(t *testing.T) {
	d := newTestDriver(t, nil)
	inst := stock(t, "000001.SZ")
	d.ReconcileOne(inst, Ok(0.5), Ok(10), "seed")
	before, _ := d.Ledger().Get(inst.ID())

	ferr := &gateway.FetchError{Kind: gateway.KindConnectionFailed, Op: gateway.OpHistory}
	out := d.ReconcileOne(inst, Failed(ferr), Ok(10), "again")
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, StageFetchExposure, out.Stage)

	after, _ := d.Ledger().Get(inst.ID())
	assert.Equal(t, before, after)

	sum := d.Summarize()
	require.Len(t, sum.Rows, 1)
	assert.True(t, sum.Rows[0].Failed)
	assert.Equal(t, int64(5000), sum.Rows[0].Units)
	assert.Equal(t, 1, sum.Failed)
}

func TestFirstFetchFailureDoesNotCreateRecord(t *testing.T) {
	d := newTestDriver(t, nil)
	inst := stock(t, "600000.SH")

	out := d.ReconcileOne(inst, Failed(errors.New("down")), Failed(errors.New("down")), "x")
	assert.Equal(t, StatusSkipped, out.Status)
	_, ok := d.Ledger().Get(inst.ID())
	assert.False(t, ok)

	sum := d.Summarize()
	require.Len(t, sum.Rows, 1)
	assert.True(t, sum.Rows[0].Failed)
	assert.Equal(t, inventory.SideFlat, sum.Rows[0].Side)
}

func TestSizingErrorLeavesLedgerUntouched(t *testing.T) {
	d := newTestDriver(t, nil)
	inst := future(t, "ICL1.CFX")
	d.ReconcileOne(inst, Ok(0.5), Ok(7000), "seed")
	before, _ := d.Ledger().Get(inst.ID())

	for _, price := range []float64{0, -1} {
		out := d.ReconcileOne(inst, Ok(0.2), Ok(price), "bad price")
		assert.Equal(t, StatusFailed, out.Status)
		assert.Equal(t, StageSizing, out.Stage)
		assert.True(t, errors.Is(out.Err, risk.ErrSizing))
	}
	after, _ := d.Ledger().Get(inst.ID())
	assert.Equal(t, before, after)
}

func TestPriceFailureIrrelevantWhenUnchanged(t *testing.T) {
	d := newTestDriver(t, nil)
	inst := future(t, "ICL1.CFX")
	d.ReconcileOne(inst, Ok(0.5), Ok(7000), "seed")

	out := d.ReconcileOne(inst, Ok(0.5), Failed(errors.New("no price")), "again")
	assert.Equal(t, StatusUnchanged, out.Status)

	out = d.ReconcileOne(inst, Ok(0.6), Failed(errors.New("no price")), "again")
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, StageFetchPrice, out.Stage)
}

func TestToleranceAbsorbsSmallMoves(t *testing.T) {
	d := newTestDriver(t, nil)
	inst := future(t, "ICL1.CFX")
	d.ReconcileOne(inst, Ok(0.5), Ok(2500), "seed")

	out := d.reconcile(inst, Ok(0.5008), Ok(2500), "tol", 0.001)
	assert.Equal(t, inventory.Unchanged, out.Transition)

	out = d.reconcile(inst, Ok(0.52), Ok(2500), "tol", 0.001)
	assert.Equal(t, inventory.IncreaseLong, out.Transition)
	assert.Equal(t, int64(104), out.NewUnits)
}

func TestMaxUnitsClamp(t *testing.T) {
	d := newTestDriver(t, nil)
	inst := mustInstrument(t, market.InstrumentSpec{
		ID: "000002.SZ", Market: "cnstock", AllocatedCapital: decimal.NewFromInt(100000), MaxUnits: 3050,
	})
	out := d.ReconcileOne(inst, Ok(0.5), Ok(10), "cap")
	assert.Equal(t, int64(3000), out.NewUnits)
}

func TestInvariantViolationIsRejected(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := newTestDriver(t, nil, func(c *Components) { c.Sink = logger.Wrap(zap.New(core)) })

	longOnly := mustInstrument(t, market.InstrumentSpec{ID: "X", Market: "futures", ShortAllowed: boolPtr(false), Leverage: intPtr(1), AllocatedCapital: decimal.NewFromInt(10000)})
	d.ReconcileOne(longOnly, Ok(0.5), Ok(10), "seed")
	before, _ := d.Ledger().Get("X")

	// 热更新后同一代码变为允许做空，但账本记录沿用创建时的权限
	shortable := mustInstrument(t, market.InstrumentSpec{ID: "X", Market: "futures", ShortAllowed: boolPtr(true), Leverage: intPtr(1), AllocatedCapital: decimal.NewFromInt(10000)})
	out := d.ReconcileOne(shortable, Ok(-0.5), Ok(10), "reloaded")

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, StageInvariant, out.Stage)
	assert.True(t, errors.Is(out.Err, risk.ErrInvariantViolation))
	after, _ := d.Ledger().Get("X")
	assert.Equal(t, before, after)
	assert.Equal(t, 1, logs.FilterMessage("invariant_event").Len())
}

// 平仓只需要仓位，拿不到价格也要归零
func TestCloseWithoutPrice(t *testing.T) {
	timeout := &gateway.FetchError{Kind: gateway.KindTimeout, Op: gateway.OpPrice}

	t.Run("只做多品种收到空头信号", func(t *testing.T) {
		d := newTestDriver(t, nil)
		inst := stock(t, "000001.SZ")
		d.ReconcileOne(inst, Ok(0.5), Ok(10), "seed")

		out := d.ReconcileOne(inst, Ok(-0.3), Failed(timeout), "close")
		require.True(t, out.OK(), "%v", out.Err)
		assert.Equal(t, StatusApplied, out.Status)
		assert.True(t, out.ShortSuppressed)
		assert.Equal(t, inventory.CloseLong, out.Transition)
		assert.Equal(t, int64(0), out.NewUnits)

		rec, _ := d.Ledger().Get(inst.ID())
		assert.Equal(t, int64(0), rec.Units)
		assert.Equal(t, 0.0, rec.TargetExposure)
		assert.Equal(t, 10.0, rec.MarkPrice)
	})

	t.Run("期货空头平仓", func(t *testing.T) {
		d := newTestDriver(t, nil)
		inst := future(t, "ICL1.CFX")
		d.ReconcileOne(inst, Ok(-0.4), Ok(2500), "seed")

		out := d.ReconcileOne(inst, Ok(0), Failed(timeout), "close")
		require.True(t, out.OK(), "%v", out.Err)
		assert.Equal(t, inventory.CloseShort, out.Transition)
		assert.Equal(t, int64(0), out.NewUnits)
		assert.Equal(t, "buy_close_short", out.TradeSide())
	})

	t.Run("开仓仍需价格", func(t *testing.T) {
		d := newTestDriver(t, nil)
		inst := future(t, "ICL1.CFX")
		out := d.ReconcileOne(inst, Ok(-0.4), Failed(timeout), "open")
		assert.Equal(t, StatusSkipped, out.Status)
		assert.Equal(t, StageFetchPrice, out.Stage)
	})
}

// 热加载改了资金与杠杆后，已有记录仍按创建时的口径换算
func TestReloadKeepsRecordBasis(t *testing.T) {
	d := newTestDriver(t, nil)
	before := mustInstrument(t, market.InstrumentSpec{ID: "ICL1.CFX", Market: "futures", AllocatedCapital: decimal.NewFromInt(50000)})
	d.ReconcileOne(before, Ok(0.4), Ok(2500), "seed")

	reloaded := mustInstrument(t, market.InstrumentSpec{ID: "ICL1.CFX", Market: "futures", Leverage: intPtr(20), AllocatedCapital: decimal.NewFromInt(100000)})
	out := d.ReconcileOne(reloaded, Ok(0.2), Ok(2500), "reloaded")
	require.True(t, out.OK(), "%v", out.Err)
	assert.Equal(t, int64(40), out.NewUnits)

	rec, _ := d.Ledger().Get("ICL1.CFX")
	assert.Equal(t, 10, rec.Leverage)
	assert.True(t, rec.AllocatedCapital.Equal(decimal.NewFromInt(50000)))
	assert.InDelta(t, 0.2, rec.ActualExposure(), 1e-9)
}

// fakeSource 按品种返回预设值；hang 中的品种一直阻塞到 ctx 结束
type fakeSource struct {
	mu        sync.Mutex
	exposures map[string]float64
	prices    map[string]float64
	hang      map[string]bool
	gate      chan struct{}
	calls     int32
}

func (f *fakeSource) exposure(ctx context.Context, id string) (float64, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	hang := f.hang[id]
	v, ok := f.exposures[id]
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return 0, &gateway.FetchError{Kind: gateway.KindTimeout, Op: gateway.OpHistory, Instrument: id, Err: ctx.Err()}
	}
	if !ok {
		return 0, &gateway.FetchError{Kind: gateway.KindMalformedResponse, Instrument: id}
	}
	return v, nil
}

func (f *fakeSource) FetchRealtimeExposure(ctx context.Context, inst market.Instrument) (float64, error) {
	return f.exposure(ctx, inst.ID())
}

func (f *fakeSource) FetchHistoricalExposure(ctx context.Context, inst market.Instrument, _ time.Time) (float64, error) {
	return f.exposure(ctx, inst.ID())
}

func (f *fakeSource) FetchLatestPrice(_ context.Context, inst market.Instrument) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[inst.ID()], nil
}

func (f *fakeSource) set(id string, exposure float64) {
	f.mu.Lock()
	f.exposures[id] = exposure
	f.mu.Unlock()
}

func fiveInstruments(t *testing.T) ([]market.Instrument, *fakeSource) {
	insts := []market.Instrument{
		stock(t, "000001.SZ"),
		future(t, "ICL1.CFX"),
		mustInstrument(t, market.InstrumentSpec{ID: "EURUSD.fxcm", Market: "forex", AllocatedCapital: decimal.NewFromInt(100000)}),
		mustInstrument(t, market.InstrumentSpec{ID: "AG(T+D)", Market: "gold", AllocatedCapital: decimal.NewFromInt(100000)}),
		mustInstrument(t, market.InstrumentSpec{ID: "510300.SH", Market: "fund", AllocatedCapital: decimal.NewFromInt(100000)}),
	}
	src := &fakeSource{
		exposures: map[string]float64{"000001.SZ": 0.5, "ICL1.CFX": -0.4, "EURUSD.fxcm": 0.2, "AG(T+D)": -0.1, "510300.SH": 0.8},
		prices:    map[string]float64{"000001.SZ": 11.62, "ICL1.CFX": 7083.2, "EURUSD.fxcm": 1.1055, "AG(T+D)": 15.463, "510300.SH": 34.55},
		hang:      map[string]bool{},
	}
	return insts, src
}

func TestReconcileAllIsolatesTimeout(t *testing.T) {
	insts, src := fiveInstruments(t)
	d := newTestDriver(t, src)

	rep, err := d.ReconcileAll(context.Background(), insts, SourceHistorical, WithReason("seed"))
	require.NoError(t, err)
	require.Equal(t, 5, rep.Applied)
	before := map[string]inventory.PositionRecord{}
	for _, r := range d.Ledger().Snapshot() {
		before[r.InstrumentID] = r
	}

	src.mu.Lock()
	src.hang["ICL1.CFX"] = true
	src.mu.Unlock()
	src.set("000001.SZ", 0.3)
	src.set("EURUSD.fxcm", -0.2)
	src.set("AG(T+D)", 0)
	src.set("510300.SH", 0.4)

	rep, err = d.ReconcileAll(context.Background(), insts, SourceHistorical, WithReason("second"))
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Applied)
	assert.Equal(t, 1, rep.Failed)

	for _, o := range rep.Outcomes {
		if o.InstrumentID == "ICL1.CFX" {
			assert.Equal(t, StatusSkipped, o.Status)
			assert.Equal(t, gateway.KindTimeout, gateway.KindOf(o.Err))
			continue
		}
		assert.Equal(t, StatusApplied, o.Status, o.InstrumentID)
	}

	after := map[string]inventory.PositionRecord{}
	for _, r := range d.Ledger().Snapshot() {
		after[r.InstrumentID] = r
	}
	assert.Equal(t, before["ICL1.CFX"], after["ICL1.CFX"])
	assert.Equal(t, int64(2500), after["000001.SZ"].Units) // 100000*0.3/11.62 = 2581 -> 2500
	assert.Equal(t, 0.3, after["000001.SZ"].TargetExposure)
	assert.Equal(t, -0.2, after["EURUSD.fxcm"].TargetExposure)
	assert.Equal(t, int64(-180000), after["EURUSD.fxcm"].Units) // 1e6*0.2/1.1055 = 180913 -> lot 1000
	assert.Equal(t, inventory.SideFlat, after["AG(T+D)"].Side())
	assert.Equal(t, 0.4, after["510300.SH"].TargetExposure)

	sum := d.Summarize()
	assert.Equal(t, 1, sum.Failed)
}

func TestReconcileAllRejectsOverlap(t *testing.T) {
	insts, src := fiveInstruments(t)
	src.gate = make(chan struct{})
	d := newTestDriver(t, src)

	done := make(chan error, 1)
	go func() {
		_, err := d.ReconcileAll(context.Background(), insts, SourceRealtime)
		done <- err
	}()
	require.Eventually(t, d.Running, time.Second, 5*time.Millisecond)

	_, err := d.ReconcileAll(context.Background(), insts, SourceRealtime)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(src.gate)
	require.NoError(t, <-done)
	assert.False(t, d.Running())

	_, err = d.ReconcileAll(context.Background(), insts, SourceRealtime)
	assert.NoError(t, err)
}

func TestReconcileAllCancelledContext(t *testing.T) {
	insts, src := fiveInstruments(t)
	d := newTestDriver(t, src)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := d.ReconcileAll(ctx, insts, SourceHistorical)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Failed)
	assert.Equal(t, 0, d.Ledger().Len())
	assert.Equal(t, int32(0), atomic.LoadInt32(&src.calls))
}

func TestSummarizeAggregates(t *testing.T) {
	d := newTestDriver(t, nil)
	d.ReconcileOne(stock(t, "000001.SZ"), Ok(0.5), Ok(10), "a")    // 5000 @10 = 50000
	d.ReconcileOne(future(t, "ICL1.CFX"), Ok(-0.4), Ok(2500), "b") // -80 @2500 = -200000

	s := d.Summarize()
	require.Len(t, s.Rows, 2)
	assert.Equal(t, "50000", s.LongValue.String())
	assert.Equal(t, "-200000", s.ShortValue.String())
	assert.Equal(t, "-150000", s.NetValue.String())
	assert.Equal(t, "70000", s.MarginUsed.String())
	assert.Equal(t, "150000", s.TotalCapital.String())
	assert.InDelta(t, 250000.0/150000.0, s.GrossExposure, 1e-9)
	assert.InDelta(t, -1.0, s.NetExposure, 1e-9)
	assert.InDelta(t, 70000.0/150000.0, s.Utilisation, 1e-9)
	assert.Equal(t, "ICL1.CFX", s.Rows[1].InstrumentID)
	assert.InDelta(t, -0.4, s.Rows[1].ActualExposure, 1e-9)
	assert.Equal(t, "futures", s.Rows[1].Market)
	assert.Equal(t, 0, s.Failed)
}

func TestParseDataSource(t *testing.T) {
	src, err := ParseDataSource("realtime")
	require.NoError(t, err)
	assert.Equal(t, SourceRealtime, src)
	src, err = ParseDataSource("history")
	require.NoError(t, err)
	assert.Equal(t, "history", src.String())
	_, err = ParseDataSource("tomorrow")
	assert.Error(t, err)
}
