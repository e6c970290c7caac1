package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"position-sync-go/market"
)

const (
	OpPredict = "predict"
	OpHistory = "history"
	OpPrice   = "price"
	OpBasic   = "basic"
	OpVisitor = "popularity"

	maxBodyBytes = 4 << 20
)

// ErrNoData 请求成功但没有可用记录（例如当天无交易）。
var ErrNoData = errors.New("no data")

// ClientConfig 预测服务客户端配置。
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	RateLimit    float64
	Burst        int
	Breaker      BreakerConfig
	LookbackDays int
	BarTTL       time.Duration
}

// Client 调用预测服务的 predict/history 接口。所有响应在这里解码为明确的结构体。
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Limiter    RateLimiter
	Breaker    *gobreaker.CircuitBreaker

	// LookbackDays 取最新价格时向前查询的天数，覆盖长假。
	LookbackDays int
	BarTTL       time.Duration
	Now          func() time.Time

	OnUsage   func(APIUsage)
	OnRequest func(op string, elapsed time.Duration, err error)

	mu   sync.Mutex
	bars map[string]cachedBar
}

type cachedBar struct {
	bar market.Kline
	at  time.Time
}

// NewClient 按配置构造客户端。
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	lookback := cfg.LookbackDays
	if lookback <= 0 {
		lookback = 15
	}
	ttl := cfg.BarTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Client{
		BaseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:       cfg.APIKey,
		HTTPClient:   &http.Client{Timeout: timeout},
		Limiter:      NewRateLimiter(cfg.RateLimit, cfg.Burst),
		Breaker:      NewBreaker(cfg.Breaker),
		LookbackDays: lookback,
		BarTTL:       ttl,
	}
}

// FetchRealtimeExposure 用最新一根日线构造价格序列，请求实时预测仓位。
func (c *Client) FetchRealtimeExposure(ctx context.Context, inst market.Instrument) (float64, error) {
	bar, err := c.latestBar(ctx, inst)
	if err != nil {
		return 0, err
	}
	req := predictRequest{
		Market: inst.Class().Code(),
		Code:   inst.ID(),
		Price:  bar.PriceSequence(),
	}
	if inst.AllowsShort() {
		req.AllowShort = 1
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, malformed(OpPredict, inst.ID(), err)
	}
	body, status, err := c.do(ctx, OpPredict, inst.ID(), http.MethodPost, "/predict/", nil, payload)
	if err != nil {
		return 0, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return 0, malformed(OpPredict, inst.ID(), err)
	}
	if env.Success == nil || !*env.Success {
		return 0, rejected(OpPredict, inst.ID(), status, env.Message)
	}
	var data predictData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return 0, malformed(OpPredict, inst.ID(), fmt.Errorf("data: %w", err))
	}
	c.reportUsage(data.usage())
	if !data.Position.ok {
		return 0, malformed(OpPredict, inst.ID(), errors.New("position missing"))
	}
	return data.Position.v, nil
}

// FetchHistoricalExposure 查询指定交易日的历史仓位。
func (c *Client) FetchHistoricalExposure(ctx context.Context, inst market.Instrument, date time.Time) (float64, error) {
	day := FormatDate(date)
	rows, err := c.history(ctx, OpHistory, inst, day, day)
	if err != nil {
		return 0, err
	}
	row, ok := latestRow(rows, func(r historyRow) bool { return r.Position.ok })
	if !ok {
		return 0, malformed(OpHistory, inst.ID(), fmt.Errorf("%w: position for %s", ErrNoData, day))
	}
	return row.Position.v, nil
}

// FetchLatestPrice 最近一根有效日线的收盘价。
func (c *Client) FetchLatestPrice(ctx context.Context, inst market.Instrument) (float64, error) {
	bar, err := c.latestBar(ctx, inst)
	if err != nil {
		return 0, err
	}
	return bar.Close, nil
}

// FetchBasicInfo 查询品种基础信息（table_type=basic，不带日期）。
func (c *Client) FetchBasicInfo(ctx context.Context, inst market.Instrument) (BasicInfo, error) {
	q := c.query(inst)
	body, status, err := c.do(ctx, OpBasic, inst.ID(), http.MethodGet, "/history/", q, nil)
	if err != nil {
		return BasicInfo{}, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return BasicInfo{}, malformed(OpBasic, inst.ID(), err)
	}
	if env.Success == nil || !*env.Success {
		return BasicInfo{}, rejected(OpBasic, inst.ID(), status, env.Message)
	}
	if env.Meta.APIInfo != nil {
		c.reportUsage(env.Meta.APIInfo.usage())
	}
	var row basicRow
	data := bytes.TrimSpace(env.Data)
	switch {
	case len(data) > 0 && data[0] == '[':
		var rows []basicRow
		if err := json.Unmarshal(data, &rows); err != nil {
			return BasicInfo{}, malformed(OpBasic, inst.ID(), err)
		}
		if len(rows) == 0 {
			return BasicInfo{}, malformed(OpBasic, inst.ID(), ErrNoData)
		}
		row = rows[0]
	case len(data) > 0 && data[0] == '{':
		if err := json.Unmarshal(data, &row); err != nil {
			return BasicInfo{}, malformed(OpBasic, inst.ID(), err)
		}
	default:
		return BasicInfo{}, malformed(OpBasic, inst.ID(), ErrNoData)
	}
	return BasicInfo{Code: row.TSCode, Name: row.Name, Exchange: row.Exchange, Market: row.Market, ListDate: row.ListDate}, nil
}

// FetchPopularity 查询最近 days 天的人气指数。unit 为 day 或 hour，空值按 day。
func (c *Client) FetchPopularity(ctx context.Context, days int, unit string) ([]PopularityRow, error) {
	if days <= 0 {
		days = 7
	}
	if unit == "" {
		unit = "day"
	}
	q := url.Values{}
	q.Set("api_key", c.APIKey)
	q.Set("days", strconv.Itoa(days))
	q.Set("time_unit", unit)
	body, status, err := c.do(ctx, OpVisitor, "", http.MethodGet, "/visitors-data/", q, nil)
	if err != nil {
		return nil, err
	}
	var env popularityEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed(OpVisitor, "", err)
	}
	// 旧接口用 status="success"，新接口用 success=true
	ok := (env.Success != nil && *env.Success) || env.Status == "success"
	if !ok {
		return nil, rejected(OpVisitor, "", status, env.Message)
	}
	var rows []PopularityRow
	if len(bytes.TrimSpace(env.Data)) > 0 {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, malformed(OpVisitor, "", fmt.Errorf("data: %w", err))
		}
	}
	return rows, nil
}

// ProbeResult 启动自检结果。
type ProbeResult struct {
	Market      string
	Instrument  string
	Historical  float64
	HistoryErr  error
	Realtime    float64
	RealtimeErr error
	Elapsed     time.Duration
}

// OK 两个接口都可用。当天无历史记录不算失败。
func (r ProbeResult) OK() bool {
	return (r.HistoryErr == nil || errors.Is(r.HistoryErr, ErrNoData)) && r.RealtimeErr == nil
}

// Probe 依次调用历史与实时接口，用于启动自检。
func (c *Client) Probe(ctx context.Context, inst market.Instrument) ProbeResult {
	start := c.now()
	res := ProbeResult{Market: inst.Class().Code(), Instrument: inst.ID()}
	res.Historical, res.HistoryErr = c.FetchHistoricalExposure(ctx, inst, TradingDate(start))
	res.Realtime, res.RealtimeErr = c.FetchRealtimeExposure(ctx, inst)
	res.Elapsed = c.now().Sub(start)
	return res
}

func (c *Client) latestBar(ctx context.Context, inst market.Instrument) (market.Kline, error) {
	now := c.now()
	end := TradingDate(now)
	key := inst.ID() + "|" + FormatDate(end)
	c.mu.Lock()
	if cb, ok := c.bars[key]; ok && now.Sub(cb.at) < c.BarTTL {
		c.mu.Unlock()
		return cb.bar, nil
	}
	c.mu.Unlock()

	start := end.AddDate(0, 0, -c.LookbackDays)
	rows, err := c.history(ctx, OpPrice, inst, FormatDate(start), FormatDate(end))
	if err != nil {
		return market.Kline{}, err
	}
	row, ok := latestRow(rows, func(r historyRow) bool { return r.Close.ok && r.Close.v > 0 })
	if !ok {
		return market.Kline{}, malformed(OpPrice, inst.ID(), fmt.Errorf("%w: close price since %s", ErrNoData, FormatDate(start)))
	}
	bar := row.kline()

	c.mu.Lock()
	if c.bars == nil {
		c.bars = make(map[string]cachedBar)
	}
	c.bars[key] = cachedBar{bar: bar, at: now}
	c.mu.Unlock()
	return bar, nil
}

func (c *Client) history(ctx context.Context, op string, inst market.Instrument, start, end string) ([]historyRow, error) {
	q := c.query(inst)
	q.Set("start_date", start)
	q.Set("end_date", end)
	q.Set("max_items", "10000")
	body, status, err := c.do(ctx, op, inst.ID(), http.MethodGet, "/history/", q, nil)
	if err != nil {
		return nil, err
	}
	rows, info, env, err := decodeHistory(body)
	if err != nil {
		return nil, malformed(op, inst.ID(), err)
	}
	if env != nil && (env.Success == nil || !*env.Success) {
		return nil, rejected(op, inst.ID(), status, env.Message)
	}
	if info != nil {
		c.reportUsage(info.usage())
	}
	return rows, nil
}

func (c *Client) query(inst market.Instrument) url.Values {
	q := url.Values{}
	q.Set("api_key", c.APIKey)
	q.Set("market", inst.Class().Code())
	q.Set("ts_code", inst.ID())
	q.Set("table_type", "basic")
	return q
}

// do 经过限流与熔断发送请求，返回 2xx 响应体。
func (c *Client) do(ctx context.Context, op, id, method, path string, q url.Values, payload []byte) ([]byte, int, error) {
	if c == nil || c.HTTPClient == nil {
		return nil, 0, &FetchError{Kind: KindConnectionFailed, Op: op, Instrument: id, Err: errors.New("http client not set")}
	}
	start := c.now()
	body, status, err := c.send(ctx, op, id, method, path, q, payload)
	if c.OnRequest != nil {
		c.OnRequest(op, c.now().Sub(start), err)
	}
	return body, status, err
}

type httpResult struct {
	body   []byte
	status int
}

func (c *Client) send(ctx context.Context, op, id, method, path string, q url.Values, payload []byte) ([]byte, int, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, 0, transportError(op, id, err)
		}
	}
	endpoint := c.BaseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	call := func() (interface{}, error) {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
		if err != nil {
			return nil, transportError(op, id, err)
		}
		req.Header.Set("X-API-KEY", c.APIKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, transportError(op, id, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, transportError(op, id, err)
		}
		if resp.StatusCode >= 300 {
			return nil, statusError(op, id, resp.StatusCode, serviceMessage(body))
		}
		return httpResult{body: body, status: resp.StatusCode}, nil
	}

	var out interface{}
	var err error
	if c.Breaker != nil {
		out, err = c.Breaker.Execute(call)
	} else {
		out, err = call()
	}
	if err != nil {
		if IsFetchError(err) {
			return nil, 0, err
		}
		return nil, 0, transportError(op, id, err)
	}
	res := out.(httpResult)
	return res.body, res.status, nil
}

func (c *Client) reportUsage(u APIUsage) {
	if c.OnUsage != nil {
		c.OnUsage(u)
	}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// serviceMessage 尽量从错误响应体里取出 message 字段。
func serviceMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return env.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

var authHints = []string{"api key", "api_key", "apikey", "unauthorized", "forbidden", "密钥", "认证", "授权"}

// rejected 服务端返回 success=false：看起来像鉴权问题的归为 AuthFailed，其余按 HTTP 错误处理。
func rejected(op, id string, status int, msg string) *FetchError {
	lower := strings.ToLower(msg)
	for _, h := range authHints {
		if strings.Contains(lower, h) {
			return &FetchError{Kind: KindAuthFailed, Status: status, Op: op, Instrument: id, Err: errors.New(msg)}
		}
	}
	if msg == "" {
		msg = "success=false"
	}
	return &FetchError{Kind: KindHTTPError, Status: status, Op: op, Instrument: id, Err: errors.New(msg)}
}

// String 便于日志输出。
func (u APIUsage) String() string {
	return "used " + strconv.FormatFloat(u.UsedToday, 'f', -1, 64) + "/" + strconv.FormatFloat(u.DailyLimit, 'f', -1, 64) +
		" remaining " + strconv.FormatFloat(u.Remaining, 'f', -1, 64)
}
