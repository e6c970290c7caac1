package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"position-sync-go/market"
)

// number 接受 JSON 数字或数字字符串；字段缺失或为 null 时 ok=false。
type number struct {
	v  float64
	ok bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" || string(b) == `""` {
		return nil
	}
	s := string(bytes.Trim(b, `"`))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	n.v, n.ok = v, true
	return nil
}

type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    struct {
		APIInfo *apiInfo `json:"api_info"`
	} `json:"meta"`
}

type apiInfo struct {
	Remaining   number `json:"remaining"`
	UsedToday   number `json:"used_today"`
	DailyLimit  number `json:"daily_limit"`
	PaymentType string `json:"payment_type"`
	Balance     number `json:"balance"`
	UserPoints  number `json:"user_points"`
}

type predictRequest struct {
	Market     string `json:"market"`
	Code       string `json:"code"`
	Price      string `json:"price"`
	AllowShort int    `json:"allow_short"`
}

type predictData struct {
	Position    number   `json:"position"`
	Remaining   number   `json:"remaining"`
	Balance     number   `json:"balance"`
	PaymentType string   `json:"payment_type"`
	APIInfo     *apiInfo `json:"api_info"`
}

type historyRow struct {
	TSCode    string `json:"ts_code"`
	TradeDate string `json:"trade_date"`
	Position  number `json:"position"`
	Open      number `json:"open"`
	High      number `json:"high"`
	Low       number `json:"low"`
	Close     number `json:"close"`
	Vol       number `json:"vol"`
	Volume    number `json:"volume"`
	Amount    number `json:"amount"`
}

type basicRow struct {
	TSCode   string `json:"ts_code"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Market   string `json:"market"`
	ListDate string `json:"list_date"`
}

type popularityEnvelope struct {
	Success *bool           `json:"success"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// PopularityRow 人气指数的一行，字段随 time_unit 变化，原样保留。
type PopularityRow map[string]interface{}

// Columns 行内字段名，排序后返回。
func (r PopularityRow) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Text 字段的展示文本，缺失为空串。
func (r PopularityRow) Text(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// APIUsage 服务端返回的额度信息。
type APIUsage struct {
	Remaining   float64
	UsedToday   float64
	DailyLimit  float64
	Balance     float64
	PaymentType string
}

// BasicInfo 品种基础信息。
type BasicInfo struct {
	Code     string
	Name     string
	Exchange string
	Market   string
	ListDate string
}

func (a *apiInfo) usage() APIUsage {
	u := APIUsage{
		Remaining:   a.Remaining.v,
		UsedToday:   a.UsedToday.v,
		DailyLimit:  a.DailyLimit.v,
		Balance:     a.Balance.v,
		PaymentType: a.PaymentType,
	}
	if u.Balance <= 0 && a.UserPoints.ok {
		u.Balance = a.UserPoints.v
	}
	return u
}

func (d *predictData) usage() APIUsage {
	u := APIUsage{Remaining: d.Remaining.v, Balance: d.Balance.v, PaymentType: d.PaymentType}
	if d.APIInfo != nil {
		u.UsedToday = d.APIInfo.UsedToday.v
		u.DailyLimit = d.APIInfo.DailyLimit.v
	}
	return u
}

// decodeHistory 兼容两种格式：带 success/data/meta 的对象，以及旧版直接返回的数组。
func decodeHistory(body []byte) (rows []historyRow, info *apiInfo, env *envelope, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, nil, nil, err
		}
		return rows, nil, nil, nil
	}
	env = &envelope{}
	if err := json.Unmarshal(trimmed, env); err != nil {
		return nil, nil, nil, err
	}
	if env.Success == nil || !*env.Success {
		return nil, env.Meta.APIInfo, env, nil
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, nil, nil, fmt.Errorf("data: %w", err)
		}
	}
	return rows, env.Meta.APIInfo, env, nil
}

// latestRow 按交易日倒序取第一条满足条件的记录。
func latestRow(rows []historyRow, keep func(historyRow) bool) (historyRow, bool) {
	sorted := make([]historyRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TradeDate > sorted[j].TradeDate })
	for _, r := range sorted {
		if keep(r) {
			return r, true
		}
	}
	return historyRow{}, false
}

func (r historyRow) kline() market.Kline {
	vol := r.Vol.v
	if !r.Vol.ok {
		vol = r.Volume.v
	}
	k := market.Kline{
		Open:   r.Open.v,
		High:   r.High.v,
		Low:    r.Low.v,
		Close:  r.Close.v,
		Volume: vol,
		Amount: r.Amount.v,
	}
	for _, layout := range []string{"20060102", dateLayout} {
		if ts, err := time.Parse(layout, r.TradeDate); err == nil {
			k.Ts = ts
			break
		}
	}
	return k
}
