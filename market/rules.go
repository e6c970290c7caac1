package market

import (
	"fmt"
	"sort"
	"strings"

	"position-sync-go/risk"
)

// Classification 市场分类。
type Classification int

const (
	Equity Classification = iota + 1
	Futures
	Forex
	Option
	Metal
	Index
	Bond
	Fund
)

var classNames = map[Classification]string{
	Equity:  "Equity",
	Futures: "Futures",
	Forex:   "Forex",
	Option:  "Option",
	Metal:   "Metal",
	Index:   "Index",
	Bond:    "Bond",
	Fund:    "Fund",
}

// 预测服务使用的市场代码。
var classCodes = map[Classification]string{
	Equity:  "cnstock",
	Futures: "futures",
	Forex:   "forex",
	Option:  "cnoption",
	Metal:   "gold",
	Index:   "cnindex",
	Bond:    "cbond",
	Fund:    "fund",
}

func (c Classification) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Classification(%d)", int(c))
}

// Code 返回上游接口的 market 参数。
func (c Classification) Code() string {
	return classCodes[c]
}

// ParseClassification 接受枚举名（大小写不敏感）或市场代码。
func ParseClassification(s string) (Classification, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for c, name := range classNames {
		if strings.ToLower(name) == key || classCodes[c] == key {
			return c, nil
		}
	}
	return 0, risk.Configf("market", "unknown market classification %q", s)
}

// Rules 每类市场的做空/杠杆/最小交易单位。
type Rules struct {
	ShortAllowed    bool
	Leverage        int
	LotSize         int64
	PricePrecision  int
	VolumePrecision int
}

var rulesTable = map[Classification]Rules{
	Equity:  {ShortAllowed: false, Leverage: 1, LotSize: 100, PricePrecision: 2},
	Futures: {ShortAllowed: true, Leverage: 10, LotSize: 1, PricePrecision: 2},
	Forex:   {ShortAllowed: true, Leverage: 10, LotSize: 1000, PricePrecision: 4},
	Option:  {ShortAllowed: true, Leverage: 10, LotSize: 1, PricePrecision: 4},
	Metal:   {ShortAllowed: true, Leverage: 1, LotSize: 1, PricePrecision: 2},
	Index:   {ShortAllowed: false, Leverage: 1, LotSize: 1, PricePrecision: 2},
	Bond:    {ShortAllowed: false, Leverage: 1, LotSize: 1, PricePrecision: 2},
	Fund:    {ShortAllowed: false, Leverage: 1, LotSize: 1, PricePrecision: 2},
}

// RulesFor 查表；未知分类属于配置错误。
func RulesFor(c Classification) (Rules, error) {
	r, ok := rulesTable[c]
	if !ok {
		return Rules{}, risk.Configf("market", "no rules for %s", c)
	}
	return r, nil
}

// Classifications 按枚举顺序返回全部分类。
func Classifications() []Classification {
	out := make([]Classification, 0, len(rulesTable))
	for c := range rulesTable {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
