package market

import (
	"strconv"
	"strings"
	"time"
)

// Kline represents one daily OHLC bar as returned by the history endpoint.
type Kline struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Amount float64
	Ts     time.Time
}

// Valid 收盘价必须为正。
func (k Kline) Valid() bool {
	return k.Close > 0
}

// PriceSequence 编码为预测接口要求的 "open|high|low|close|volume|amount"。
func (k Kline) PriceSequence() string {
	vals := []float64{k.Open, k.High, k.Low, k.Close, k.Volume, k.Amount}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, "|")
}
