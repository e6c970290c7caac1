package gateway

import "time"

const dateLayout = "2006-01-02"

// TradingDate 最近交易日：周六、周日回退到周五。节假日不处理。
func TradingDate(now time.Time) time.Time {
	switch now.Weekday() {
	case time.Saturday:
		now = now.AddDate(0, 0, -1)
	case time.Sunday:
		now = now.AddDate(0, 0, -2)
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// FormatDate 服务端使用的日期格式。
func FormatDate(t time.Time) string { return t.Format(dateLayout) }
