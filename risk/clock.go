package risk

import "time"

// Clock 抽象时间便于测试。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SystemClock 默认使用系统时间。
var SystemClock Clock = realClock{}

// ClockFunc 允许直接用函数充当 Clock。
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// FixedClock 始终返回同一时刻，测试用。
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}
