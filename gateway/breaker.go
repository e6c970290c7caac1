package gateway

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig 熔断参数。
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	OnStateChange       func(name string, from, to string)
}

// NewBreaker 连续失败达到阈值后熔断，OpenTimeout 后半开放行一次探测。
// 鉴权失败与响应格式错误不计入失败次数：服务本身是通的。
// 整个服务共用一个熔断器，不按品种区分；熔断期间本批剩余品种直接记为 connection_failed。
func NewBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "prediction-service"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	threshold := cfg.ConsecutiveFailures
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
	}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= threshold }
	st.IsSuccessful = func(err error) bool {
		if err == nil {
			return true
		}
		switch KindOf(err) {
		case KindAuthFailed, KindMalformedResponse:
			return true
		}
		return false
	}
	if cfg.OnStateChange != nil {
		cb := cfg.OnStateChange
		st.OnStateChange = func(name string, from, to gobreaker.State) { cb(name, from.String(), to.String()) }
	}
	return gobreaker.NewCircuitBreaker(st)
}
