package engine

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetrySchedule 描述资源类错误的重试上限与退避区间。
// 延迟是确定的，不加抖动，便于从存储中的尝试次数重建定时器。
type RetrySchedule struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Initial     time.Duration `yaml:"initial" json:"initial"`
	Max         time.Duration `yaml:"max" json:"max"`
}

// Delay 返回第 failures 次失败之后的等待时间。达到上限时返回 false。
func (r RetrySchedule) Delay(failures int) (time.Duration, bool) {
	if failures <= 0 {
		return 0, true
	}
	if failures >= r.attempts() {
		return 0, false
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.Initial
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Second
	}
	exp.MaxInterval = r.Max
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = 5 * time.Minute
	}
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()

	var wait time.Duration
	for i := 0; i < failures; i++ {
		wait = exp.NextBackOff()
	}
	return wait, true
}

func (r RetrySchedule) attempts() int {
	if r.MaxAttempts <= 0 {
		return 5
	}
	return r.MaxAttempts
}
