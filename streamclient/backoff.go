package streamclient

import (
	"math"
	"time"
)

// BackoffPolicy 指数退避参数
type BackoffPolicy struct {
	Base time.Duration // 第一次失败后的等待
	Max  time.Duration // 等待上限
}

// Delay 返回第attempt次(从0开始)失败后的等待时长: min(Base*2^attempt, Max)
//
// Max为0表示不封顶，结果在math.MaxInt64处饱和。
//
// 默认参数(1s, 30s)下:
//   - attempt 0: 1s
//   - attempt 1: 2s
//   - attempt 2: 4s
//   - attempt 5: 30s (封顶)
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		// 逐次翻倍，到达上限后提前返回，避免溢出
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
