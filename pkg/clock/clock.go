package clock

import (
	"sync"
	"time"
)

// Clock 时间源抽象
// 自动取消、对账这类定时任务依赖"现在几点"，注入时间源后可以在测试里拨表
type Clock interface {
	Now() time.Time
}

// Real 真实时钟
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

// Fake 测试用假时钟，可手动推进
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance 拨快时钟
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set 直接设置当前时间
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
