package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 余额扣减本身靠乐观锁保证正确性，这里的锁只用来收敛同一用户的
// 并发支付请求：同一用户同一时刻只允许一笔支付在途，避免两笔请求
// 反复互相打掉对方的 CAS 重试
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥；EX 防止持有者崩溃后死锁
//   - value 记录持有者，释放时校验，防止误删别人的锁
// 释放：Lua 脚本保证「校验+删除」原子执行
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 持有者标识，释放时验证
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// Lua 脚本先校验 value 再删除，锁超时被他人接管后不会误删
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewPayLock 创建支付锁（按用户维度）
// 同一用户的支付请求串行化，不同用户互不影响
// holder 为本次持有者标识（随机即可），释放时校验
func NewPayLock(client *redis.Client, userID int64, holder string) *DistributedLock {
	key := fmt.Sprintf("pay:lock:user:%d", userID)
	return NewDistributedLock(client, key, holder, 30*time.Second)
}

// NewRefundLock 创建退款锁（按订单维度）
func NewRefundLock(client *redis.Client, orderNo, refundNo string) *DistributedLock {
	key := fmt.Sprintf("refund:lock:order:%s", orderNo)
	return NewDistributedLock(client, key, refundNo, 30*time.Second)
}
