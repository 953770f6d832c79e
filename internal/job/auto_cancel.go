package job

import (
	"context"
	"time"

	"tradecenter/internal/service"

	"go.uber.org/zap"
)

// AutoCancelJob 超时未支付订单自动取消任务
// 扫描条件由订单服务把关：只有 PENDING 且未支付的订单会被取消，
// 取消不触碰任何资金
type AutoCancelJob struct {
	orderService *service.OrderService
	log          *zap.Logger
	stopCh       chan struct{}
	interval     time.Duration
	batchSize    int
}

func NewAutoCancelJob(orderService *service.OrderService, log *zap.Logger) *AutoCancelJob {
	return &AutoCancelJob{
		orderService: orderService,
		log:          log,
		stopCh:       make(chan struct{}),
		interval:     10 * time.Second,
		batchSize:    100,
	}
}

func (j *AutoCancelJob) Start(ctx context.Context) {
	j.log.Info("订单自动取消任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("订单自动取消任务退出")
			return
		case <-j.stopCh:
			j.log.Info("订单自动取消任务停止")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *AutoCancelJob) Stop() {
	close(j.stopCh)
}

func (j *AutoCancelJob) runOnce(ctx context.Context) {
	cancelled, err := j.orderService.AutoCancelExpired(ctx, j.batchSize)
	if err != nil {
		j.log.Error("扫描超时订单失败", zap.Error(err))
		return
	}
	if cancelled > 0 {
		j.log.Info("本轮自动取消订单", zap.Int("count", cancelled))
	}
}
