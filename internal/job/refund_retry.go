package job

import (
	"context"
	"time"

	"tradecenter/internal/service"

	"go.uber.org/zap"
)

// RefundRetryJob 取消退款补偿任务
// 订单取消时退款调用失败会停在 CANCEL_PENDING，本任务周期性
// 携带订单上存的退款单号重发退款，退款幂等保证不会多退
type RefundRetryJob struct {
	orderService *service.OrderService
	log          *zap.Logger
	stopCh       chan struct{}
	interval     time.Duration
	batchSize    int
}

func NewRefundRetryJob(orderService *service.OrderService, log *zap.Logger) *RefundRetryJob {
	return &RefundRetryJob{
		orderService: orderService,
		log:          log,
		stopCh:       make(chan struct{}),
		interval:     30 * time.Second,
		batchSize:    50,
	}
}

func (j *RefundRetryJob) Start(ctx context.Context) {
	j.log.Info("取消退款补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("取消退款补偿任务退出")
			return
		case <-j.stopCh:
			j.log.Info("取消退款补偿任务停止")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *RefundRetryJob) Stop() {
	close(j.stopCh)
}

func (j *RefundRetryJob) runOnce(ctx context.Context) {
	settled, err := j.orderService.RetryCancelPending(ctx, j.batchSize)
	if err != nil {
		j.log.Error("扫描取消中订单失败", zap.Error(err))
		return
	}
	if settled > 0 {
		j.log.Info("本轮补偿落地退款", zap.Int("count", settled))
	}
}
