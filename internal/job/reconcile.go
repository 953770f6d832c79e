package job

import (
	"context"
	"sync"
	"time"

	"tradecenter/internal/model"
	"tradecenter/internal/repository"
	"tradecenter/internal/service"
	"tradecenter/pkg/clock"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReconcileJob 支付对账任务
//
// 三类差异的发现与修复：
// 1. 支付单 SUCCESS 但订单仍未支付 —— 回调丢失，重放订单状态更新
// 2. 支付单长时间 PENDING —— 查流水判定扣款是否落地：
//    有流水则补成 SUCCESS，超窗无流水则关单 FAILED
// 3. 流水总和与账户余额不一致 —— 只告警不自动修，账本异常必须人工定位
type ReconcileJob struct {
	db              *gorm.DB
	paymentRepo     *repository.PaymentRepository
	transactionRepo *repository.TransactionRepository
	accountService  *service.AccountService
	orderClient     service.OrderClient
	log             *zap.Logger
	clk             clock.Clock
	pool            *ants.Pool
	stopCh          chan struct{}
	interval        time.Duration
	batchSize       int
	pendingWindow   time.Duration // PENDING 超过该时长才参与对账
	failWindow      time.Duration // 超过该时长仍无流水则判定失败
}

func NewReconcileJob(db *gorm.DB, accountService *service.AccountService,
	orderClient service.OrderClient, log *zap.Logger, clk clock.Clock) *ReconcileJob {
	pool, _ := ants.NewPool(8)
	return &ReconcileJob{
		db:              db,
		paymentRepo:     repository.NewPaymentRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		accountService:  accountService,
		orderClient:     orderClient,
		log:             log,
		clk:             clk,
		pool:            pool,
		stopCh:          make(chan struct{}),
		interval:        time.Minute,
		batchSize:       50,
		pendingWindow:   5 * time.Minute,
		failWindow:      30 * time.Minute,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	j.log.Info("支付对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("支付对账任务退出")
			j.pool.Release()
			return
		case <-j.stopCh:
			j.log.Info("支付对账任务停止")
			j.pool.Release()
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ReconcileJob) runOnce(ctx context.Context) {
	j.reconcileSuccessPayments(ctx)
	j.reconcileStalePending(ctx)
}

// reconcileSuccessPayments 支付成功但订单未同步的差异修复
func (j *ReconcileJob) reconcileSuccessPayments(ctx context.Context) {
	since := j.clk.Now().Add(-24 * time.Hour)
	records, err := j.paymentRepo.GetRecentSuccessByType(ctx, model.PaymentTypeOrder, since, j.batchSize)
	if err != nil {
		j.log.Error("查询成功支付单失败", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, record := range records {
		record := record
		wg.Add(1)
		if err := j.pool.Submit(func() {
			defer wg.Done()
			j.replayOrderPayment(ctx, record)
		}); err != nil {
			wg.Done()
			j.log.Error("提交对账任务失败", zap.Error(err))
		}
	}
	wg.Wait()
}

func (j *ReconcileJob) replayOrderPayment(ctx context.Context, record *model.PaymentRecord) {
	order, err := j.orderClient.GetOrderByNo(ctx, record.ReferenceID)
	if err != nil {
		j.log.Warn("对账查询订单失败",
			zap.String("order_no", record.ReferenceID), zap.Error(err))
		return
	}
	if order.Paid() {
		return
	}

	ok, err := j.orderClient.UpdateOrderStatus(ctx, &service.OrderStatusUpdate{
		OrderNo:       order.OrderNo,
		PaymentStatus: model.PayStatusSuccess,
		PaymentMethod: record.PaymentMethod,
	})
	if err != nil || !ok {
		j.log.Warn("重放订单支付状态失败",
			zap.String("order_no", order.OrderNo),
			zap.String("payment_no", record.PaymentNo),
			zap.Error(err))
		return
	}

	j.log.Info("对账修复：订单支付状态已补齐",
		zap.String("order_no", order.OrderNo),
		zap.String("payment_no", record.PaymentNo))

	// 顺带核对该用户账本，不一致只告警
	j.checkLedger(ctx, record.UserID)
}

// reconcileStalePending 长时间停留在 PENDING 的支付单
// 扣款成功与否以流水为准：流水是扣款事务的一部分，有流水即扣款已落地
func (j *ReconcileJob) reconcileStalePending(ctx context.Context) {
	now := j.clk.Now()
	records, err := j.paymentRepo.GetStalePending(ctx, now.Add(-j.pendingWindow), j.batchSize)
	if err != nil {
		j.log.Error("查询滞留支付单失败", zap.Error(err))
		return
	}

	for _, record := range records {
		trans, err := j.transactionRepo.GetByPaymentNoAndType(ctx, nil, record.PaymentNo, model.TransactionTypeExpense)
		if err != nil {
			j.log.Error("查询支付流水失败", zap.String("payment_no", record.PaymentNo), zap.Error(err))
			continue
		}

		if trans != nil {
			j.promotePending(ctx, record)
			continue
		}

		if now.Sub(record.CreatedAt) > j.failWindow {
			if err := j.paymentRepo.UpdateStatus(ctx, nil, record.PaymentNo,
				model.PaymentStatusPending, model.PaymentStatusFailed, nil); err != nil {
				j.log.Error("关闭滞留支付单失败", zap.String("payment_no", record.PaymentNo), zap.Error(err))
				continue
			}
			j.log.Info("对账关闭超窗支付单", zap.String("payment_no", record.PaymentNo))
		}
	}
}

// promotePending 扣款已落地但状态没推进的支付单，补成 SUCCESS 并同步订单
func (j *ReconcileJob) promotePending(ctx context.Context, record *model.PaymentRecord) {
	now := j.clk.Now()
	err := j.paymentRepo.UpdateStatus(ctx, nil, record.PaymentNo,
		model.PaymentStatusPending, model.PaymentStatusSuccess,
		map[string]interface{}{"payment_time": now})
	if err != nil {
		j.log.Error("补齐支付单状态失败", zap.String("payment_no", record.PaymentNo), zap.Error(err))
		return
	}

	j.log.Info("对账修复：支付单补成功",
		zap.String("payment_no", record.PaymentNo),
		zap.Int64("user_id", record.UserID))

	if record.PaymentType == model.PaymentTypeOrder {
		j.replayOrderPayment(ctx, record)
	}
}

func (j *ReconcileJob) checkLedger(ctx context.Context, userID int64) {
	consistent, err := j.accountService.CheckLedgerConsistency(ctx, userID)
	if err != nil {
		j.log.Error("账本核对失败", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	if !consistent {
		j.log.Error("【对账告警】流水总和与账户余额不一致", zap.Int64("user_id", userID))
	}
}
