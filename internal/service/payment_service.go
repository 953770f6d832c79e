package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradecenter/internal/config"
	"tradecenter/internal/infrastructure/lock"
	"tradecenter/internal/model"
	"tradecenter/internal/repository"
	"tradecenter/pkg/clock"
	"tradecenter/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 支付结果状态（对外）
const (
	PayResultSuccess         = "SUCCESS"
	PayResultFailed          = "FAILED"
	PayResultPending         = "PENDING"
	PayResultRequirePassword = "REQUIRE_PASSWORD"
)

// PaymentService 支付服务
// 编排一次支付尝试：定位订单 -> 校验金额与支付方式 -> 扣款（带幂等键）
// -> 落支付单终态 -> 回调订单服务翻转支付状态
type PaymentService struct {
	db            *gorm.DB
	rdb           *redis.Client
	cfg           *config.Config
	log           *zap.Logger
	clk           clock.Clock
	paymentRepo   *repository.PaymentRepository
	outboxRepo    *repository.OutboxRepository
	accountClient AccountClient
	orderClient   OrderClient
}

func NewPaymentService(db *gorm.DB, rdb *redis.Client, cfg *config.Config, log *zap.Logger, clk clock.Clock,
	accountClient AccountClient, orderClient OrderClient) *PaymentService {
	return &PaymentService{
		db:            db,
		rdb:           rdb,
		cfg:           cfg,
		log:           log,
		clk:           clk,
		paymentRepo:   repository.NewPaymentRepository(db),
		outboxRepo:    repository.NewOutboxRepository(db),
		accountClient: accountClient,
		orderClient:   orderClient,
	}
}

// PayRequest 支付请求
// PaymentNo 可选：客户端上次调用超时后重试时必须带上原单号，
// 换新单号重发会导致重复扣款风险由幂等层兜底但支付单会多开
type PayRequest struct {
	UserID    int64
	OrderNo   string
	Method    string
	Amount    int64
	PayToken  string
	PaymentNo string
}

// PayResult 支付结果
type PayResult struct {
	PaymentNo string `json:"payment_no"`
	OrderNo   string `json:"order_no"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Message   string `json:"message,omitempty"`
}

// ExecutePayment 执行一次支付尝试
//
// 任何失败都不会把订单推进到已支付：余额不足/冲突耗尽落 FAILED 支付单并报错，
// 订单保持可支付；下游超时保持 PENDING 支付单，调用方携带原 payment_no 重试
func (s *PaymentService) ExecutePayment(ctx context.Context, req *PayRequest) (*PayResult, error) {
	switch req.Method {
	case model.PayMethodBalance:
	case model.PayMethodAlipay, model.PayMethodWechat:
		// 外部渠道暂未接入
		return nil, ErrUnsupportedPayMethod
	default:
		return nil, ErrUnsupportedPayMethod
	}

	// 同一用户同一时刻只允许一笔支付在途
	// 必须先抢锁再做订单校验与支付单定位：两笔并发请求若都先过校验，
	// 会各自开一张 PENDING 支付单、各持一个幂等键，同一订单被扣两次
	payLock := lock.NewPayLock(s.rdb, req.UserID, uuid.NewString())
	if err := payLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer payLock.Unlock(ctx)

	// 锁内重新读取订单，拿到的是前一笔在途支付落账后的最新状态
	order, err := s.orderClient.GetOrderByNo(ctx, req.OrderNo)
	if err != nil {
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	if order.UserID != req.UserID {
		return nil, ErrPermissionDenied
	}

	// 已支付订单的重复支付请求按幂等处理
	if order.Paid() {
		if record, _ := s.paymentRepo.GetByReferenceAndStatus(ctx, req.UserID, req.OrderNo,
			model.PaymentTypeOrder, model.PaymentStatusSuccess); record != nil {
			return &PayResult{
				PaymentNo: record.PaymentNo,
				OrderNo:   req.OrderNo,
				Status:    PayResultSuccess,
				Amount:    record.Amount,
				Message:   "订单已支付",
			}, nil
		}
		return nil, ErrOrderNotPayable
	}
	if order.Status != model.OrderStatusPending {
		return nil, ErrOrderNotPayable
	}

	// 防客户端篡改：请求金额必须与订单应付一致
	if req.Amount != order.TotalAmount {
		return nil, ErrAmountMismatch
	}

	// 余额支付需要先通过支付密码验证换取支付令牌
	if ok, err := s.checkPayToken(ctx, req.UserID, req.PayToken); err != nil {
		return nil, fmt.Errorf("校验支付令牌失败: %w", err)
	} else if !ok {
		return &PayResult{
			OrderNo: req.OrderNo,
			Status:  PayResultRequirePassword,
			Amount:  order.TotalAmount,
			Message: "请先验证支付密码",
		}, nil
	}

	record, result, err := s.resolvePaymentRecord(ctx, req, order)
	if err != nil || result != nil {
		return result, err
	}

	_, err = s.accountClient.DeductBalance(ctx, &WalletMutation{
		UserID:        req.UserID,
		Amount:        order.TotalAmount,
		Remark:        fmt.Sprintf("订单支付-%s", order.OrderNo),
		ReferenceID:   order.OrderNo,
		ReferenceType: model.PaymentTypeOrder,
		PaymentNo:     record.PaymentNo,
	})
	if err != nil {
		return s.handleDeductFailure(ctx, record, err)
	}

	return s.settleSuccess(ctx, record, order, req.Method)
}

// resolvePaymentRecord 定位或创建本次尝试的支付单
// 重试请求复用原 PENDING 支付单；已成功的直接返回成功（幂等）
// 调用方必须持有该用户的支付锁，否则在途支付单查询存在并发开单窗口
func (s *PaymentService) resolvePaymentRecord(ctx context.Context, req *PayRequest, order *model.ServiceOrder) (*model.PaymentRecord, *PayResult, error) {
	if req.PaymentNo != "" {
		record, err := s.paymentRepo.GetByPaymentNo(ctx, req.PaymentNo)
		if err != nil {
			return nil, nil, fmt.Errorf("查询支付单失败: %w", err)
		}
		if record.UserID != req.UserID || record.ReferenceID != req.OrderNo {
			return nil, nil, ErrPermissionDenied
		}
		switch record.Status {
		case model.PaymentStatusSuccess:
			return nil, &PayResult{
				PaymentNo: record.PaymentNo,
				OrderNo:   req.OrderNo,
				Status:    PayResultSuccess,
				Amount:    record.Amount,
				Message:   "订单已支付",
			}, nil
		case model.PaymentStatusFailed:
			return nil, &PayResult{
				PaymentNo: record.PaymentNo,
				OrderNo:   req.OrderNo,
				Status:    PayResultFailed,
				Amount:    record.Amount,
				Message:   "该支付单已失败，请发起新的支付",
			}, nil
		}
		return record, nil, nil
	}

	// 订单状态回调失败时订单可能还挂着未支付，但扣款已经落地，
	// 此时绝不能再开新支付单，等对账任务把订单补平
	settled, err := s.paymentRepo.GetByReferenceAndStatus(ctx, req.UserID, req.OrderNo,
		model.PaymentTypeOrder, model.PaymentStatusSuccess)
	if err != nil {
		return nil, nil, fmt.Errorf("查询支付单失败: %w", err)
	}
	if settled != nil {
		return nil, &PayResult{
			PaymentNo: settled.PaymentNo,
			OrderNo:   req.OrderNo,
			Status:    PayResultSuccess,
			Amount:    settled.Amount,
			Message:   "订单已支付",
		}, nil
	}

	// 同订单已有在途支付单时复用，避免一次业务开多个幂等键
	record, err := s.paymentRepo.GetByReferenceAndStatus(ctx, req.UserID, req.OrderNo,
		model.PaymentTypeOrder, model.PaymentStatusPending)
	if err != nil {
		return nil, nil, fmt.Errorf("查询支付单失败: %w", err)
	}
	if record != nil {
		return record, nil, nil
	}

	record = &model.PaymentRecord{
		PaymentNo:     idgen.GeneratePaymentNo(),
		UserID:        req.UserID,
		PayeeID:       order.ProviderID,
		PaymentMethod: req.Method,
		PaymentType:   model.PaymentTypeOrder,
		ReferenceID:   order.OrderNo,
		ReferenceType: order.OrderType,
		Amount:        order.TotalAmount,
		ServiceFee:    order.ServiceFee,
		Status:        model.PaymentStatusPending,
	}
	if err := s.paymentRepo.Create(ctx, nil, record); err != nil {
		return nil, nil, fmt.Errorf("创建支付单失败: %w", err)
	}
	return record, nil, nil
}

// handleDeductFailure 扣款失败的收尾
// 确定性失败（余额不足/冲突耗尽）落 FAILED 终态；结果未知时保持 PENDING
func (s *PaymentService) handleDeductFailure(ctx context.Context, record *model.PaymentRecord, err error) (*PayResult, error) {
	if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrConcurrencyConflict) {
		markErr := s.db.Transaction(func(tx *gorm.DB) error {
			if e := s.paymentRepo.UpdateStatus(ctx, tx, record.PaymentNo,
				model.PaymentStatusPending, model.PaymentStatusFailed, nil); e != nil {
				return e
			}
			return s.writePaymentEvent(ctx, tx, record, "payment_failed")
		})
		if markErr != nil && !errors.Is(markErr, repository.ErrPaymentStatusInvalid) {
			s.log.Error("标记支付单失败态出错",
				zap.String("payment_no", record.PaymentNo), zap.Error(markErr))
		}
		return nil, err
	}

	if errors.Is(err, ErrDownstreamUnavailable) {
		s.log.Warn("扣款结果未知，支付单保持在途",
			zap.String("payment_no", record.PaymentNo), zap.Error(err))
		return &PayResult{
			PaymentNo: record.PaymentNo,
			OrderNo:   record.ReferenceID,
			Status:    PayResultPending,
			Amount:    record.Amount,
			Message:   "支付处理中，请携带原支付单号重试或查询结果",
		}, ErrDownstreamUnavailable
	}

	return nil, fmt.Errorf("扣款失败: %w", err)
}

// settleSuccess 扣款成功后的落账：支付单置成功 + 回调订单服务
func (s *PaymentService) settleSuccess(ctx context.Context, record *model.PaymentRecord, order *model.ServiceOrder, method string) (*PayResult, error) {
	now := s.clk.Now()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if e := s.paymentRepo.UpdateStatus(ctx, tx, record.PaymentNo,
			model.PaymentStatusPending, model.PaymentStatusSuccess,
			map[string]interface{}{"payment_time": now}); e != nil {
			return e
		}
		return s.writePaymentEvent(ctx, tx, record, "payment_success")
	})
	// 并发重试已把支付单标成功，按幂等处理
	if err != nil && !errors.Is(err, repository.ErrPaymentStatusInvalid) {
		// 扣款已落地，支付单未标成功 —— 对账任务会补上这一步
		s.log.Error("支付单落成功态失败，等待对账补偿",
			zap.String("payment_no", record.PaymentNo), zap.Error(err))
		return nil, fmt.Errorf("支付落账失败: %w", err)
	}

	if _, err := s.orderClient.UpdateOrderStatus(ctx, &OrderStatusUpdate{
		OrderID:       order.ID,
		OrderNo:       order.OrderNo,
		PaymentStatus: model.PayStatusSuccess,
		PaymentMethod: method,
	}); err != nil {
		// 支付已成功，订单状态由对账任务最终补平
		s.log.Warn("回调订单服务失败，等待对账补偿",
			zap.String("order_no", order.OrderNo),
			zap.String("payment_no", record.PaymentNo),
			zap.Error(err))
	}

	s.log.Info("支付成功",
		zap.String("payment_no", record.PaymentNo),
		zap.String("order_no", order.OrderNo),
		zap.Int64("user_id", record.UserID),
		zap.Int64("amount", record.Amount))

	return &PayResult{
		PaymentNo: record.PaymentNo,
		OrderNo:   order.OrderNo,
		Status:    PayResultSuccess,
		Amount:    record.Amount,
		Message:   "支付成功",
	}, nil
}

// ============================================================================
// 退款
// ============================================================================

// RefundPayment 按幂等键退款
// 入账走 AddBalance（refund_no 幂等），支付单退款额乐观锁累加；
// 中断后携带同一 refund_no 重试可安全续作
func (s *PaymentService) RefundPayment(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	if req.Amount <= 0 {
		return nil, errors.New("退款金额必须大于0")
	}
	if req.RefundNo == "" {
		return nil, errors.New("退款单号不能为空")
	}

	record, err := s.locateRefundable(ctx, req)
	if err != nil {
		return nil, err
	}

	refundLock := lock.NewRefundLock(s.rdb, record.ReferenceID, req.RefundNo)
	if err := refundLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer refundLock.Unlock(ctx)

	// 拿锁后重读，防止并发退款双花
	record, err = s.paymentRepo.GetByPaymentNo(ctx, record.PaymentNo)
	if err != nil {
		return nil, err
	}

	remaining := record.Amount - record.RefundAmount
	if req.Amount > remaining {
		if remaining == 0 {
			// 已退满，幂等返回
			return &RefundResult{
				RefundNo:  req.RefundNo,
				PaymentNo: record.PaymentNo,
				OrderNo:   record.ReferenceID,
				Amount:    record.RefundAmount,
				Status:    model.PaymentStatusRefunded,
			}, nil
		}
		return nil, fmt.Errorf("退款金额超过可退余额: 可退 %d", remaining)
	}

	applied, err := s.accountClient.AddBalance(ctx, &WalletMutation{
		UserID:        record.UserID,
		Amount:        req.Amount,
		Remark:        fmt.Sprintf("退款-%s-%s", req.RefundNo, req.Reason),
		ReferenceID:   record.ReferenceID,
		ReferenceType: record.ReferenceType,
		PaymentNo:     req.RefundNo,
	})
	if err != nil {
		return nil, fmt.Errorf("退款入账失败: %w", err)
	}
	if !applied && record.RefundTime != nil {
		// 入账与支付单都已落地过，这是一次完全重复的调用
		return &RefundResult{
			RefundNo:  req.RefundNo,
			PaymentNo: record.PaymentNo,
			OrderNo:   record.ReferenceID,
			Amount:    req.Amount,
			Status:    record.Status,
		}, nil
	}

	now := s.clk.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if e := s.paymentRepo.ApplyRefund(ctx, tx, record, req.Amount, now); e != nil {
			return e
		}
		return s.writePaymentEvent(ctx, tx, record, "payment_refunded")
	})
	if err != nil {
		// 入账已落地，支付单退款额未更新 —— 重试同一 refund_no 时会续作
		return nil, fmt.Errorf("更新支付单退款信息失败: %w", err)
	}

	status := model.PaymentStatusSuccess
	if record.RefundAmount+req.Amount >= record.Amount {
		status = model.PaymentStatusRefunded
	}

	s.log.Info("退款成功",
		zap.String("refund_no", req.RefundNo),
		zap.String("payment_no", record.PaymentNo),
		zap.Int64("amount", req.Amount))

	return &RefundResult{
		RefundNo:  req.RefundNo,
		PaymentNo: record.PaymentNo,
		OrderNo:   record.ReferenceID,
		Amount:    req.Amount,
		Status:    status,
	}, nil
}

func (s *PaymentService) locateRefundable(ctx context.Context, req *RefundRequest) (*model.PaymentRecord, error) {
	if req.PaymentNo != "" {
		record, err := s.paymentRepo.GetByPaymentNo(ctx, req.PaymentNo)
		if err != nil {
			return nil, err
		}
		if record.Status != model.PaymentStatusSuccess && record.Status != model.PaymentStatusRefunded {
			return nil, fmt.Errorf("支付单状态不允许退款: %s", record.Status)
		}
		return record, nil
	}

	record, err := s.paymentRepo.GetByReferenceAndStatus(ctx, req.UserID, req.OrderNo,
		model.PaymentTypeOrder, model.PaymentStatusSuccess)
	if err != nil {
		return nil, err
	}
	if record == nil {
		// 可能已退满进入 REFUNDED，重试场景下仍要能定位到
		record, err = s.paymentRepo.GetByReferenceAndStatus(ctx, req.UserID, req.OrderNo,
			model.PaymentTypeOrder, model.PaymentStatusRefunded)
		if err != nil {
			return nil, err
		}
	}
	if record == nil {
		return nil, repository.ErrPaymentNotFound
	}
	return record, nil
}

// ============================================================================
// 支付密码 / 支付令牌
// ============================================================================

// PayTokenResult 密码验证通过后签发的支付令牌
type PayTokenResult struct {
	PayToken  string `json:"pay_token"`
	ExpiresIn int    `json:"expires_in"`
}

// VerifyPassword 验证支付密码并签发支付令牌
// 令牌存 Redis，有效期内同一会话免密；锁定/错误语义由账户服务保证
func (s *PaymentService) VerifyPassword(ctx context.Context, userID int64, password string) (*PayTokenResult, error) {
	if err := s.accountClient.VerifyPaymentPassword(ctx, userID, password); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	ttl := s.payTokenTTL()
	if err := s.rdb.Set(ctx, payTokenKey(userID), token, ttl).Err(); err != nil {
		return nil, fmt.Errorf("保存支付令牌失败: %w", err)
	}
	return &PayTokenResult{
		PayToken:  token,
		ExpiresIn: int(ttl.Seconds()),
	}, nil
}

func (s *PaymentService) checkPayToken(ctx context.Context, userID int64, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	stored, err := s.rdb.Get(ctx, payTokenKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return stored == token, nil
}

func payTokenKey(userID int64) string {
	return fmt.Sprintf("pay:token:user:%d", userID)
}

func (s *PaymentService) payTokenTTL() time.Duration {
	if n := s.cfg.Business.PayTokenTTLSeconds; n > 0 {
		return time.Duration(n) * time.Second
	}
	return 5 * time.Minute
}

// ============================================================================
// 查询
// ============================================================================

// PayMethod 支付方式描述
type PayMethod struct {
	Method  string `json:"method"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// ListPayMethods 可用支付方式，外部渠道未接入前置灰
func (s *PaymentService) ListPayMethods() []PayMethod {
	return []PayMethod{
		{Method: model.PayMethodBalance, Name: "余额支付", Enabled: true},
		{Method: model.PayMethodAlipay, Name: "支付宝", Enabled: false},
		{Method: model.PayMethodWechat, Name: "微信支付", Enabled: false},
	}
}

// GetPaymentByOrderNo 按订单号查最近一条支付单（状态查询用）
func (s *PaymentService) GetPaymentByOrderNo(ctx context.Context, userID int64, orderNo string) (*model.PaymentRecord, error) {
	record, err := s.paymentRepo.GetLatestByReference(ctx, userID, orderNo, model.PaymentTypeOrder)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, repository.ErrPaymentNotFound
	}
	return record, nil
}

// GetPayment 按支付单号查询
func (s *PaymentService) GetPayment(ctx context.Context, paymentNo string) (*model.PaymentRecord, error) {
	return s.paymentRepo.GetByPaymentNo(ctx, paymentNo)
}

// GetWallet 查询付款人钱包
func (s *PaymentService) GetWallet(ctx context.Context, userID int64) (*WalletInfo, error) {
	return s.accountClient.GetBalance(ctx, userID)
}

// writePaymentEvent 支付事件进发件箱，与支付单写入同事务
func (s *PaymentService) writePaymentEvent(ctx context.Context, tx *gorm.DB, record *model.PaymentRecord, event string) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"event":        event,
		"payment_no":   record.PaymentNo,
		"user_id":      record.UserID,
		"reference_id": record.ReferenceID,
		"amount":       record.Amount,
		"occurred_at":  s.clk.Now().Format(time.RFC3339),
	})
	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: record.PaymentNo,
		Topic:      s.cfg.Kafka.Topic.PaymentEvent,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}
