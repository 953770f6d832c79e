package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradecenter/internal/config"
	"tradecenter/internal/model"
	"tradecenter/internal/repository"
	"tradecenter/pkg/clock"
	"tradecenter/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OrderService 订单服务
// 持有订单状态机：创建 -> 支付 -> 接单 -> 开始 -> 完成，以及取消/退款侧路
// 所有状态写入都走乐观锁条件更新，并发接单/取消最多一个成功
type OrderService struct {
	db            *gorm.DB
	cfg           *config.Config
	log           *zap.Logger
	clk           clock.Clock
	orderRepo     *repository.OrderRepository
	outboxRepo    *repository.OutboxRepository
	paymentClient PaymentClient
}

func NewOrderService(db *gorm.DB, cfg *config.Config, log *zap.Logger, clk clock.Clock) *OrderService {
	return &OrderService{
		db:         db,
		cfg:        cfg,
		log:        log,
		clk:        clk,
		orderRepo:  repository.NewOrderRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
	}
}

// BindPaymentClient 注入支付客户端
// 订单与支付互相调用，只能在两个服务都构造完成后再绑定
func (s *OrderService) BindPaymentClient(client PaymentClient) {
	s.paymentClient = client
}

func (s *OrderService) maxRetries() int {
	if n := s.cfg.Business.CASMaxRetries; n > 0 {
		return n
	}
	return 3
}

func (s *OrderService) autoCancelAfter() time.Duration {
	if n := s.cfg.Business.AutoCancelMinutes; n > 0 {
		return time.Duration(n) * time.Minute
	}
	return 10 * time.Minute
}

// ============================================================================
// 创建与预览
// ============================================================================

// CreateOrderRequest 下单请求
type CreateOrderRequest struct {
	UserID     int64
	ProviderID int64
	ServiceID  int64
	OrderType  string
	Quantity   int
	UnitPrice  int64
}

// OrderPreview 订单费用预览
type OrderPreview struct {
	Quantity    int   `json:"quantity"`
	UnitPrice   int64 `json:"unit_price"`
	Subtotal    int64 `json:"subtotal"`
	ServiceFee  int64 `json:"service_fee"`
	TotalAmount int64 `json:"total_amount"`
}

// PreviewOrder 计算订单费用，不落库
// total_amount = subtotal + service_fee，服务费为固定金额
func (s *OrderService) PreviewOrder(req *CreateOrderRequest) (*OrderPreview, error) {
	if req.Quantity <= 0 || req.UnitPrice <= 0 {
		return nil, errors.New("数量和单价必须大于0")
	}
	subtotal := req.UnitPrice * int64(req.Quantity)
	fee := s.cfg.Business.ServiceFee
	return &OrderPreview{
		Quantity:    req.Quantity,
		UnitPrice:   req.UnitPrice,
		Subtotal:    subtotal,
		ServiceFee:  fee,
		TotalAmount: subtotal + fee,
	}, nil
}

// CreateOrder 创建订单
// 初始 PENDING/未支付，超过 auto_cancel_time 仍未支付会被定时任务取消；
// 此时不动任何资金
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*model.ServiceOrder, error) {
	preview, err := s.PreviewOrder(req)
	if err != nil {
		return nil, err
	}
	if req.UserID == req.ProviderID {
		return nil, errors.New("不能给自己下单")
	}

	orderType := req.OrderType
	if orderType == "" {
		orderType = model.OrderTypeCompanion
	}

	now := s.clk.Now()
	order := &model.ServiceOrder{
		OrderNo:        idgen.GenerateOrderNo(),
		UserID:         req.UserID,
		ProviderID:     req.ProviderID,
		ServiceID:      req.ServiceID,
		OrderType:      orderType,
		Quantity:       req.Quantity,
		UnitPrice:      req.UnitPrice,
		Subtotal:       preview.Subtotal,
		ServiceFee:     preview.ServiceFee,
		TotalAmount:    preview.TotalAmount,
		Status:         model.OrderStatusPending,
		PaymentStatus:  model.PayStatusPending,
		AutoCancelTime: now.Add(s.autoCancelAfter()),
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if e := s.orderRepo.Create(ctx, tx, order); e != nil {
			return e
		}
		return s.writeOrderEvent(ctx, tx, order, "order_created")
	})
	if err != nil {
		return nil, fmt.Errorf("创建订单失败: %w", err)
	}

	s.log.Info("订单创建成功",
		zap.String("order_no", order.OrderNo),
		zap.Int64("user_id", order.UserID),
		zap.Int64("total_amount", order.TotalAmount))
	return order, nil
}

// ============================================================================
// 状态流转
// ============================================================================

// AcceptOrder 服务方接单
// 只有支付成功的订单才可接，未支付一律拒绝
func (s *OrderService) AcceptOrder(ctx context.Context, orderNo string, providerID int64) error {
	return s.transition(ctx, orderNo, func(order *model.ServiceOrder) (map[string]interface{}, error) {
		if order.ProviderID != providerID {
			return nil, ErrPermissionDenied
		}
		if order.Status == model.OrderStatusAccepted {
			return nil, nil // 重复接单按幂等处理
		}
		if !order.Paid() || !model.OrderCanTransitionTo(order.Status, model.OrderStatusAccepted) {
			return nil, ErrOrderNotPayable
		}
		return map[string]interface{}{
			"status":        model.OrderStatusAccepted,
			"accepted_time": s.clk.Now(),
		}, nil
	}, "order_accepted")
}

// StartService 开始服务
func (s *OrderService) StartService(ctx context.Context, orderNo string, providerID int64) error {
	return s.transition(ctx, orderNo, func(order *model.ServiceOrder) (map[string]interface{}, error) {
		if order.ProviderID != providerID {
			return nil, ErrPermissionDenied
		}
		if order.Status == model.OrderStatusInProgress {
			return nil, nil
		}
		if !model.OrderCanTransitionTo(order.Status, model.OrderStatusInProgress) {
			return nil, ErrOrderNotPayable
		}
		return map[string]interface{}{
			"status": model.OrderStatusInProgress,
		}, nil
	}, "order_started")
}

// CompleteOrder 完成订单
// 款项在支付时已结清，完成本身不动资金
func (s *OrderService) CompleteOrder(ctx context.Context, orderNo string, providerID int64) error {
	return s.transition(ctx, orderNo, func(order *model.ServiceOrder) (map[string]interface{}, error) {
		if order.ProviderID != providerID {
			return nil, ErrPermissionDenied
		}
		if order.Status == model.OrderStatusCompleted {
			return nil, nil
		}
		if !model.OrderCanTransitionTo(order.Status, model.OrderStatusCompleted) {
			return nil, ErrOrderNotPayable
		}
		return map[string]interface{}{
			"status":         model.OrderStatusCompleted,
			"completed_time": s.clk.Now(),
		}, nil
	}, "order_completed")
}

// CancelOrder 用户取消订单
//
// 未支付：直接取消，不动资金
// 已支付：先落 CANCEL_PENDING 占位，退款成功后才置 CANCELLED；
// 退款调用失败时订单停在 CANCEL_PENDING，由补偿任务携带同一退款单号重试，
// 钱永远不会被静默丢掉
func (s *OrderService) CancelOrder(ctx context.Context, orderNo string, userID int64, reason string) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return ErrPermissionDenied
	}

	switch {
	case order.Status == model.OrderStatusCancelled:
		return nil // 幂等
	case order.Status == model.OrderStatusCancelPending:
		return s.settleCancelRefund(ctx, order)
	case !order.Paid():
		if order.Status != model.OrderStatusPending {
			return ErrOrderNotPayable
		}
		return s.transition(ctx, orderNo, func(o *model.ServiceOrder) (map[string]interface{}, error) {
			if o.Status != model.OrderStatusPending || o.Paid() {
				return nil, ErrOrderNotPayable
			}
			return map[string]interface{}{
				"status":         model.OrderStatusCancelled,
				"cancel_reason":  reason,
				"cancelled_time": s.clk.Now(),
			}, nil
		}, "order_cancelled")
	case model.OrderCanTransitionTo(order.Status, model.OrderStatusCancelPending):
		refundNo := order.RefundNo
		if refundNo == "" {
			refundNo = idgen.GenerateRefundNo()
		}
		err := s.transition(ctx, orderNo, func(o *model.ServiceOrder) (map[string]interface{}, error) {
			if !model.OrderCanTransitionTo(o.Status, model.OrderStatusCancelPending) {
				return nil, ErrOrderNotPayable
			}
			return map[string]interface{}{
				"status":        model.OrderStatusCancelPending,
				"cancel_reason": reason,
				"refund_no":     refundNo,
			}, nil
		}, "order_cancel_requested")
		if err != nil {
			return err
		}
		order, err = s.orderRepo.GetByOrderNo(ctx, orderNo)
		if err != nil {
			return err
		}
		return s.settleCancelRefund(ctx, order)
	default:
		return ErrOrderNotPayable
	}
}

// settleCancelRefund 已支付订单取消的退款落地
// 全额退款，幂等键复用订单上存的 refund_no
func (s *OrderService) settleCancelRefund(ctx context.Context, order *model.ServiceOrder) error {
	result, err := s.paymentClient.RefundPayment(ctx, &RefundRequest{
		UserID:   order.UserID,
		OrderNo:  order.OrderNo,
		RefundNo: order.RefundNo,
		Amount:   order.TotalAmount,
		Reason:   order.CancelReason,
	})
	if err != nil {
		s.log.Warn("取消退款未落地，订单保持取消中",
			zap.String("order_no", order.OrderNo),
			zap.String("refund_no", order.RefundNo),
			zap.Error(err))
		return fmt.Errorf("退款失败，稍后将自动重试: %w", err)
	}

	return s.transition(ctx, order.OrderNo, func(o *model.ServiceOrder) (map[string]interface{}, error) {
		if o.Status == model.OrderStatusCancelled {
			return nil, nil
		}
		if !model.OrderCanTransitionTo(o.Status, model.OrderStatusCancelled) {
			return nil, ErrOrderNotPayable
		}
		return map[string]interface{}{
			"status":         model.OrderStatusCancelled,
			"cancelled_time": s.clk.Now(),
			"refund_amount":  result.Amount,
			"refund_time":    s.clk.Now(),
		}, nil
	}, "order_cancelled")
}

// RefundCompletedOrder 完成后退款（售后），支持部分退款
func (s *OrderService) RefundCompletedOrder(ctx context.Context, orderNo string, userID, amount int64, reason string) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return ErrPermissionDenied
	}
	if order.Status != model.OrderStatusCompleted {
		return ErrOrderNotPayable
	}
	if amount <= 0 || amount > order.TotalAmount-order.RefundAmount {
		return errors.New("退款金额不合法")
	}

	// 退款单号先落到订单上再发起退款：退款结果未知时重试必须带同一单号，
	// 临时生成新号会让幂等层失去判断依据，造成重复入账
	refundNo := order.RefundNo
	if refundNo == "" {
		refundNo = idgen.GenerateRefundNo()
		err := s.transition(ctx, orderNo, func(o *model.ServiceOrder) (map[string]interface{}, error) {
			if o.Status != model.OrderStatusCompleted {
				return nil, ErrOrderNotPayable
			}
			if o.RefundNo != "" {
				// 并发或上次未完成的退款请求已占号，复用
				refundNo = o.RefundNo
				return nil, nil
			}
			return map[string]interface{}{"refund_no": refundNo}, nil
		}, "order_refund_requested")
		if err != nil {
			return err
		}
	}

	result, err := s.paymentClient.RefundPayment(ctx, &RefundRequest{
		UserID:   order.UserID,
		OrderNo:  order.OrderNo,
		RefundNo: refundNo,
		Amount:   amount,
		Reason:   reason,
	})
	if err != nil {
		return fmt.Errorf("退款失败: %w", err)
	}

	return s.transition(ctx, orderNo, func(o *model.ServiceOrder) (map[string]interface{}, error) {
		if o.Status == model.OrderStatusRefunded {
			return nil, nil
		}
		if !model.OrderCanTransitionTo(o.Status, model.OrderStatusRefunded) {
			return nil, ErrOrderNotPayable
		}
		return map[string]interface{}{
			"status":        model.OrderStatusRefunded,
			"refund_amount": o.RefundAmount + result.Amount,
			"refund_time":   s.clk.Now(),
		}, nil
	}, "order_refunded")
}

// UpdateOrderStatus 订单状态更新 RPC 入口（支付服务回调）
//
// 幂等约定：目标状态与当前一致时直接返回 true；
// 支付成功会同时盖上支付时间与支付方式，并使订单脱离自动取消扫描
func (s *OrderService) UpdateOrderStatus(ctx context.Context, upd *OrderStatusUpdate) (bool, error) {
	for i := 0; i < s.maxRetries(); i++ {
		order, err := s.orderRepo.GetByOrderNo(ctx, upd.OrderNo)
		if err != nil {
			return false, err
		}

		updates := map[string]interface{}{}

		if upd.PaymentStatus != "" && upd.PaymentStatus != order.PaymentStatus {
			if !model.PayStatusCanTransitionTo(order.PaymentStatus, upd.PaymentStatus) {
				return false, ErrOrderNotPayable
			}
			updates["payment_status"] = upd.PaymentStatus
			if upd.PaymentStatus == model.PayStatusSuccess {
				updates["payment_time"] = s.clk.Now()
				updates["payment_method"] = upd.PaymentMethod
			}
		}

		if upd.Status != "" && upd.Status != order.Status {
			if !model.OrderCanTransitionTo(order.Status, upd.Status) {
				return false, ErrOrderNotPayable
			}
			updates["status"] = upd.Status
			if upd.Status == model.OrderStatusCancelled {
				updates["cancelled_time"] = s.clk.Now()
				if upd.CancelReason != "" {
					updates["cancel_reason"] = upd.CancelReason
				}
			}
		}

		if len(updates) == 0 {
			return true, nil // 已是目标状态，no-op
		}

		err = s.db.Transaction(func(tx *gorm.DB) error {
			if e := s.orderRepo.UpdateWithVersion(ctx, tx, upd.OrderNo, order.Version, updates); e != nil {
				return e
			}
			return s.writeOrderEvent(ctx, tx, order, "order_status_updated")
		})
		if err == nil {
			return true, nil
		}
		if errors.Is(err, repository.ErrOptimisticLock) {
			continue
		}
		return false, err
	}
	return false, ErrConcurrencyConflict
}

// transition 乐观锁重试环里的单步状态流转
// decide 基于最新快照给出更新字段；返回 (nil, nil) 表示无需变更（幂等命中）
func (s *OrderService) transition(ctx context.Context, orderNo string,
	decide func(*model.ServiceOrder) (map[string]interface{}, error), event string) error {
	for i := 0; i < s.maxRetries(); i++ {
		order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
		if err != nil {
			return err
		}

		updates, err := decide(order)
		if err != nil {
			return err
		}
		if updates == nil {
			return nil
		}

		err = s.db.Transaction(func(tx *gorm.DB) error {
			if e := s.orderRepo.UpdateWithVersion(ctx, tx, orderNo, order.Version, updates); e != nil {
				return e
			}
			return s.writeOrderEvent(ctx, tx, order, event)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrOptimisticLock) {
			continue
		}
		return err
	}
	return ErrConcurrencyConflict
}

// ============================================================================
// 定时任务入口
// ============================================================================

// AutoCancelExpired 取消超时未支付订单
// 只扫 PENDING + 未支付，已支付订单永远不会被扫到；取消不产生任何流水
func (s *OrderService) AutoCancelExpired(ctx context.Context, batchSize int) (int, error) {
	orders, err := s.orderRepo.FindAutoCancelable(ctx, s.clk.Now(), batchSize)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, order := range orders {
		err := s.transition(ctx, order.OrderNo, func(o *model.ServiceOrder) (map[string]interface{}, error) {
			// 扫描和取消之间完成支付的订单要放过
			if o.Status != model.OrderStatusPending || o.Paid() {
				return nil, nil
			}
			return map[string]interface{}{
				"status":         model.OrderStatusCancelled,
				"cancel_reason":  "超时未支付，系统自动取消",
				"cancelled_time": s.clk.Now(),
			}, nil
		}, "order_auto_cancelled")
		if err != nil {
			s.log.Warn("自动取消失败", zap.String("order_no", order.OrderNo), zap.Error(err))
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// RetryCancelPending 重试退款未落地的取消中订单
func (s *OrderService) RetryCancelPending(ctx context.Context, batchSize int) (int, error) {
	orders, err := s.orderRepo.FindCancelPending(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, order := range orders {
		if err := s.settleCancelRefund(ctx, order); err != nil {
			s.log.Warn("取消退款重试失败", zap.String("order_no", order.OrderNo), zap.Error(err))
			continue
		}
		settled++
	}
	return settled, nil
}

// ============================================================================
// 查询
// ============================================================================

func (s *OrderService) GetOrder(ctx context.Context, orderNo string) (*model.ServiceOrder, error) {
	return s.orderRepo.GetByOrderNo(ctx, orderNo)
}

// OrderStatusView 轻量状态查询视图
type OrderStatusView struct {
	OrderNo       string `json:"order_no"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	TotalAmount   int64  `json:"total_amount"`
}

func (s *OrderService) GetOrderStatus(ctx context.Context, orderNo string) (*OrderStatusView, error) {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	return &OrderStatusView{
		OrderNo:       order.OrderNo,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		TotalAmount:   order.TotalAmount,
	}, nil
}

func (s *OrderService) ListUserOrders(ctx context.Context, userID int64, status string, page, pageSize int) ([]*model.ServiceOrder, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 10
	}
	return s.orderRepo.ListByUserID(ctx, userID, status, page, pageSize)
}

func (s *OrderService) GetOrderCount(ctx context.Context, userID, providerID int64, status string) (int64, error) {
	return s.orderRepo.Count(ctx, userID, providerID, status)
}

// writeOrderEvent 订单事件进发件箱，与状态写入同事务
func (s *OrderService) writeOrderEvent(ctx context.Context, tx *gorm.DB, order *model.ServiceOrder, event string) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"event":       event,
		"order_no":    order.OrderNo,
		"user_id":     order.UserID,
		"provider_id": order.ProviderID,
		"amount":      order.TotalAmount,
		"occurred_at": s.clk.Now().Format(time.RFC3339),
	})
	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: order.OrderNo,
		Topic:      s.cfg.Kafka.Topic.OrderEvent,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}
