package rpc

import (
	"context"
	"errors"
	"time"

	"tradecenter/internal/config"
	"tradecenter/internal/model"
	"tradecenter/internal/service"
)

// 进程内适配器
//
// 账户/订单/支付三个服务在本部署形态里跑在同一进程，但调用仍然走
// 客户端接口并带独立超时，保持与远端部署一致的失败语义：
// 超时一律映射为 ErrDownstreamUnavailable（结果未知，调用方持原幂等键重试）

func callTimeout(cfg *config.Config) time.Duration {
	if ms := cfg.Business.RPCTimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 3 * time.Second
}

func mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return service.ErrDownstreamUnavailable
	}
	return err
}

// ============================================================================
// 账户客户端
// ============================================================================

type InProcAccountClient struct {
	svc     *service.AccountService
	timeout time.Duration
}

func NewInProcAccountClient(svc *service.AccountService, cfg *config.Config) *InProcAccountClient {
	return &InProcAccountClient{svc: svc, timeout: callTimeout(cfg)}
}

func (c *InProcAccountClient) call(ctx context.Context,
	fn func(ctx context.Context) (bool, error)) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	applied, err := fn(ctx)
	return applied, mapTimeout(err)
}

func (c *InProcAccountClient) DeductBalance(ctx context.Context, m *service.WalletMutation) (bool, error) {
	return c.call(ctx, func(ctx context.Context) (bool, error) { return c.svc.DeductBalance(ctx, m) })
}

func (c *InProcAccountClient) AddBalance(ctx context.Context, m *service.WalletMutation) (bool, error) {
	return c.call(ctx, func(ctx context.Context) (bool, error) { return c.svc.AddBalance(ctx, m) })
}

func (c *InProcAccountClient) FreezeBalance(ctx context.Context, m *service.WalletMutation) (bool, error) {
	return c.call(ctx, func(ctx context.Context) (bool, error) { return c.svc.FreezeBalance(ctx, m) })
}

func (c *InProcAccountClient) UnfreezeBalance(ctx context.Context, m *service.WalletMutation) (bool, error) {
	return c.call(ctx, func(ctx context.Context) (bool, error) { return c.svc.UnfreezeBalance(ctx, m) })
}

func (c *InProcAccountClient) DeductFrozen(ctx context.Context, m *service.WalletMutation) (bool, error) {
	return c.call(ctx, func(ctx context.Context) (bool, error) { return c.svc.DeductFrozen(ctx, m) })
}

func (c *InProcAccountClient) GetBalance(ctx context.Context, userID int64) (*service.WalletInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	info, err := c.svc.GetBalance(ctx, userID)
	return info, mapTimeout(err)
}

func (c *InProcAccountClient) VerifyPaymentPassword(ctx context.Context, userID int64, password string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return mapTimeout(c.svc.VerifyPaymentPassword(ctx, userID, password))
}

// ============================================================================
// 订单客户端
// ============================================================================

type InProcOrderClient struct {
	svc     *service.OrderService
	timeout time.Duration
}

func NewInProcOrderClient(svc *service.OrderService, cfg *config.Config) *InProcOrderClient {
	return &InProcOrderClient{svc: svc, timeout: callTimeout(cfg)}
}

func (c *InProcOrderClient) GetOrderByNo(ctx context.Context, orderNo string) (*model.ServiceOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	order, err := c.svc.GetOrder(ctx, orderNo)
	return order, mapTimeout(err)
}

func (c *InProcOrderClient) UpdateOrderStatus(ctx context.Context, upd *service.OrderStatusUpdate) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ok, err := c.svc.UpdateOrderStatus(ctx, upd)
	return ok, mapTimeout(err)
}

func (c *InProcOrderClient) GetOrderCount(ctx context.Context, userID, providerID int64, status string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	total, err := c.svc.GetOrderCount(ctx, userID, providerID, status)
	return total, mapTimeout(err)
}

// ============================================================================
// 支付客户端
// ============================================================================

type InProcPaymentClient struct {
	svc     *service.PaymentService
	timeout time.Duration
}

func NewInProcPaymentClient(svc *service.PaymentService, cfg *config.Config) *InProcPaymentClient {
	return &InProcPaymentClient{svc: svc, timeout: callTimeout(cfg)}
}

func (c *InProcPaymentClient) RefundPayment(ctx context.Context, req *service.RefundRequest) (*service.RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	result, err := c.svc.RefundPayment(ctx, req)
	return result, mapTimeout(err)
}

// 编译期接口断言
var (
	_ service.AccountClient = (*InProcAccountClient)(nil)
	_ service.OrderClient   = (*InProcOrderClient)(nil)
	_ service.PaymentClient = (*InProcPaymentClient)(nil)
)
