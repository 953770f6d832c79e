package service

import (
	"context"

	"tradecenter/internal/model"
)

// ============================================================================
// 跨服务客户端接口
// ============================================================================
//
// 账户/订单/支付三个服务之间只通过这些接口互相调用，超时与重试策略
// 挂在适配器（internal/rpc）上；服务本体不感知对端是进程内还是远端

// WalletMutation 账户资金变动请求
// PaymentNo 非空时作为幂等键：同键同类型的操作最多生效一次
type WalletMutation struct {
	UserID        int64
	Amount        int64 // 必须为正数
	Remark        string
	ReferenceID   string
	ReferenceType string
	PaymentNo     string
}

// WalletInfo 钱包余额视图
type WalletInfo struct {
	UserID        int64 `json:"user_id"`
	Balance       int64 `json:"balance"`
	FrozenBalance int64 `json:"frozen_balance"`
	Available     int64 `json:"available"`
	TotalIncome   int64 `json:"total_income"`
	TotalExpense  int64 `json:"total_expense"`
}

// AccountClient 账户服务远程能力
// 资金操作返回 applied：true 表示本次调用真实执行了变动，
// false 表示命中幂等键、返回的是此前的结果
type AccountClient interface {
	DeductBalance(ctx context.Context, m *WalletMutation) (applied bool, err error)
	AddBalance(ctx context.Context, m *WalletMutation) (applied bool, err error)
	FreezeBalance(ctx context.Context, m *WalletMutation) (applied bool, err error)
	UnfreezeBalance(ctx context.Context, m *WalletMutation) (applied bool, err error)
	DeductFrozen(ctx context.Context, m *WalletMutation) (applied bool, err error)
	GetBalance(ctx context.Context, userID int64) (*WalletInfo, error)
	VerifyPaymentPassword(ctx context.Context, userID int64, password string) error
}

// OrderStatusUpdate 订单状态更新请求
// 幂等：目标状态与当前状态一致时是 no-op，返回 true
type OrderStatusUpdate struct {
	OrderID       int64
	OrderNo       string
	Status        string // 可为空：只更新支付状态
	PaymentStatus string // 可为空：只更新主状态
	PaymentMethod string
	CancelReason  string
}

// OrderClient 订单服务远程能力
type OrderClient interface {
	GetOrderByNo(ctx context.Context, orderNo string) (*model.ServiceOrder, error)
	UpdateOrderStatus(ctx context.Context, upd *OrderStatusUpdate) (bool, error)
	GetOrderCount(ctx context.Context, userID, providerID int64, status string) (int64, error)
}

// RefundRequest 退款请求，RefundNo 为幂等键，重试必须复用
type RefundRequest struct {
	UserID    int64
	OrderNo   string
	PaymentNo string // 可选，为空时按订单号定位支付单
	RefundNo  string
	Amount    int64
	Reason    string
}

// RefundResult 退款结果
type RefundResult struct {
	RefundNo  string `json:"refund_no"`
	PaymentNo string `json:"payment_no"`
	OrderNo   string `json:"order_no"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// PaymentClient 支付服务远程能力
type PaymentClient interface {
	RefundPayment(ctx context.Context, req *RefundRequest) (*RefundResult, error)
}
