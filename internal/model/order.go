package model

import (
	"time"

	"gorm.io/gorm"
)

// ============================================================================
// 订单状态常量与状态机
// ============================================================================

const (
	OrderStatusPending       = "PENDING"        // 已创建，等待接单
	OrderStatusAccepted      = "ACCEPTED"       // 服务方已接单
	OrderStatusInProgress    = "IN_PROGRESS"    // 服务中
	OrderStatusCompleted     = "COMPLETED"      // 已完成
	OrderStatusCancelPending = "CANCEL_PENDING" // 已申请取消，退款未落地（重试态）
	OrderStatusCancelled     = "CANCELLED"      // 已取消
	OrderStatusRefunded      = "REFUNDED"       // 完成后退款
)

const (
	PayStatusPending = "PENDING"
	PayStatusSuccess = "SUCCESS"
	PayStatusFailed  = "FAILED"
)

// ValidOrderTransitions 订单主状态流转表
// 已支付订单的取消必须先进入 CANCEL_PENDING，退款落地后才允许 CANCELLED，
// 保证「取消但钱没退」这种状态永远可被补偿任务发现
var ValidOrderTransitions = map[string][]string{
	OrderStatusPending:       {OrderStatusAccepted, OrderStatusCancelled, OrderStatusCancelPending},
	OrderStatusAccepted:      {OrderStatusInProgress, OrderStatusCancelled, OrderStatusCancelPending},
	OrderStatusInProgress:    {OrderStatusCompleted},
	OrderStatusCompleted:     {OrderStatusRefunded},
	OrderStatusCancelPending: {OrderStatusCancelled},
}

func OrderCanTransitionTo(current, target string) bool {
	for _, s := range ValidOrderTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// ValidPayStatusTransitions 支付状态是独立于主状态的正交轴
var ValidPayStatusTransitions = map[string][]string{
	PayStatusPending: {PayStatusSuccess, PayStatusFailed},
}

func PayStatusCanTransitionTo(current, target string) bool {
	for _, s := range ValidPayStatusTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

const (
	OrderTypeCompanion = "COMPANION" // 陪玩服务单
	OrderTypeActivity  = "ACTIVITY"  // 活动组局单
)

// ServiceOrder 服务订单表
//
// 【不变式】total_amount = subtotal + service_fee
// 所有写入都走乐观锁（version 条件更新），防止并发接单/取消同时成功
type ServiceOrder struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo        string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	UserID         int64          `gorm:"index;not null" json:"user_id"`     // 下单用户
	ProviderID     int64          `gorm:"index;not null" json:"provider_id"` // 服务提供方
	ServiceID      int64          `gorm:"not null" json:"service_id"`        // 服务项目ID
	OrderType      string         `gorm:"type:varchar(20);not null" json:"order_type"`
	Quantity       int            `gorm:"not null" json:"quantity"`    // 购买数量（小时/局数）
	UnitPrice      int64          `gorm:"not null" json:"unit_price"`  // 单价（分）
	Subtotal       int64          `gorm:"not null" json:"subtotal"`    // 小计 = unit_price * quantity
	ServiceFee     int64          `gorm:"not null" json:"service_fee"` // 平台服务费（分）
	TotalAmount    int64          `gorm:"not null" json:"total_amount"` // 应付总额 = subtotal + service_fee
	Status         string         `gorm:"type:varchar(20);index;not null" json:"status"`
	PaymentStatus  string         `gorm:"type:varchar(20);index;not null" json:"payment_status"`
	PaymentMethod  string         `gorm:"type:varchar(20)" json:"payment_method"`
	PaymentTime    *time.Time     `json:"payment_time"`
	AcceptedTime   *time.Time     `json:"accepted_time"`
	CompletedTime  *time.Time     `json:"completed_time"`
	CancelledTime  *time.Time     `json:"cancelled_time"`
	AutoCancelTime time.Time      `gorm:"index;not null" json:"auto_cancel_time"` // 未支付自动取消时间
	CancelReason   string         `gorm:"type:varchar(256)" json:"cancel_reason"`
	RefundNo       string         `gorm:"type:varchar(64)" json:"refund_no"` // 取消退款的幂等键，重试必须复用
	RefundAmount   int64          `gorm:"not null;default:0" json:"refund_amount"`
	RefundTime     *time.Time     `json:"refund_time"`
	Version        int            `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (ServiceOrder) TableName() string {
	return "service_order"
}

// Paid 订单是否已支付成功
func (o *ServiceOrder) Paid() bool {
	return o.PaymentStatus == PayStatusSuccess
}
