package model

import (
	"time"
)

// ============================================================================
// 支付方式 / 支付业务类型 / 支付单状态常量
// ============================================================================

const (
	PayMethodBalance = "BALANCE" // 余额支付
	PayMethodAlipay  = "ALIPAY"  // 支付宝（外部渠道，暂未接入）
	PayMethodWechat  = "WECHAT"  // 微信（外部渠道，暂未接入）
)

const (
	PaymentTypeOrder            = "ORDER"             // 订单支付
	PaymentTypeActivityPublish  = "ACTIVITY_PUBLISH"  // 活动发布保证金
	PaymentTypeActivityRegister = "ACTIVITY_REGISTER" // 活动报名费
)

const (
	PaymentStatusPending  = "PENDING"
	PaymentStatusSuccess  = "SUCCESS"
	PaymentStatusFailed   = "FAILED"
	PaymentStatusRefunded = "REFUNDED"
)

// ValidPaymentTransitions 支付单状态只允许单向流转
// PENDING 一次性进入终态 SUCCESS/FAILED，SUCCESS 之后才可能 REFUNDED
var ValidPaymentTransitions = map[string][]string{
	PaymentStatusPending: {PaymentStatusSuccess, PaymentStatusFailed},
	PaymentStatusSuccess: {PaymentStatusRefunded},
}

func PaymentCanTransitionTo(current, target string) bool {
	for _, s := range ValidPaymentTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// PaymentRecord 支付单表
// 一次支付尝试对应一条支付单；payment_no 同时是账户扣款的幂等键，
// 客户端超时重试必须复用同一个 payment_no，禁止换新号重发
type PaymentRecord struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentNo     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"payment_no"`
	UserID        int64      `gorm:"index;not null" json:"user_id"` // 付款人
	PayeeID       int64      `gorm:"index" json:"payee_id"`         // 收款人（可为0）
	PaymentMethod string     `gorm:"type:varchar(20);not null" json:"payment_method"`
	PaymentType   string     `gorm:"type:varchar(32);not null" json:"payment_type"`
	ReferenceID   string     `gorm:"type:varchar(64);index;not null" json:"reference_id"` // 关联业务单号
	ReferenceType string     `gorm:"type:varchar(32)" json:"reference_type"`
	Amount        int64      `gorm:"not null" json:"amount"`                // 支付金额（分）
	ServiceFee    int64      `gorm:"not null;default:0" json:"service_fee"` // 其中平台服务费
	Status        string     `gorm:"type:varchar(20);index;not null" json:"status"`
	PaymentTime   *time.Time `json:"payment_time"`
	RefundAmount  int64      `gorm:"not null;default:0" json:"refund_amount"` // 累计已退金额
	RefundTime    *time.Time `json:"refund_time"`
	Version       int        `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentRecord) TableName() string {
	return "payment_record"
}
