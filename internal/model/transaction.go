package model

import (
	"time"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	TransactionTypeIncome   = "INCOME"   // 入账（退款到账、收益等）
	TransactionTypeExpense  = "EXPENSE"  // 出账（支付扣款、冻结款捕获）
	TransactionTypeFreeze   = "FREEZE"   // 冻结（可用余额 -> 冻结余额）
	TransactionTypeUnfreeze = "UNFREEZE" // 解冻（冻结余额 -> 可用余额）
)

// ============================================================================
// 钱包流水实体
// ============================================================================

// WalletTransaction 钱包流水表
// 记录账户的每一笔资金变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. transaction_no 全局唯一 —— 与 payment_no 幂等检查相互独立的第二层防重
// 3. 记录变动前后的可用/冻结余额 —— 对任意类型的流水，
//    SUM(balance_after - balance_before) 恒等于账户当前可用余额
type WalletTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID        int64     `gorm:"index;not null" json:"user_id"`                               // 用户ID
	Type          string    `gorm:"type:varchar(20);index;not null" json:"type"`                 // 流水类型
	Amount        int64     `gorm:"not null" json:"amount"`                                      // 金额（恒为正数，方向由 type 决定）
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`                              // 变动前可用余额
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`                               // 变动后可用余额
	FrozenBefore  int64     `gorm:"not null" json:"frozen_before"`                               // 变动前冻结余额
	FrozenAfter   int64     `gorm:"not null" json:"frozen_after"`                                // 变动后冻结余额
	PaymentNo     string    `gorm:"type:varchar(64);index" json:"payment_no"`                    // 关联支付单号（幂等键，可为空）
	ReferenceID   string    `gorm:"type:varchar(64);index" json:"reference_id"`                  // 关联业务单号（订单/活动）
	ReferenceType string    `gorm:"type:varchar(32)" json:"reference_type"`                      // 关联业务类型
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`                             // 备注
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transaction"
}
