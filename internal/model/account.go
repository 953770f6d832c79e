package model

import (
	"time"

	"gorm.io/gorm"
)

// Account 用户钱包账户表
// 记录用户的可用余额与冻结余额，是整个资金系统的核心数据
//
// 【不变式】balance >= 0 且 frozen_balance >= 0
// 账户在第一次资金操作时懒创建，只做软删除，不物理删除
type Account struct {
	ID                  int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID              int64          `gorm:"uniqueIndex;not null" json:"user_id"`      // 用户ID，网关传入
	Balance             int64          `gorm:"not null;default:0" json:"balance"`        // 可用余额（单位：分）
	FrozenBalance       int64          `gorm:"not null;default:0" json:"frozen_balance"` // 冻结余额（单位：分）
	TotalIncome         int64          `gorm:"not null;default:0" json:"total_income"`   // 累计收入
	TotalExpense        int64          `gorm:"not null;default:0" json:"total_expense"`  // 累计支出
	PaymentPassword     string         `gorm:"type:varchar(128)" json:"-"`               // 支付密码哈希（bcrypt），空串表示未设置
	PasswordErrorCount  int            `gorm:"not null;default:0" json:"-"`              // 连续密码错误次数
	PasswordLockedUntil *time.Time     `json:"-"`                                        // 密码锁定截止时间
	Version             int            `gorm:"not null;default:0" json:"version"`        // 乐观锁版本号
	CreatedAt           time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Account) TableName() string {
	return "wallet_account"
}

// Available 可用余额（当前实现中即 balance，冻结部分单独计）
func (a *Account) Available() int64 {
	return a.Balance
}

// PasswordLocked 判断支付密码是否处于锁定期
func (a *Account) PasswordLocked(now time.Time) bool {
	return a.PasswordLockedUntil != nil && now.Before(*a.PasswordLockedUntil)
}
