package repository

import (
	"context"
	"errors"
	"time"

	"tradecenter/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = errors.New("账户不存在")
	ErrOptimisticLock  = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreate 懒创建账户
// 并发首次操作时靠 user_id 唯一索引 + ON CONFLICT DO NOTHING 保证只建一行
func (r *AccountRepository) GetOrCreate(ctx context.Context, userID int64) (*model.Account, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.Account{UserID: userID}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error
	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}

// CompareAndSwap 按版本号条件写入余额快照
// 版本不匹配说明有并发写入者先提交，返回 ErrOptimisticLock 由调用方重读重试
func (r *AccountRepository) CompareAndSwap(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND version = ?", account.UserID, account.Version).
		Updates(map[string]interface{}{
			"balance":        account.Balance,
			"frozen_balance": account.FrozenBalance,
			"total_income":   account.TotalIncome,
			"total_expense":  account.TotalExpense,
			"version":        gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// SetPaymentPassword 设置支付密码哈希，同时清除错误计数与锁定
func (r *AccountRepository) SetPaymentPassword(ctx context.Context, userID int64, hash string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"payment_password":      hash,
			"password_error_count":  0,
			"password_locked_until": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// RecordPasswordFailure 累加连续错误次数，达到阈值时写入锁定截止时间
func (r *AccountRepository) RecordPasswordFailure(ctx context.Context, userID int64, lockedUntil *time.Time) error {
	updates := map[string]interface{}{
		"password_error_count": gorm.Expr("password_error_count + 1"),
	}
	if lockedUntil != nil {
		updates["password_locked_until"] = lockedUntil
	}
	return r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(updates).Error
}

// ResetPasswordFailures 验证成功后清零错误计数
func (r *AccountRepository) ResetPasswordFailures(ctx context.Context, userID int64) error {
	return r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"password_error_count":  0,
			"password_locked_until": nil,
		}).Error
}
