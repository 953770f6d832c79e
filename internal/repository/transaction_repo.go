package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"tradecenter/internal/model"

	"gorm.io/gorm"
)

var (
	ErrDuplicateTransaction = errors.New("流水号已存在")
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Append 追加一条流水
// transaction_no 唯一索引是独立于 payment_no 幂等检查的第二层防重，
// 冲突时返回 ErrDuplicateTransaction，绝不更新已有行
func (r *TransactionRepository) Append(ctx context.Context, tx *gorm.DB, trans *model.WalletTransaction) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(trans).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateTransaction
	}
	return err
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}

// GetByPaymentNoAndType 按幂等键查询已落地的流水
// 同一 payment_no 同一类型最多一条，存在即说明该操作已执行过
// 传入 tx 时在该事务内查询，用于与余额 CAS 同一事务的幂等复查
func (r *TransactionRepository) GetByPaymentNoAndType(ctx context.Context, tx *gorm.DB, paymentNo, txType string) (*model.WalletTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.WalletTransaction
	err := tx.WithContext(ctx).
		Where("payment_no = ? AND type = ?", paymentNo, txType).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.WalletTransaction, error) {
	var trans model.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("transaction_no = ?", transactionNo).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// ListQuery 流水分页查询条件
type ListQuery struct {
	UserID    int64
	Type      string // 可选
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// ListByUserID 按用户分页查询流水，支持类型与时间范围过滤
func (r *TransactionRepository) ListByUserID(ctx context.Context, q *ListQuery) ([]*model.WalletTransaction, int64, error) {
	var transactions []*model.WalletTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.WalletTransaction{}).Where("user_id = ?", q.UserID)
	if q.Type != "" {
		query = query.Where("type = ?", q.Type)
	}
	if q.StartTime != nil {
		query = query.Where("created_at >= ?", q.StartTime)
	}
	if q.EndTime != nil {
		query = query.Where("created_at < ?", q.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((q.Page - 1) * q.PageSize).
		Limit(q.PageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// SumBalanceDeltas 对账聚合：该用户全部流水的可用余额变化量之和
// 恒等式：SUM(balance_after - balance_before) == 账户当前可用余额
func (r *TransactionRepository) SumBalanceDeltas(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.WalletTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(balance_after - balance_before), 0)").
		Scan(&sum).Error
	return sum, err
}
