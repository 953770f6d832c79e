package repository

import (
	"context"
	"errors"
	"time"

	"tradecenter/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPaymentNotFound      = errors.New("支付单不存在")
	ErrPaymentStatusInvalid = errors.New("支付单状态不合法")
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, record *model.PaymentRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(record).Error
}

func (r *PaymentRepository) GetByPaymentNo(ctx context.Context, paymentNo string) (*model.PaymentRecord, error) {
	var record model.PaymentRecord
	err := r.db.WithContext(ctx).Where("payment_no = ?", paymentNo).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &record, nil
}

// GetLatestByReference 按业务单号查最近一条支付单，不限状态
// 没有时返回 (nil, nil)
func (r *PaymentRepository) GetLatestByReference(ctx context.Context, userID int64, referenceID, paymentType string) (*model.PaymentRecord, error) {
	var record model.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND reference_id = ? AND payment_type = ?",
			userID, referenceID, paymentType).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetByReferenceAndStatus 按业务单号查指定状态的最近一条支付单
// 没有时返回 (nil, nil)
func (r *PaymentRepository) GetByReferenceAndStatus(ctx context.Context, userID int64, referenceID, paymentType, status string) (*model.PaymentRecord, error) {
	var record model.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND reference_id = ? AND payment_type = ? AND status = ?",
			userID, referenceID, paymentType, status).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// UpdateStatus 条件状态流转：WHERE status = from 保证终态只写一次
// 0 行受影响说明已被并发写入者流转，返回 ErrPaymentStatusInvalid
func (r *PaymentRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, paymentNo, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.PaymentCanTransitionTo(fromStatus, toStatus) {
		return ErrPaymentStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status":  toStatus,
		"version": gorm.Expr("version + 1"),
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Where("payment_no = ? AND status = ?", paymentNo, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPaymentStatusInvalid
	}
	return nil
}

// ApplyRefund 累加退款金额（乐观锁），退满后置为 REFUNDED
func (r *PaymentRepository) ApplyRefund(ctx context.Context, tx *gorm.DB, record *model.PaymentRecord, amount int64, refundTime time.Time) error {
	if tx == nil {
		tx = r.db
	}

	newRefunded := record.RefundAmount + amount
	updates := map[string]interface{}{
		"refund_amount": newRefunded,
		"refund_time":   refundTime,
		"version":       gorm.Expr("version + 1"),
	}
	if newRefunded >= record.Amount {
		updates["status"] = model.PaymentStatusRefunded
	}

	result := tx.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Where("payment_no = ? AND version = ?", record.PaymentNo, record.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// GetRecentSuccessByType 对账用：取最近成功的支付单
func (r *PaymentRepository) GetRecentSuccessByType(ctx context.Context, paymentType string, since time.Time, limit int) ([]*model.PaymentRecord, error) {
	var records []*model.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("payment_type = ? AND status = ? AND updated_at >= ?",
			paymentType, model.PaymentStatusSuccess, since).
		Limit(limit).
		Find(&records).Error
	return records, err
}

// GetStalePending 对账用：长时间停留在 PENDING 的支付单
// 可能是「已扣款但支付单未标成功」的中断现场
func (r *PaymentRepository) GetStalePending(ctx context.Context, before time.Time, limit int) ([]*model.PaymentRecord, error) {
	var records []*model.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.PaymentStatusPending, before).
		Limit(limit).
		Find(&records).Error
	return records, err
}

// ListByUserID 按用户分页查询支付单
func (r *PaymentRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.PaymentRecord, int64, error) {
	var records []*model.PaymentRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PaymentRecord{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	return records, total, err
}
