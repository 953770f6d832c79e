package repository

import (
	"context"
	"errors"
	"time"

	"tradecenter/internal/model"

	"gorm.io/gorm"
)

var (
	ErrOrderNotFound      = errors.New("订单不存在")
	ErrOrderStatusInvalid = errors.New("订单状态不合法")
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.ServiceOrder) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(order).Error
}

func (r *OrderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.ServiceOrder, error) {
	var order model.ServiceOrder
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*model.ServiceOrder, error) {
	var order model.ServiceOrder
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// UpdateWithVersion 乐观锁条件更新
// 所有订单写入的唯一入口：WHERE order_no AND version，0 行即冲突，
// 由调用方重读订单后决定重试或放弃
func (r *OrderRepository) UpdateWithVersion(ctx context.Context, tx *gorm.DB, orderNo string, version int, updates map[string]interface{}) error {
	if tx == nil {
		tx = r.db
	}

	merged := map[string]interface{}{
		"version": gorm.Expr("version + 1"),
	}
	for k, v := range updates {
		merged[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.ServiceOrder{}).
		Where("order_no = ? AND version = ?", orderNo, version).
		Updates(merged)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// FindAutoCancelable 超过自动取消时间且仍未支付的待接单订单
func (r *OrderRepository) FindAutoCancelable(ctx context.Context, now time.Time, limit int) ([]*model.ServiceOrder, error) {
	var orders []*model.ServiceOrder
	err := r.db.WithContext(ctx).
		Where("status = ? AND payment_status = ? AND auto_cancel_time < ?",
			model.OrderStatusPending, model.PayStatusPending, now).
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// FindCancelPending 退款未落地的取消中订单，由补偿任务重试
func (r *OrderRepository) FindCancelPending(ctx context.Context, limit int) ([]*model.ServiceOrder, error) {
	var orders []*model.ServiceOrder
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OrderStatusCancelPending).
		Order("updated_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// Count 订单计数，userID/providerID/status 为零值时不参与过滤
func (r *OrderRepository) Count(ctx context.Context, userID, providerID int64, status string) (int64, error) {
	query := r.db.WithContext(ctx).Model(&model.ServiceOrder{})
	if userID > 0 {
		query = query.Where("user_id = ?", userID)
	}
	if providerID > 0 {
		query = query.Where("provider_id = ?", providerID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	err := query.Count(&total).Error
	return total, err
}

// ListByUserID 按用户分页查询订单
func (r *OrderRepository) ListByUserID(ctx context.Context, userID int64, status string, page, pageSize int) ([]*model.ServiceOrder, int64, error) {
	var orders []*model.ServiceOrder
	var total int64

	query := r.db.WithContext(ctx).Model(&model.ServiceOrder{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error
	return orders, total, err
}
