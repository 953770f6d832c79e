package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tradecenter/internal/infrastructure/database"
	"tradecenter/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s/test.db?_busy_timeout=5000", t.TempDir())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	return db
}

// ============================================================================
// 账户仓储
// ============================================================================

func TestAccountGetOrCreate(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	_, err := repo.GetByUserID(ctx, 1)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	account, err := repo.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.UserID)
	assert.Zero(t, account.Balance)

	// 再次获取返回同一行
	again, err := repo.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, account.ID, again.ID)
}

// TestAccountCompareAndSwap 版本号条件写入：
// 同一快照只能提交一次，落后的写入者拿到 ErrOptimisticLock
func TestAccountCompareAndSwap(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	account, err := repo.GetOrCreate(ctx, 1)
	require.NoError(t, err)

	// 两个写入者基于同一版本
	first := *account
	first.Balance = 1000
	second := *account
	second.Balance = 2000

	require.NoError(t, repo.CompareAndSwap(ctx, nil, &first))
	assert.ErrorIs(t, repo.CompareAndSwap(ctx, nil, &second), ErrOptimisticLock)

	got, err := repo.GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Balance)
	assert.Equal(t, account.Version+1, got.Version)
}

// ============================================================================
// 流水仓储
// ============================================================================

func newTransaction(no, paymentNo string) *model.WalletTransaction {
	return &model.WalletTransaction{
		TransactionNo: no,
		UserID:        1,
		Type:          model.TransactionTypeExpense,
		Amount:        1000,
		BalanceBefore: 5000,
		BalanceAfter:  4000,
		PaymentNo:     paymentNo,
	}
}

func TestTransactionAppend_DuplicateNo(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, nil, newTransaction("TXN001", "PAY001")))

	// transaction_no 唯一索引是独立于幂等检查的第二层防重
	err := repo.Append(ctx, nil, newTransaction("TXN001", "PAY002"))
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
}

func TestTransactionGetByPaymentNoAndType(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, nil, newTransaction("TXN001", "PAY001")))

	// 命中
	got, err := repo.GetByPaymentNoAndType(ctx, nil, "PAY001", model.TransactionTypeExpense)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "TXN001", got.TransactionNo)

	// 同单号不同类型不算命中
	got, err = repo.GetByPaymentNoAndType(ctx, nil, "PAY001", model.TransactionTypeIncome)
	require.NoError(t, err)
	assert.Nil(t, got)

	// 不存在返回 nil 而不是错误
	got, err = repo.GetByPaymentNoAndType(ctx, nil, "PAY999", model.TransactionTypeExpense)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSumBalanceDeltas(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	// 无流水时总和为 0
	sum, err := repo.SumBalanceDeltas(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, sum)

	tx1 := newTransaction("TXN001", "PAY001") // -1000
	require.NoError(t, repo.Append(ctx, nil, tx1))

	tx2 := newTransaction("TXN002", "PAY002")
	tx2.Type = model.TransactionTypeIncome
	tx2.BalanceBefore = 4000
	tx2.BalanceAfter = 6000 // +2000
	require.NoError(t, repo.Append(ctx, nil, tx2))

	sum, err = repo.SumBalanceDeltas(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), sum)
}

// ============================================================================
// 支付单仓储
// ============================================================================

func newPaymentRecord(no string) *model.PaymentRecord {
	return &model.PaymentRecord{
		PaymentNo:     no,
		UserID:        1,
		PayeeID:       2,
		PaymentMethod: model.PayMethodBalance,
		PaymentType:   model.PaymentTypeOrder,
		ReferenceID:   "ORD001",
		Amount:        10000,
		Status:        model.PaymentStatusPending,
	}
}

func TestPaymentUpdateStatus(t *testing.T) {
	db := newTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newPaymentRecord("PAY001")))

	// 非法流转在写库前就被拒
	err := repo.UpdateStatus(ctx, nil, "PAY001", model.PaymentStatusPending, model.PaymentStatusRefunded, nil)
	assert.ErrorIs(t, err, ErrPaymentStatusInvalid)

	now := time.Now()
	require.NoError(t, repo.UpdateStatus(ctx, nil, "PAY001",
		model.PaymentStatusPending, model.PaymentStatusSuccess,
		map[string]interface{}{"payment_time": now}))

	got, err := repo.GetByPaymentNo(ctx, "PAY001")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusSuccess, got.Status)
	assert.NotNil(t, got.PaymentTime)

	// 条件更新：当前状态已不是 PENDING，重复流转报状态错误
	err = repo.UpdateStatus(ctx, nil, "PAY001", model.PaymentStatusPending, model.PaymentStatusSuccess, nil)
	assert.ErrorIs(t, err, ErrPaymentStatusInvalid)
}

func TestPaymentApplyRefund(t *testing.T) {
	db := newTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newPaymentRecord("PAY001")))
	require.NoError(t, repo.UpdateStatus(ctx, nil, "PAY001",
		model.PaymentStatusPending, model.PaymentStatusSuccess, nil))

	record, err := repo.GetByPaymentNo(ctx, "PAY001")
	require.NoError(t, err)

	// 部分退款不改状态
	require.NoError(t, repo.ApplyRefund(ctx, nil, record, 3000, time.Now()))
	got, _ := repo.GetByPaymentNo(ctx, "PAY001")
	assert.Equal(t, int64(3000), got.RefundAmount)
	assert.Equal(t, model.PaymentStatusSuccess, got.Status)

	// 旧快照再次提交被乐观锁拦下
	assert.ErrorIs(t, repo.ApplyRefund(ctx, nil, record, 3000, time.Now()), ErrOptimisticLock)

	// 退满进入 REFUNDED
	require.NoError(t, repo.ApplyRefund(ctx, nil, got, 7000, time.Now()))
	got, _ = repo.GetByPaymentNo(ctx, "PAY001")
	assert.Equal(t, int64(10000), got.RefundAmount)
	assert.Equal(t, model.PaymentStatusRefunded, got.Status)
}

func TestPaymentGetByReferenceAndStatus(t *testing.T) {
	db := newTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newPaymentRecord("PAY001")))

	got, err := repo.GetByReferenceAndStatus(ctx, 1, "ORD001", model.PaymentTypeOrder, model.PaymentStatusPending)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "PAY001", got.PaymentNo)

	// 状态不匹配返回 nil
	got, err = repo.GetByReferenceAndStatus(ctx, 1, "ORD001", model.PaymentTypeOrder, model.PaymentStatusSuccess)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// ============================================================================
// 订单仓储
// ============================================================================

func newServiceOrder(no string) *model.ServiceOrder {
	return &model.ServiceOrder{
		OrderNo:        no,
		UserID:         1,
		ProviderID:     2,
		ServiceID:      100,
		OrderType:      model.OrderTypeCompanion,
		Quantity:       1,
		UnitPrice:      5000,
		Subtotal:       5000,
		ServiceFee:     200,
		TotalAmount:    5200,
		Status:         model.OrderStatusPending,
		PaymentStatus:  model.PayStatusPending,
		AutoCancelTime: time.Now().Add(10 * time.Minute),
	}
}

func TestOrderUpdateWithVersion(t *testing.T) {
	db := newTestDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newServiceOrder("ORD001")))
	order, err := repo.GetByOrderNo(ctx, "ORD001")
	require.NoError(t, err)

	require.NoError(t, repo.UpdateWithVersion(ctx, nil, "ORD001", order.Version,
		map[string]interface{}{"status": model.OrderStatusAccepted}))

	// 旧版本号写入失败
	err = repo.UpdateWithVersion(ctx, nil, "ORD001", order.Version,
		map[string]interface{}{"status": model.OrderStatusCancelled})
	assert.ErrorIs(t, err, ErrOptimisticLock)

	got, err := repo.GetByOrderNo(ctx, "ORD001")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusAccepted, got.Status)
	assert.Equal(t, order.Version+1, got.Version)
}

func TestFindAutoCancelable(t *testing.T) {
	db := newTestDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	expired := newServiceOrder("ORD001")
	expired.AutoCancelTime = time.Now().Add(-time.Minute)
	require.NoError(t, repo.Create(ctx, nil, expired))

	// 已支付的超时订单不在扫描范围
	paidExpired := newServiceOrder("ORD002")
	paidExpired.AutoCancelTime = time.Now().Add(-time.Minute)
	paidExpired.PaymentStatus = model.PayStatusSuccess
	require.NoError(t, repo.Create(ctx, nil, paidExpired))

	fresh := newServiceOrder("ORD003")
	require.NoError(t, repo.Create(ctx, nil, fresh))

	orders, err := repo.FindAutoCancelable(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "ORD001", orders[0].OrderNo)
}
