package job

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradecenter/internal/config"
	"tradecenter/internal/infrastructure/database"
	"tradecenter/internal/model"
	"tradecenter/internal/repository"
	"tradecenter/internal/service"
	"tradecenter/pkg/clock"
	"tradecenter/pkg/idgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
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

// fakeOrderClient 记录状态更新调用的订单客户端替身
type fakeOrderClient struct {
	mu      sync.Mutex
	orders  map[string]*model.ServiceOrder
	updates []*service.OrderStatusUpdate
}

func newFakeOrderClient() *fakeOrderClient {
	return &fakeOrderClient{orders: make(map[string]*model.ServiceOrder)}
}

func (f *fakeOrderClient) GetOrderByNo(ctx context.Context, orderNo string) (*model.ServiceOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderNo]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return order, nil
}

func (f *fakeOrderClient) UpdateOrderStatus(ctx context.Context, upd *service.OrderStatusUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, upd)
	if order, ok := f.orders[upd.OrderNo]; ok && upd.PaymentStatus != "" {
		order.PaymentStatus = upd.PaymentStatus
	}
	return true, nil
}

func (f *fakeOrderClient) GetOrderCount(ctx context.Context, userID, providerID int64, status string) (int64, error) {
	return 0, nil
}

func (f *fakeOrderClient) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func newReconcileFixture(t *testing.T) (*ReconcileJob, *gorm.DB, *fakeOrderClient) {
	t.Helper()
	idgen.Init(1)

	db := newTestDB(t)
	cfg := &config.Config{}
	accountSvc := service.NewAccountService(db, cfg, zap.NewNop(), clock.Real{})
	orders := newFakeOrderClient()
	j := NewReconcileJob(db, accountSvc, orders, zap.NewNop(), clock.Real{})
	return j, db, orders
}

// backdate 把支付单时间戳拨回过去，模拟滞留
func backdate(t *testing.T, db *gorm.DB, paymentNo string, age time.Duration) {
	t.Helper()
	past := time.Now().Add(-age)
	err := db.Model(&model.PaymentRecord{}).
		Where("payment_no = ?", paymentNo).
		UpdateColumns(map[string]interface{}{"created_at": past, "updated_at": past}).Error
	require.NoError(t, err)
}

// TestReconcile_PromoteStalePending 扣款流水已落地但支付单没推进：
// 对账把支付单补成 SUCCESS 并重放订单状态
func TestReconcile_PromoteStalePending(t *testing.T) {
	j, db, orders := newReconcileFixture(t)
	ctx := context.Background()

	record := &model.PaymentRecord{
		PaymentNo:     "PAY001",
		UserID:        1,
		PaymentMethod: model.PayMethodBalance,
		PaymentType:   model.PaymentTypeOrder,
		ReferenceID:   "ORD001",
		Amount:        10000,
		Status:        model.PaymentStatusPending,
	}
	require.NoError(t, db.Create(record).Error)
	backdate(t, db, "PAY001", 10*time.Minute)

	// 扣款事务留下的流水
	require.NoError(t, db.Create(&model.WalletTransaction{
		TransactionNo: "TXN001",
		UserID:        1,
		Type:          model.TransactionTypeExpense,
		Amount:        10000,
		BalanceBefore: 15000,
		BalanceAfter:  5000,
		PaymentNo:     "PAY001",
	}).Error)

	orders.orders["ORD001"] = &model.ServiceOrder{
		OrderNo:       "ORD001",
		UserID:        1,
		Status:        model.OrderStatusPending,
		PaymentStatus: model.PayStatusPending,
	}

	j.runOnce(ctx)

	var got model.PaymentRecord
	require.NoError(t, db.Where("payment_no = ?", "PAY001").First(&got).Error)
	assert.Equal(t, model.PaymentStatusSuccess, got.Status)
	assert.NotNil(t, got.PaymentTime)

	// 订单支付状态被重放
	assert.Equal(t, 1, orders.updateCount())
	assert.Equal(t, model.PayStatusSuccess, orders.orders["ORD001"].PaymentStatus)
}

// TestReconcile_FailStalePending 超窗且无流水：扣款确定没发生，关单
func TestReconcile_FailStalePending(t *testing.T) {
	j, db, orders := newReconcileFixture(t)
	ctx := context.Background()

	record := &model.PaymentRecord{
		PaymentNo:     "PAY002",
		UserID:        1,
		PaymentMethod: model.PayMethodBalance,
		PaymentType:   model.PaymentTypeOrder,
		ReferenceID:   "ORD002",
		Amount:        10000,
		Status:        model.PaymentStatusPending,
	}
	require.NoError(t, db.Create(record).Error)
	backdate(t, db, "PAY002", time.Hour)

	j.runOnce(ctx)

	var got model.PaymentRecord
	require.NoError(t, db.Where("payment_no = ?", "PAY002").First(&got).Error)
	assert.Equal(t, model.PaymentStatusFailed, got.Status)
	assert.Zero(t, orders.updateCount())
}

// TestReconcile_FreshPendingUntouched 窗口内的在途支付单不动
func TestReconcile_FreshPendingUntouched(t *testing.T) {
	j, db, orders := newReconcileFixture(t)
	ctx := context.Background()

	record := &model.PaymentRecord{
		PaymentNo:     "PAY003",
		UserID:        1,
		PaymentMethod: model.PayMethodBalance,
		PaymentType:   model.PaymentTypeOrder,
		ReferenceID:   "ORD003",
		Amount:        10000,
		Status:        model.PaymentStatusPending,
	}
	require.NoError(t, db.Create(record).Error)

	j.runOnce(ctx)

	var got model.PaymentRecord
	require.NoError(t, db.Where("payment_no = ?", "PAY003").First(&got).Error)
	assert.Equal(t, model.PaymentStatusPending, got.Status)
	assert.Zero(t, orders.updateCount())
}

// TestReconcile_ReplaySuccessPayment 支付成功但订单没同步的回调丢失场景
func TestReconcile_ReplaySuccessPayment(t *testing.T) {
	j, db, orders := newReconcileFixture(t)
	ctx := context.Background()

	now := time.Now()
	record := &model.PaymentRecord{
		PaymentNo:     "PAY004",
		UserID:        1,
		PaymentMethod: model.PayMethodBalance,
		PaymentType:   model.PaymentTypeOrder,
		ReferenceID:   "ORD004",
		Amount:        10000,
		Status:        model.PaymentStatusSuccess,
		PaymentTime:   &now,
	}
	require.NoError(t, db.Create(record).Error)

	orders.orders["ORD004"] = &model.ServiceOrder{
		OrderNo:       "ORD004",
		UserID:        1,
		Status:        model.OrderStatusPending,
		PaymentStatus: model.PayStatusPending,
	}

	j.runOnce(ctx)

	assert.Equal(t, 1, orders.updateCount())
	assert.Equal(t, model.PayStatusSuccess, orders.orders["ORD004"].PaymentStatus)

	// 再跑一轮：订单已同步，不再重放
	j.runOnce(ctx)
	assert.Equal(t, 1, orders.updateCount())
}
