package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradecenter/internal/model"
	"tradecenter/pkg/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakePaymentClient 可注入失败的支付客户端替身
type fakePaymentClient struct {
	mu    sync.Mutex
	err   error
	calls []*RefundRequest
}

func (f *fakePaymentClient) RefundPayment(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &RefundResult{
		RefundNo: req.RefundNo,
		OrderNo:  req.OrderNo,
		Amount:   req.Amount,
		Status:   model.PaymentStatusRefunded,
	}, nil
}

func (f *fakePaymentClient) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePaymentClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestOrderService(t *testing.T, db *gorm.DB, clk clock.Clock) (*OrderService, *fakePaymentClient) {
	t.Helper()
	svc := NewOrderService(db, newTestConfig(), zap.NewNop(), clk)
	fake := &fakePaymentClient{}
	svc.BindPaymentClient(fake)
	return svc, fake
}

func newOrderRequest() *CreateOrderRequest {
	return &CreateOrderRequest{
		UserID:     1,
		ProviderID: 2,
		ServiceID:  100,
		OrderType:  model.OrderTypeCompanion,
		Quantity:   2,
		UnitPrice:  5000,
	}
}

// markPaid 通过支付回调入口把订单置为已支付
func markPaid(t *testing.T, svc *OrderService, orderNo string) {
	t.Helper()
	ok, err := svc.UpdateOrderStatus(context.Background(), &OrderStatusUpdate{
		OrderNo:       orderNo,
		PaymentStatus: model.PayStatusSuccess,
		PaymentMethod: model.PayMethodBalance,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreateOrder(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFake(fixedTime())
	svc, _ := newTestOrderService(t, db, clk)

	order, err := svc.CreateOrder(context.Background(), newOrderRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, order.OrderNo)
	assert.Equal(t, model.OrderStatusPending, order.Status)
	assert.Equal(t, model.PayStatusPending, order.PaymentStatus)
	// total = 2*5000 + 200 服务费
	assert.Equal(t, int64(10000), order.Subtotal)
	assert.Equal(t, int64(200), order.ServiceFee)
	assert.Equal(t, int64(10200), order.TotalAmount)
	assert.Equal(t, fixedTime().Add(10*time.Minute), order.AutoCancelTime.UTC())
}

func TestCreateOrder_Invalid(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestOrderService(t, db, clock.Real{})

	req := newOrderRequest()
	req.Quantity = 0
	_, err := svc.CreateOrder(context.Background(), req)
	assert.Error(t, err)

	req = newOrderRequest()
	req.ProviderID = req.UserID // 给自己下单
	_, err = svc.CreateOrder(context.Background(), req)
	assert.Error(t, err)
}

func TestAcceptOrder_RequiresPayment(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestOrderService(t, db, clock.Real{})
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, newOrderRequest())
	require.NoError(t, err)

	// 未支付订单不可接单
	err = svc.AcceptOrder(ctx, order.OrderNo, 2)
	assert.ErrorIs(t, err, ErrOrderNotPayable)

	markPaid(t, svc, order.OrderNo)

	// 非服务方不可接单
	err = svc.AcceptOrder(ctx, order.OrderNo, 99)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	require.NoError(t, svc.AcceptOrder(ctx, order.OrderNo, 2))

	got, _ := svc.GetOrder(ctx, order.OrderNo)
	assert.Equal(t, model.OrderStatusAccepted, got.Status)
	assert.NotNil(t, got.AcceptedTime)

	// 重复接单幂等
	assert.NoError(t, svc.AcceptOrder(ctx, order.OrderNo, 2))
}

func TestOrderLifecycle(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestOrderService(t, db, clock.Real{})
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, newOrderRequest())
	require.NoError(t, err)
	markPaid(t, svc, order.OrderNo)

	// 不能跳步：未接单不可开始，未开始不可完成
	assert.ErrorIs(t, svc.StartService(ctx, order.OrderNo, 2), ErrOrderNotPayable)
	assert.ErrorIs(t, svc.CompleteOrder(ctx, order.OrderNo, 2), ErrOrderNotPayable)

	require.NoError(t, svc.AcceptOrder(ctx, order.OrderNo, 2))
	require.NoError(t, svc.StartService(ctx, order.OrderNo, 2))
	require.NoError(t, svc.CompleteOrder(ctx, order.OrderNo, 2))

	got, _ := svc.GetOrder(ctx, order.OrderNo)
	assert.Equal(t, model.OrderStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedTime)

	// 服务中不可取消
	err = svc.CancelOrder(ctx, order.OrderNo, 1, "不想要了")
	assert.ErrorIs(t, err, ErrOrderNotPayable)
}

// TestCancelUnpaidOrder 未支付订单取消：直接终态，不触碰资金
func TestCancelUnpaidOrder(t *testing.T) {
	db := newTestDB(t)
	svc, fake := newTestOrderService(t, db, clock.Real{})
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, newOrderRequest())
	require.NoError(t, err)

	require.NoError(t, svc.CancelOrder(ctx, order.OrderNo, 1, "下错了"))

	got, _ := svc.GetOrder(ctx, order.OrderNo)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)
	assert.Equal(t, "下错了", got.CancelReason)
	assert.Zero(t, fake.callCount(), "未支付取消不应触发退款")

	// 再次取消幂等
	assert.NoError(t, svc.CancelOrder(ctx, order.OrderNo, 1, "再取消一次"))
}

// TestCancelPaidOrder 已支付订单取消：退款落地后才置 CANCELLED
func TestCancelPaidOrder(t *testing.T) {
	db := newTestDB(t)
	svc, fake := newTestOrderService(t, db, clock.Real{})
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, newOrderRequest())
	require.NoError(t, err)
	markPaid(t, svc, order.OrderNo)

	require.NoError(t, svc.CancelOrder(ctx, order.OrderNo, 1, "有事去不了"))

	got, _ := svc.GetOrder(ctx, order.OrderNo)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)
	assert.Equal(t, order.TotalAmount, got.RefundAmount)
	assert.NotEmpty(t, got.RefundNo)
	assert.Equal(t, 1, fake.callCount())
	assert.Equal(t, order.TotalAmount, fake.calls[0].Amount)
}

// TestCancelPaidOrder_RefundFails 退款失败停在 CANCEL_PENDING，
// 重试携带同一退款单号
func TestCancelPaidOrder_RefundFails(t *testing.T) {
	db := newTestDB(t)
	svc, fake := newTestOrderService(t, db, clock.Real{})
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, newOrderRequest())
	require.NoError(t, err)
	markPaid(t, svc, order.OrderNo)

	fake.setErr(ErrDownstreamUnavailable)
	err = svc.CancelOrder(ctx, order.OrderNo, 1, "取消")
	require.Error(t, err)

	got, _ := svc.GetOrder(ctx, order.OrderNo)
	assert.Equal(t, model.OrderStatusCancelPending, got.Status)
	require.NotEmpty(t, got.RefundNo)
	firstRefundNo := got.RefundNo

	// 下游恢复后补偿扫描落地退款
	fake.setErr(nil)
	settled, err := svc.RetryCancelPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	got, _ = svc.GetOrder(ctx, order.OrderNo)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)

	// 两次退款调用使用的是同一个幂等键
	require.Equal(t, 2, fake.callCount())
	assert.Equal(t, firstRefundNo, fake.calls[0].RefundNo)
	assert.Equal(t, firstRefundNo, fake.calls[1].RefundNo)
}

func TestRefundCompletedOrder(t *testing.T) {
	db := newTestDB(t)
	svc, fake := newTestOrderService(t, db, clock.Real{})
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, newOrderRequest())
	require.NoError(t, err)
	markPaid(t, svc, order.OrderNo)
	require.NoError(t, svc.AcceptOrder(ctx, order.OrderNo, 2))
	require.NoError(t, svc.StartService(ctx, order.OrderNo, 2))
	require.NoError(t, svc.CompleteOrder(ctx, order.OrderNo, 2))

	// 超额退款被拒
	err = svc.RefundCompletedOrder(ctx, order.OrderNo, 1, order.TotalAmount+1, "多退点")
	assert.Error(t, err)

	require.NoError(t, svc.RefundCompletedOrder(ctx, order.OrderNo, 1, 3000, "服务不满意"))

	got, _ := svc.GetOrder(ctx, order.OrderNo)
	assert.Equal(t, model.OrderStatusRefunded, got.Status)
	assert.Equal(t, int64(3000), got.RefundAmount)
	assert.Equal(t, 1, fake.callCount())
}

// TestRefundCompletedOrder_RetryKeepsRefundNo 售后退款结果未知后重试
// 必须携带首次占下的退款单号，换新号会造成重复入账
func TestRefundCompletedOrder_RetryKeepsRefundNo(t *testing.T) {
	db := newTestDB(t)
	svc, fake := newTestOrderService(t, db, clock.Real{})
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, newOrderRequest())
	require.NoError(t, err)
	markPaid(t, svc, order.OrderNo)
	require.NoError(t, svc.AcceptOrder(ctx, order.OrderNo, 2))
	require.NoError(t, svc.StartService(ctx, order.OrderNo, 2))
	require.NoError(t, svc.CompleteOrder(ctx, order.OrderNo, 2))

	fake.setErr(ErrDownstreamUnavailable)
	err = svc.RefundCompletedOrder(ctx, order.OrderNo, 1, 3000, "服务不满意")
	require.Error(t, err)

	// 退款未落地，但退款单号已占在订单上
	got, _ := svc.GetOrder(ctx, order.OrderNo)
	assert.Equal(t, model.OrderStatusCompleted, got.Status)
	require.NotEmpty(t, got.RefundNo)
	firstRefundNo := got.RefundNo

	fake.setErr(nil)
	require.NoError(t, svc.RefundCompletedOrder(ctx, order.OrderNo, 1, 3000, "服务不满意"))

	got, _ = svc.GetOrder(ctx, order.OrderNo)
	assert.Equal(t, model.OrderStatusRefunded, got.Status)
	assert.Equal(t, int64(3000), got.RefundAmount)

	// 两次调用是同一个幂等键
	require.Equal(t, 2, fake.callCount())
	assert.Equal(t, firstRefundNo, fake.calls[0].RefundNo)
	assert.Equal(t, firstRefundNo, fake.calls[1].RefundNo)
}

// TestAutoCancelExpired 超时未支付自动取消；已支付订单不受影响
func TestAutoCancelExpired(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFake(fixedTime())
	svc, fake := newTestOrderService(t, db, clk)
	ctx := context.Background()

	unpaid, err := svc.CreateOrder(ctx, newOrderRequest())
	require.NoError(t, err)

	paidReq := newOrderRequest()
	paidReq.ServiceID = 101
	paid, err := svc.CreateOrder(ctx, paidReq)
	require.NoError(t, err)
	markPaid(t, svc, paid.OrderNo)

	// 未到时限不取消
	cancelled, err := svc.AutoCancelExpired(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, cancelled)

	clk.Advance(11 * time.Minute)

	cancelled, err = svc.AutoCancelExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	got, _ := svc.GetOrder(ctx, unpaid.OrderNo)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)

	gotPaid, _ := svc.GetOrder(ctx, paid.OrderNo)
	assert.Equal(t, model.OrderStatusPending, gotPaid.Status)
	assert.True(t, gotPaid.Paid())

	// 自动取消不触发退款（未支付无款可退）
	assert.Zero(t, fake.callCount())
}

func TestUpdateOrderStatus(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestOrderService(t, db, clock.Real{})
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, newOrderRequest())
	require.NoError(t, err)

	// 支付成功回调
	ok, err := svc.UpdateOrderStatus(ctx, &OrderStatusUpdate{
		OrderNo:       order.OrderNo,
		PaymentStatus: model.PayStatusSuccess,
		PaymentMethod: model.PayMethodBalance,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := svc.GetOrder(ctx, order.OrderNo)
	assert.True(t, got.Paid())
	assert.NotNil(t, got.PaymentTime)
	assert.Equal(t, model.PayMethodBalance, got.PaymentMethod)

	// 同一回调重放：no-op 且返回 true
	ok, err = svc.UpdateOrderStatus(ctx, &OrderStatusUpdate{
		OrderNo:       order.OrderNo,
		PaymentStatus: model.PayStatusSuccess,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// 已成功不可再翻失败
	_, err = svc.UpdateOrderStatus(ctx, &OrderStatusUpdate{
		OrderNo:       order.OrderNo,
		PaymentStatus: model.PayStatusFailed,
	})
	assert.ErrorIs(t, err, ErrOrderNotPayable)

	// 非法主状态跳转被拒
	_, err = svc.UpdateOrderStatus(ctx, &OrderStatusUpdate{
		OrderNo: order.OrderNo,
		Status:  model.OrderStatusCompleted,
	})
	assert.ErrorIs(t, err, ErrOrderNotPayable)
}

func TestListAndCountOrders(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestOrderService(t, db, clock.Real{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req := newOrderRequest()
		req.ServiceID = int64(100 + i)
		_, err := svc.CreateOrder(ctx, req)
		require.NoError(t, err)
	}

	list, total, err := svc.ListUserOrders(ctx, 1, "", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, list, 2)

	count, err := svc.GetOrderCount(ctx, 0, 2, model.OrderStatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestCancelOrder_PermissionDenied(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestOrderService(t, db, clock.Real{})
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, newOrderRequest())
	require.NoError(t, err)

	err = svc.CancelOrder(ctx, order.OrderNo, 99, "不是我的单")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
