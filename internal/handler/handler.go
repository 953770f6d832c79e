package handler

import (
	"errors"
	"net/http"
	"strconv"

	"tradecenter/internal/model"
	"tradecenter/internal/repository"
	"tradecenter/internal/service"
	"tradecenter/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，持有三个领域服务
type Handler struct {
	accountService *service.AccountService
	orderService   *service.OrderService
	paymentService *service.PaymentService
}

// NewHandler 创建处理器实例
// 服务实例在 main 里构造并完成互相绑定后注入
func NewHandler(accountService *service.AccountService, orderService *service.OrderService,
	paymentService *service.PaymentService) *Handler {
	return &Handler{
		accountService: accountService,
		orderService:   orderService,
		paymentService: paymentService,
	}
}

// writeError 业务错误到响应码的统一映射
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, err.Error())
	case errors.Is(err, repository.ErrAccountNotFound):
		response.BusinessError(c, response.CodeAccountNotFound, err.Error())
	case errors.Is(err, repository.ErrPaymentNotFound):
		response.BusinessError(c, response.CodePaymentFailed, err.Error())
	case errors.Is(err, service.ErrInsufficientBalance),
		errors.Is(err, service.ErrInsufficientFrozen):
		response.BusinessError(c, response.CodeInsufficientBalance, err.Error())
	case errors.Is(err, service.ErrOrderNotPayable):
		response.BusinessError(c, response.CodeOrderNotPayable, err.Error())
	case errors.Is(err, service.ErrConcurrencyConflict):
		response.BusinessError(c, response.CodeConcurrencyConflict, err.Error())
	case errors.Is(err, service.ErrPasswordLocked):
		response.BusinessError(c, response.CodePasswordLocked, err.Error())
	case errors.Is(err, service.ErrPasswordIncorrect),
		errors.Is(err, service.ErrPasswordNotSet):
		response.BusinessError(c, response.CodePasswordIncorrect, err.Error())
	case errors.Is(err, service.ErrUnsupportedPayMethod):
		response.BusinessError(c, response.CodeUnsupportedMethod, err.Error())
	case errors.Is(err, service.ErrAmountMismatch):
		response.BusinessError(c, response.CodeAmountMismatch, err.Error())
	case errors.Is(err, service.ErrDownstreamUnavailable):
		response.BusinessError(c, response.CodeDownstreamError, err.Error())
	case errors.Is(err, service.ErrPermissionDenied):
		response.BusinessError(c, response.CodeForbidden, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 订单相关接口
// ============================================================

// OrderRequest 下单/预览请求
type OrderRequest struct {
	ProviderID int64  `json:"provider_id" binding:"required"`
	ServiceID  int64  `json:"service_id" binding:"required"`
	OrderType  string `json:"order_type"`
	Quantity   int    `json:"quantity" binding:"required,gt=0"`
	UnitPrice  int64  `json:"unit_price" binding:"required,gt=0"`
}

func (r *OrderRequest) toService(userID int64) *service.CreateOrderRequest {
	return &service.CreateOrderRequest{
		UserID:     userID,
		ProviderID: r.ProviderID,
		ServiceID:  r.ServiceID,
		OrderType:  r.OrderType,
		Quantity:   r.Quantity,
		UnitPrice:  r.UnitPrice,
	}
}

// PreviewOrder 订单费用预览
// POST /api/v1/order/preview
func (h *Handler) PreviewOrder(c *gin.Context) {
	var req OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	preview, err := h.orderService.PreviewOrder(req.toService(currentUserID(c)))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, preview)
}

// CreateOrder 创建订单
// POST /api/v1/order/create
func (h *Handler) CreateOrder(c *gin.Context) {
	var req OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), req.toService(currentUserID(c)))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, order)
}

// GetOrder 订单详情
// GET /api/v1/order/detail?order_no=xxx
func (h *Handler) GetOrder(c *gin.Context) {
	orderNo := c.Query("order_no")
	if orderNo == "" {
		response.ParamError(c, "order_no 不能为空")
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), orderNo)
	if err != nil {
		writeError(c, err)
		return
	}
	if order.UserID != currentUserID(c) && order.ProviderID != currentUserID(c) {
		writeError(c, service.ErrPermissionDenied)
		return
	}
	response.Success(c, order)
}

// GetOrderStatus 订单状态轻量查询
// GET /api/v1/order/status?order_no=xxx
func (h *Handler) GetOrderStatus(c *gin.Context) {
	orderNo := c.Query("order_no")
	if orderNo == "" {
		response.ParamError(c, "order_no 不能为空")
		return
	}

	status, err := h.orderService.GetOrderStatus(c.Request.Context(), orderNo)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, status)
}

// ListOrders 当前用户订单分页列表
// GET /api/v1/order/list?status=xxx&page=1&page_size=10
func (h *Handler) ListOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	orders, total, err := h.orderService.ListUserOrders(
		c.Request.Context(), currentUserID(c), c.Query("status"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":  orders,
		"total": total,
		"page":  page,
	})
}

// CountOrders 订单计数
// GET /api/v1/order/count?role=provider&status=xxx
func (h *Handler) CountOrders(c *gin.Context) {
	var userID, providerID int64
	if c.Query("role") == "provider" {
		providerID = currentUserID(c)
	} else {
		userID = currentUserID(c)
	}

	total, err := h.orderService.GetOrderCount(c.Request.Context(), userID, providerID, c.Query("status"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"count": total})
}

// OrderActionRequest 接单/开始/完成请求
type OrderActionRequest struct {
	OrderNo string `json:"order_no" binding:"required"`
}

// AcceptOrder 服务方接单
// POST /api/v1/order/accept
func (h *Handler) AcceptOrder(c *gin.Context) {
	var req OrderActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.AcceptOrder(c.Request.Context(), req.OrderNo, currentUserID(c)); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"order_no": req.OrderNo})
}

// StartService 开始服务
// POST /api/v1/order/start
func (h *Handler) StartService(c *gin.Context) {
	var req OrderActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.StartService(c.Request.Context(), req.OrderNo, currentUserID(c)); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"order_no": req.OrderNo})
}

// CompleteOrder 完成订单
// POST /api/v1/order/complete
func (h *Handler) CompleteOrder(c *gin.Context) {
	var req OrderActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.CompleteOrder(c.Request.Context(), req.OrderNo, currentUserID(c)); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"order_no": req.OrderNo})
}

// CancelOrderRequest 取消订单请求
type CancelOrderRequest struct {
	OrderNo string `json:"order_no" binding:"required"`
	Reason  string `json:"reason"`
}

// CancelOrder 用户取消订单
// POST /api/v1/order/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req CancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.CancelOrder(c.Request.Context(), req.OrderNo, currentUserID(c), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"order_no": req.OrderNo})
}

// RefundOrderRequest 完成后退款请求
type RefundOrderRequest struct {
	OrderNo string `json:"order_no" binding:"required"`
	Amount  int64  `json:"amount" binding:"required,gt=0"`
	Reason  string `json:"reason"`
}

// RefundOrder 完成后退款（售后）
// POST /api/v1/order/refund
func (h *Handler) RefundOrder(c *gin.Context) {
	var req RefundOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.orderService.RefundCompletedOrder(
		c.Request.Context(), req.OrderNo, currentUserID(c), req.Amount, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"order_no": req.OrderNo})
}

// ============================================================
// 支付相关接口
// ============================================================

// PayRequest 支付请求
type PayRequest struct {
	OrderNo   string `json:"order_no" binding:"required"`
	Method    string `json:"method" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	PayToken  string `json:"pay_token"`
	PaymentNo string `json:"payment_no"` // 超时重试时必须带上原单号
}

// PayOrder 执行支付
// POST /api/v1/pay/execute
func (h *Handler) PayOrder(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.paymentService.ExecutePayment(c.Request.Context(), &service.PayRequest{
		UserID:    currentUserID(c),
		OrderNo:   req.OrderNo,
		Method:    req.Method,
		Amount:    req.Amount,
		PayToken:  req.PayToken,
		PaymentNo: req.PaymentNo,
	})
	if err != nil {
		// 下游超时：结果未知，把 PENDING 支付单号还给客户端供重试
		if errors.Is(err, service.ErrDownstreamUnavailable) && result != nil {
			c.JSON(http.StatusOK, response.Response{
				Code:    response.CodeDownstreamError,
				Message: err.Error(),
				Data:    result,
			})
			return
		}
		writeError(c, err)
		return
	}

	if result.Status == service.PayResultRequirePassword {
		response.BusinessError(c, response.CodeRequirePassword, "请先验证支付密码")
		return
	}
	response.Success(c, result)
}

// VerifyPasswordRequest 支付密码验证请求
type VerifyPasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

// VerifyPayPassword 验证支付密码，签发支付令牌
// POST /api/v1/pay/password/verify
func (h *Handler) VerifyPayPassword(c *gin.Context) {
	var req VerifyPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	token, err := h.paymentService.VerifyPassword(c.Request.Context(), currentUserID(c), req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, token)
}

// SetPasswordRequest 设置支付密码请求
type SetPasswordRequest struct {
	Password string `json:"password" binding:"required,min=6"`
}

// SetPayPassword 设置支付密码
// POST /api/v1/pay/password/set
func (h *Handler) SetPayPassword(c *gin.Context) {
	var req SetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.accountService.SetPaymentPassword(c.Request.Context(), currentUserID(c), req.Password); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "设置成功"})
}

// ListPayMethods 可用支付方式
// GET /api/v1/pay/methods
func (h *Handler) ListPayMethods(c *gin.Context) {
	response.Success(c, h.paymentService.ListPayMethods())
}

// GetPayment 支付单详情
// GET /api/v1/pay/detail?payment_no=xxx
func (h *Handler) GetPayment(c *gin.Context) {
	paymentNo := c.Query("payment_no")
	orderNo := c.Query("order_no")
	if paymentNo == "" && orderNo == "" {
		response.ParamError(c, "payment_no 或 order_no 不能为空")
		return
	}

	var (
		record *model.PaymentRecord
		err    error
	)
	if paymentNo != "" {
		record, err = h.paymentService.GetPayment(c.Request.Context(), paymentNo)
	} else {
		record, err = h.paymentService.GetPaymentByOrderNo(c.Request.Context(), currentUserID(c), orderNo)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if record.UserID != currentUserID(c) {
		writeError(c, service.ErrPermissionDenied)
		return
	}
	response.Success(c, record)
}

// ============================================================
// 钱包相关接口
// ============================================================

// GetWallet 钱包余额
// GET /api/v1/wallet/balance
func (h *Handler) GetWallet(c *gin.Context) {
	info, err := h.accountService.GetBalance(c.Request.Context(), currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, info)
}

// ListTransactions 钱包流水分页列表
// GET /api/v1/wallet/transactions?type=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	list, total, err := h.accountService.ListTransactions(c.Request.Context(), &repository.ListQuery{
		UserID:   currentUserID(c),
		Type:     c.Query("type"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":  list,
		"total": total,
		"page":  page,
	})
}
