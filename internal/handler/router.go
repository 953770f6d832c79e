package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	api.Use(IdentityMiddleware())
	{
		order := api.Group("/order")
		{
			order.POST("/preview", h.PreviewOrder)
			order.POST("/create", h.CreateOrder)
			order.GET("/detail", h.GetOrder)
			order.GET("/status", h.GetOrderStatus)
			order.GET("/list", h.ListOrders)
			order.GET("/count", h.CountOrders)
			order.POST("/accept", h.AcceptOrder)
			order.POST("/start", h.StartService)
			order.POST("/complete", h.CompleteOrder)
			order.POST("/cancel", h.CancelOrder)
			order.POST("/refund", h.RefundOrder)
		}

		pay := api.Group("/pay")
		{
			pay.POST("/execute", h.PayOrder)
			pay.POST("/password/verify", h.VerifyPayPassword)
			pay.POST("/password/set", h.SetPayPassword)
			pay.GET("/methods", h.ListPayMethods)
			pay.GET("/detail", h.GetPayment)
		}

		wallet := api.Group("/wallet")
		{
			wallet.GET("/balance", h.GetWallet)
			wallet.GET("/transactions", h.ListTransactions)
		}
	}

	// 健康检查不过身份中间件
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
