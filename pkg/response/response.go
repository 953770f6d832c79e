package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess      = 0
	CodeParamError   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeServerError  = 500
)

// 业务错误码（1000 段）
const (
	CodeOrderNotFound       = 1001
	CodeOrderNotPayable     = 1002 // 订单状态不允许该操作
	CodeInsufficientBalance = 1003
	CodeDuplicateRequest    = 1004
	CodeAccountNotFound     = 1005
	CodePaymentFailed       = 1006
	CodeRefundFailed        = 1007
	CodeConcurrencyConflict = 1008 // 乐观锁重试耗尽
	CodePasswordLocked      = 1009
	CodePasswordIncorrect   = 1010
	CodeRequirePassword     = 1011 // 需要先验证支付密码
	CodeUnsupportedMethod   = 1012
	CodeAmountMismatch      = 1013
	CodeDownstreamError     = 1014 // 下游不可用，可携带原幂等键重试
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, CodeUnauthorized, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
