package service

import (
	"errors"
)

// ============================================================================
// 业务错误
// ============================================================================
//
// 重试语义约定：
//   - 余额不足 / 状态不合法：永不重试，原样抛给调用方
//   - 乐观锁冲突：服务内部有限次重试后以 ErrConcurrencyConflict 浮出
//   - 下游不可用（含超时）：结果未知，调用方必须携带原幂等键重试，
//     严禁换新 payment_no 重发

var (
	ErrInsufficientBalance   = errors.New("余额不足")
	ErrInsufficientFrozen    = errors.New("冻结余额不足")
	ErrConcurrencyConflict   = errors.New("操作冲突，请稍后重试")
	ErrPasswordLocked        = errors.New("支付密码已锁定，请稍后再试")
	ErrPasswordIncorrect     = errors.New("支付密码错误")
	ErrPasswordNotSet        = errors.New("尚未设置支付密码")
	ErrOrderNotPayable       = errors.New("订单当前状态不允许该操作")
	ErrAmountMismatch        = errors.New("支付金额与订单应付金额不一致")
	ErrUnsupportedPayMethod  = errors.New("暂不支持该支付方式")
	ErrDownstreamUnavailable = errors.New("下游服务不可用，请携带原单号重试")
	ErrPermissionDenied      = errors.New("无权操作该订单")
)
