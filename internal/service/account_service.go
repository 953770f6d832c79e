package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradecenter/internal/config"
	"tradecenter/internal/model"
	"tradecenter/internal/repository"
	"tradecenter/pkg/clock"
	"tradecenter/pkg/idgen"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// 资金操作类型（内部）
// deductFrozen 与 deduct 共用流水类型 EXPENSE，区别只在资金来源
type walletOp int

const (
	opDeduct walletOp = iota
	opAdd
	opFreeze
	opUnfreeze
	opDeductFrozen
)

func (op walletOp) transactionType() string {
	switch op {
	case opAdd:
		return model.TransactionTypeIncome
	case opFreeze:
		return model.TransactionTypeFreeze
	case opUnfreeze:
		return model.TransactionTypeUnfreeze
	default:
		return model.TransactionTypeExpense
	}
}

// AccountService 账户服务
// 所有余额变动走同一条路径：幂等检查 -> 读取-计算-条件写入（乐观锁）重试环
// -> 余额 CAS 与流水追加在同一个数据库事务内提交
type AccountService struct {
	db              *gorm.DB
	cfg             *config.Config
	log             *zap.Logger
	clk             clock.Clock
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
}

func NewAccountService(db *gorm.DB, cfg *config.Config, log *zap.Logger, clk clock.Clock) *AccountService {
	return &AccountService{
		db:              db,
		cfg:             cfg,
		log:             log,
		clk:             clk,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

func (s *AccountService) maxRetries() int {
	if n := s.cfg.Business.CASMaxRetries; n > 0 {
		return n
	}
	return 3
}

// ============================================================================
// 资金操作
// ============================================================================

// DeductBalance 扣减可用余额，要求 balance >= amount
func (s *AccountService) DeductBalance(ctx context.Context, m *WalletMutation) (bool, error) {
	return s.mutate(ctx, opDeduct, m)
}

// AddBalance 增加可用余额（退款到账、收益结算）
func (s *AccountService) AddBalance(ctx context.Context, m *WalletMutation) (bool, error) {
	return s.mutate(ctx, opAdd, m)
}

// FreezeBalance 可用余额转入冻结，要求 balance >= amount
func (s *AccountService) FreezeBalance(ctx context.Context, m *WalletMutation) (bool, error) {
	return s.mutate(ctx, opFreeze, m)
}

// UnfreezeBalance 冻结余额转回可用，要求 frozen_balance >= amount
func (s *AccountService) UnfreezeBalance(ctx context.Context, m *WalletMutation) (bool, error) {
	return s.mutate(ctx, opUnfreeze, m)
}

// DeductFrozen 捕获冻结款（支付结算），要求 frozen_balance >= amount
func (s *AccountService) DeductFrozen(ctx context.Context, m *WalletMutation) (bool, error) {
	return s.mutate(ctx, opDeductFrozen, m)
}

// mutate 统一的余额变动入口
// 返回值 applied=false 表示命中 payment_no 幂等键，本次未做任何变动
func (s *AccountService) mutate(ctx context.Context, op walletOp, m *WalletMutation) (bool, error) {
	if m.Amount <= 0 {
		return false, errors.New("金额必须大于0")
	}

	txType := op.transactionType()

	// 幂等快速路径：同一 payment_no 同一流水类型只生效一次
	// 这里只做拦截，真正的判定在写事务内复查，防止并发首次调用互相看不见
	if m.PaymentNo != "" {
		prior, err := s.transactionRepo.GetByPaymentNoAndType(ctx, nil, m.PaymentNo, txType)
		if err != nil {
			return false, fmt.Errorf("幂等检查失败: %w", err)
		}
		if prior != nil {
			s.logIdempotentHit(m, txType)
			return false, nil
		}
	}

	for i := 0; i < s.maxRetries(); i++ {
		account, err := s.accountRepo.GetOrCreate(ctx, m.UserID)
		if err != nil {
			return false, fmt.Errorf("获取账户失败: %w", err)
		}

		next, err := applyOp(account, op, m.Amount)
		if err != nil {
			return false, err
		}

		trans := &model.WalletTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        m.UserID,
			Type:          txType,
			Amount:        m.Amount,
			BalanceBefore: account.Balance,
			BalanceAfter:  next.Balance,
			FrozenBefore:  account.FrozenBalance,
			FrozenAfter:   next.FrozenBalance,
			PaymentNo:     m.PaymentNo,
			ReferenceID:   m.ReferenceID,
			ReferenceType: m.ReferenceType,
			Remark:        m.Remark,
		}

		// 幂等复查、余额 CAS、流水追加在同一个事务内提交
		// 并发同键调用由账户 version 串行化：后提交者必然 CAS 失败重试，
		// 重试事务内的复查一定能看到先提交者落下的流水
		applied := false
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if m.PaymentNo != "" {
				prior, err := s.transactionRepo.GetByPaymentNoAndType(ctx, tx, m.PaymentNo, txType)
				if err != nil {
					return err
				}
				if prior != nil {
					return nil
				}
			}
			if err := s.accountRepo.CompareAndSwap(ctx, tx, next); err != nil {
				return err
			}
			if err := s.transactionRepo.Append(ctx, tx, trans); err != nil {
				return err
			}
			applied = true
			return nil
		})

		if err == nil {
			if !applied {
				s.logIdempotentHit(m, txType)
			}
			return applied, nil
		}
		if errors.Is(err, repository.ErrOptimisticLock) {
			// 并发写入者先提交了，重读后再试
			continue
		}
		return false, err
	}

	s.log.Warn("乐观锁重试耗尽",
		zap.Int64("user_id", m.UserID),
		zap.String("type", txType),
		zap.Int64("amount", m.Amount))
	return false, ErrConcurrencyConflict
}

func (s *AccountService) logIdempotentHit(m *WalletMutation, txType string) {
	s.log.Info("命中幂等键，跳过重复操作",
		zap.String("payment_no", m.PaymentNo),
		zap.String("type", txType),
		zap.Int64("user_id", m.UserID))
}

// applyOp 基于读到的账户快照计算变动后的值，不触库
// 返回的 Account 保留读取时的 version，供 CAS 条件使用
func applyOp(account *model.Account, op walletOp, amount int64) (*model.Account, error) {
	next := *account
	switch op {
	case opDeduct:
		if account.Balance < amount {
			return nil, ErrInsufficientBalance
		}
		next.Balance -= amount
		next.TotalExpense += amount
	case opAdd:
		next.Balance += amount
		next.TotalIncome += amount
	case opFreeze:
		if account.Balance < amount {
			return nil, ErrInsufficientBalance
		}
		next.Balance -= amount
		next.FrozenBalance += amount
	case opUnfreeze:
		if account.FrozenBalance < amount {
			return nil, ErrInsufficientFrozen
		}
		next.FrozenBalance -= amount
		next.Balance += amount
	case opDeductFrozen:
		if account.FrozenBalance < amount {
			return nil, ErrInsufficientFrozen
		}
		next.FrozenBalance -= amount
		next.TotalExpense += amount
	}
	return &next, nil
}

// ============================================================================
// 查询
// ============================================================================

// GetBalance 查询钱包余额（账户不存在时懒创建）
func (s *AccountService) GetBalance(ctx context.Context, userID int64) (*WalletInfo, error) {
	account, err := s.accountRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &WalletInfo{
		UserID:        account.UserID,
		Balance:       account.Balance,
		FrozenBalance: account.FrozenBalance,
		Available:     account.Available(),
		TotalIncome:   account.TotalIncome,
		TotalExpense:  account.TotalExpense,
	}, nil
}

// ListTransactions 分页查询流水
func (s *AccountService) ListTransactions(ctx context.Context, q *repository.ListQuery) ([]*model.WalletTransaction, int64, error) {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 || q.PageSize > 100 {
		q.PageSize = 20
	}
	return s.transactionRepo.ListByUserID(ctx, q)
}

// CheckLedgerConsistency 对账：流水余额变化量之和必须等于当前可用余额
func (s *AccountService) CheckLedgerConsistency(ctx context.Context, userID int64) (bool, error) {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return true, nil
		}
		return false, err
	}
	sum, err := s.transactionRepo.SumBalanceDeltas(ctx, userID)
	if err != nil {
		return false, err
	}
	return sum == account.Balance, nil
}

// ============================================================================
// 支付密码
// ============================================================================

// SetPaymentPassword 设置支付密码
func (s *AccountService) SetPaymentPassword(ctx context.Context, userID int64, password string) error {
	if len(password) < 6 {
		return errors.New("支付密码长度不能小于6位")
	}
	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("密码加密失败: %w", err)
	}
	return s.accountRepo.SetPaymentPassword(ctx, userID, string(hash))
}

// VerifyPaymentPassword 校验支付密码
// 连续错误达到阈值后锁定一段时间，锁定期内无论密码对错一律拒绝
func (s *AccountService) VerifyPaymentPassword(ctx context.Context, userID int64, password string) error {
	account, err := s.accountRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	now := s.clk.Now()
	if account.PasswordLocked(now) {
		return ErrPasswordLocked
	}
	if account.PaymentPassword == "" {
		return ErrPasswordNotSet
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PaymentPassword), []byte(password)); err != nil {
		var lockedUntil *time.Time
		if account.PasswordErrorCount+1 >= s.passwordMaxErrors() {
			t := now.Add(time.Duration(s.passwordLockMinutes()) * time.Minute)
			lockedUntil = &t
			s.log.Warn("支付密码连续错误达到阈值，账户锁定",
				zap.Int64("user_id", userID),
				zap.Time("locked_until", t))
		}
		if recErr := s.accountRepo.RecordPasswordFailure(ctx, userID, lockedUntil); recErr != nil {
			s.log.Error("记录密码错误次数失败", zap.Int64("user_id", userID), zap.Error(recErr))
		}
		return ErrPasswordIncorrect
	}

	if err := s.accountRepo.ResetPasswordFailures(ctx, userID); err != nil {
		s.log.Error("清零密码错误次数失败", zap.Int64("user_id", userID), zap.Error(err))
	}
	return nil
}

func (s *AccountService) passwordMaxErrors() int {
	if n := s.cfg.Business.PasswordMaxErrors; n > 0 {
		return n
	}
	return 5
}

func (s *AccountService) passwordLockMinutes() int {
	if n := s.cfg.Business.PasswordLockMinutes; n > 0 {
		return n
	}
	return 30
}
