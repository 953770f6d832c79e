package service

import (
	"fmt"
	"os"
	"testing"
	"time"

	"tradecenter/internal/config"
	"tradecenter/internal/infrastructure/database"
	"tradecenter/pkg/clock"
	"tradecenter/pkg/idgen"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	idgen.Init(1)
	os.Exit(m.Run())
}

// newTestDB 进程内 SQLite 数据库，表结构与生产迁移一致
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s/test.db?_busy_timeout=5000&_journal_mode=WAL", t.TempDir())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// SQLite 对先读后写的并发事务会报不可重试的 busy 错误，
	// 单连接串行化事务，并发语义由 goroutine 交错保证
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.AutoMigrate(db))
	return db
}

func newTestConfig() *config.Config {
	return &config.Config{
		Business: config.BusinessConfig{
			AutoCancelMinutes:   10,
			ServiceFee:          200,
			CASMaxRetries:       3,
			PasswordMaxErrors:   5,
			PasswordLockMinutes: 30,
			PayTokenTTLSeconds:  300,
			RPCTimeoutMs:        3000,
			MaxRetryCount:       3,
		},
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				OrderEvent:   "trade.order.event",
				PaymentEvent: "trade.payment.event",
			},
		},
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newTestAccountService(t *testing.T, db *gorm.DB, clk clock.Clock) *AccountService {
	t.Helper()
	return NewAccountService(db, newTestConfig(), zap.NewNop(), clk)
}

func fixedTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}
