package config

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogConfig      `mapstructure:"log"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	OrderEvent   string `mapstructure:"order_event"`
	PaymentEvent string `mapstructure:"payment_event"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`        // 为空时只输出到 stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // 单文件上限
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type BusinessConfig struct {
	AutoCancelMinutes   int   `mapstructure:"auto_cancel_minutes"`   // 未支付订单自动取消时长
	ServiceFee          int64 `mapstructure:"service_fee"`           // 每单固定平台服务费（分）
	CASMaxRetries       int   `mapstructure:"cas_max_retries"`       // 乐观锁冲突重试上限
	PasswordMaxErrors   int   `mapstructure:"password_max_errors"`   // 支付密码连续错误锁定阈值
	PasswordLockMinutes int   `mapstructure:"password_lock_minutes"` // 支付密码锁定时长
	PayTokenTTLSeconds  int   `mapstructure:"pay_token_ttl_seconds"` // 密码验证后支付令牌有效期
	RPCTimeoutMs        int   `mapstructure:"rpc_timeout_ms"`        // 跨服务调用超时
	MaxRetryCount       int   `mapstructure:"max_retry_count"`       // 发件箱消息投递重试上限
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
// 先加载 .env（本地开发覆盖），再读 YAML
func LoadConfig(configPath string) *Config {
	_ = godotenv.Load()

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
