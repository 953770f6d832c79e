package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradecenter/internal/config"
	"tradecenter/internal/handler"
	"tradecenter/internal/infrastructure/cache"
	"tradecenter/internal/infrastructure/database"
	"tradecenter/internal/infrastructure/logger"
	"tradecenter/internal/infrastructure/mq"
	"tradecenter/internal/job"
	"tradecenter/internal/rpc"
	"tradecenter/internal/service"
	"tradecenter/pkg/clock"
	"tradecenter/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig("config/config.yaml")

	log := logger.Init(&cfg.Log)
	defer log.Sync() //nolint:errcheck

	idgen.Init(1)

	db := database.InitMySQL(&cfg.MySQL, log)
	redisClient := cache.InitRedis(&cfg.Redis, log)
	producer := mq.InitKafka(&cfg.Kafka, log)
	defer producer.Close()

	clk := clock.Real{}

	// 服务构造与互相绑定
	// 账户 -> 订单 -> 支付按依赖顺序构造，订单对支付的反向依赖最后绑定
	accountService := service.NewAccountService(db, cfg, log, clk)
	accountClient := rpc.NewInProcAccountClient(accountService, cfg)

	orderService := service.NewOrderService(db, cfg, log, clk)
	orderClient := rpc.NewInProcOrderClient(orderService, cfg)

	paymentService := service.NewPaymentService(db, redisClient, cfg, log, clk, accountClient, orderClient)
	paymentClient := rpc.NewInProcPaymentClient(paymentService, cfg)
	orderService.BindPaymentClient(paymentClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg, log)
	go outboxSender.Start(ctx)

	autoCancelJob := job.NewAutoCancelJob(orderService, log)
	go autoCancelJob.Start(ctx)

	refundRetryJob := job.NewRefundRetryJob(orderService, log)
	go refundRetryJob.Start(ctx)

	reconcileJob := job.NewReconcileJob(db, accountService, orderClient, log, clk)
	go reconcileJob.Start(ctx)

	// HTTP 服务
	h := handler.NewHandler(accountService, orderService, paymentService)
	router := handler.SetupRouter(h, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("服务关闭异常", zap.Error(err))
	}

	log.Info("服务已关闭")
}
