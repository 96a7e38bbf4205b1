package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/alarm"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/broadcast"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/cache"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/calibration"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/consumer"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/database"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/evaluator"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/httpapi"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/mqtt"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/paramsync"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/repository"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/session"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/usage"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Hub 网关服务（整合各层）
type Hub struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	// 各层组件
	sessions      *session.Manager
	synchronizer  *paramsync.Synchronizer
	alarms        *alarm.Machine
	calibration   *calibration.Workflow
	engine        *usage.Engine
	broadcaster   *broadcast.Broadcaster
	frameConsumer *consumer.FrameConsumer
	ingestor      *consumer.UsageIngestor
	httpServer    *httpapi.Server
	baselineRepo  *repository.ResetBaselinesRepository
}

// NewHub 创建网关服务
func NewHub(cfg *config.Config, logger *zap.Logger) (*Hub, error) {
	// 1. 连接数据库并保证表结构
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := repository.EnsureSchema(context.Background(), db); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	// 2. 连接 Redis
	redisClient := cache.NewRedisClient(&cfg.Redis)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect MQTT broker: %w", err)
	}

	// 4. Repository 层
	deviceRepo := repository.NewDeviceRepository(db, logger)
	paramsRepo := repository.NewParamsRepository(db, logger)
	alarmRepo := repository.NewAlarmRecordsRepository(db, logger)
	usageRepo := repository.NewUsageEventsRepository(db, logger)
	baselineRepo := repository.NewResetBaselinesRepository(db, logger)
	calibRepo := repository.NewCalibrationResultsRepository(db, logger)

	// 5. 缓存层
	kv := cache.NewRedisKVStore(redisClient)
	snapshots := cache.NewSnapshotCache(cfg, kv, logger)

	// 6. 核心组件
	sessions := session.NewManager(cfg, deviceRepo, logger)
	broadcaster := broadcast.NewBroadcaster(cfg, mqttClient, paramsRepo, snapshots, sessions, logger)
	registry := paramsync.NewRegistry()
	synchronizer := paramsync.NewSynchronizer(cfg, registry, paramsRepo, broadcaster, logger)
	alarms := alarm.NewMachine(cfg, alarmRepo, broadcaster, logger)
	workflow := calibration.NewWorkflow(cfg, calibRepo, sessions, broadcaster, logger)

	broadcaster.SetAlarmReader(alarms)
	broadcaster.SetCalibrationReader(workflow)

	// 报警评估器：每帧 status 用落盘阈值评估，驱动断言/清除
	alarmEvaluator := evaluator.NewEvaluator(cfg, paramsRepo, alarms, logger)

	// 离线级联：作废待写、丢弃评估连续性状态；
	// 校准会话留给其自身期限，报警不动
	sessions.SetOfflineHook(func(deviceID string) {
		synchronizer.CancelPending(deviceID)
		alarmEvaluator.Forget(deviceID)
	})

	// 连接建立即向仪表盘广播一次权威全量状态
	sessions.SetOnlineHook(func(deviceID string) {
		if err := broadcaster.BroadcastStatus(context.Background(), deviceID); err != nil {
			logger.Warn("Failed to broadcast status on connect",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	})

	// 7. 消费层
	dispatcher := consumer.NewDispatcher(synchronizer, alarms, workflow, snapshots, baselineRepo, broadcaster, logger)
	frameConsumer := consumer.NewFrameConsumer(cfg, mqttClient, redisClient, sessions, snapshots, dispatcher, workflow, alarmEvaluator, logger)
	ingestor := consumer.NewUsageIngestor(cfg, redisClient, usageRepo, logger)

	// 8. 对账引擎与HTTP查询面
	engine := usage.NewEngine(cfg, usageRepo, baselineRepo, logger)
	httpServer := httpapi.NewServer(cfg, sessions, alarms, engine, logger)

	// 9. 重启恢复激活报警
	if err := alarms.Restore(context.Background()); err != nil {
		logger.Warn("Failed to restore alarms from repository", zap.Error(err))
	}

	return &Hub{
		config:        cfg,
		db:            db,
		redisClient:   redisClient,
		mqttClient:    mqttClient,
		logger:        logger,
		sessions:      sessions,
		synchronizer:  synchronizer,
		alarms:        alarms,
		calibration:   workflow,
		engine:        engine,
		broadcaster:   broadcaster,
		frameConsumer: frameConsumer,
		ingestor:      ingestor,
		httpServer:    httpServer,
		baselineRepo:  baselineRepo,
	}, nil
}

// Start 启动服务（阻塞直到 ctx 取消或某个子系统失败）
func (h *Hub) Start(ctx context.Context) error {
	errChan := make(chan error, 4)

	go func() {
		if err := h.frameConsumer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("frame consumer: %w", err)
		}
	}()

	go func() {
		if err := h.ingestor.Start(ctx); err != nil {
			errChan <- fmt.Errorf("usage ingestor: %w", err)
		}
	}()

	go h.alarms.RunReminderLoop(ctx)
	go h.runBaselinePruner(ctx)

	go func() {
		if err := h.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	h.logger.Info("Hub service started")

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// runBaselinePruner 定期清理超过最长滚动窗口的复位基线
func (h *Hub) runBaselinePruner(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.config.Usage.BaselineRetention)
			pruned, err := h.baselineRepo.PruneBefore(ctx, cutoff)
			if err != nil {
				h.logger.Warn("Failed to prune reset baselines", zap.Error(err))
				continue
			}
			if pruned > 0 {
				h.logger.Info("Pruned stale reset baselines",
					zap.Int64("count", pruned),
				)
			}
		}
	}
}

// Stop 停止服务
func (h *Hub) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.frameConsumer.Stop()
	h.sessions.Stop()
	h.calibration.Stop()

	if err := h.httpServer.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}

	h.mqttClient.Disconnect()

	if err := h.redisClient.Close(); err != nil {
		h.logger.Warn("Failed to close redis client", zap.Error(err))
	}
	if err := database.Close(h.db); err != nil {
		h.logger.Warn("Failed to close database", zap.Error(err))
	}

	h.logger.Info("Hub service stopped")
}
