package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	// 主题配置
	// 入站: reef/{module_id}/{type}，出站: reef/{module_id}/status
	InboundTopic   string // 订阅通配主题，如 "reef/+/+"
	OutboundPrefix string // 出站主题前缀，如 "reef/"
}

// Config aquahub服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// HTTP只读接口（仪表盘 + /metrics）
	HTTP struct {
		Addr string
	}

	// 会话管理配置
	Session struct {
		HeartbeatTimeout time.Duration // 心跳超时（默认3秒 = 3x 1Hz心跳）
	}

	// 参数同步配置
	Sync struct {
		DebounceWindow time.Duration // 写合并窗口（默认600ms）
	}

	// 报警配置
	Alarm struct {
		SnoozeDuration   time.Duration // 贪睡时长（固定15分钟）
		ReminderInterval time.Duration // 提醒蜂鸣间隔（30秒-10分钟可配）
	}

	// 校准配置
	Calibration struct {
		Deadline    time.Duration // 会话硬超时（5分钟）
		ConfirmWait time.Duration // 等待设备确认的上限
	}

	// 用量对账配置
	Usage struct {
		ResetFloor        float64       // 复位判定下限（值 <= floor 视为复位）
		ResetDropDelta    float64       // 复位判定跌幅阈值
		SlotSize          time.Duration // 分辨率对齐槽宽（默认15秒）
		TailLimit         int           // 窗口内无样本时的兜底尾部条数
		PaddingRatio      float64       // 坐标轴留白比例
		PaddingFloor      float64       // 坐标轴留白下限
		BaselineRetention time.Duration // 复位基线保留时长（最长滚动窗口，1年）
	}

	// Redis缓存键配置
	Cache struct {
		SnapshotKeyPrefix string // 实时快照键前缀，如 "reef:device:"
		SnapshotSuffix    string // 实时快照键后缀，如 ":realtime"
		ErrorKeyPrefix    string // 设备最近错误键前缀，如 "reef:device:"
		ErrorSuffix       string // 设备最近错误键后缀，如 ":last_error"
		SnapshotTTL       int    // 快照TTL（秒）
	}

	// 遥测流配置
	Stream struct {
		Name     string // Redis Stream 名称
		Group    string // 消费者组
		Consumer string // 消费者名
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "picklereef")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "aquahub")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.InboundTopic = getEnv("MQTT_INBOUND_TOPIC", "reef/+/+")
	cfg.MQTT.OutboundPrefix = getEnv("MQTT_OUTBOUND_PREFIX", "reef/")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8086")

	cfg.Session.HeartbeatTimeout = getEnvDuration("SESSION_HEARTBEAT_TIMEOUT", 3*time.Second)

	cfg.Sync.DebounceWindow = getEnvDuration("SYNC_DEBOUNCE_WINDOW", 600*time.Millisecond)

	cfg.Alarm.SnoozeDuration = 15 * time.Minute
	cfg.Alarm.ReminderInterval = getEnvDuration("ALARM_REMINDER_INTERVAL", 60*time.Second)
	if cfg.Alarm.ReminderInterval < 30*time.Second {
		cfg.Alarm.ReminderInterval = 30 * time.Second
	}
	if cfg.Alarm.ReminderInterval > 10*time.Minute {
		cfg.Alarm.ReminderInterval = 10 * time.Minute
	}

	cfg.Calibration.Deadline = 5 * time.Minute
	cfg.Calibration.ConfirmWait = getEnvDuration("CALIBRATION_CONFIRM_WAIT", 20*time.Second)

	cfg.Usage.ResetFloor = getEnvFloat("USAGE_RESET_FLOOR", 100)
	cfg.Usage.ResetDropDelta = getEnvFloat("USAGE_RESET_DROP_DELTA", 10)
	cfg.Usage.SlotSize = getEnvDuration("USAGE_SLOT_SIZE", 15*time.Second)
	cfg.Usage.TailLimit = getEnvInt("USAGE_TAIL_LIMIT", 240)
	cfg.Usage.PaddingRatio = getEnvFloat("USAGE_PADDING_RATIO", 0.1)
	cfg.Usage.PaddingFloor = getEnvFloat("USAGE_PADDING_FLOOR", 0.5)
	cfg.Usage.BaselineRetention = getEnvDuration("USAGE_BASELINE_RETENTION", 365*24*time.Hour)

	cfg.Cache.SnapshotKeyPrefix = getEnv("CACHE_SNAPSHOT_PREFIX", "reef:device:")
	cfg.Cache.SnapshotSuffix = ":realtime"
	cfg.Cache.ErrorKeyPrefix = getEnv("CACHE_ERROR_PREFIX", "reef:device:")
	cfg.Cache.ErrorSuffix = ":last_error"
	cfg.Cache.SnapshotTTL = getEnvInt("CACHE_SNAPSHOT_TTL", 30)

	cfg.Stream.Name = getEnv("STREAM_NAME", "reef:telemetry:stream")
	cfg.Stream.Group = getEnv("STREAM_GROUP", "usage-ingest")
	cfg.Stream.Consumer = getEnv("STREAM_CONSUMER", "aquahub-1")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
