package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/usage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DeviceLister 设备会话视图接口
type DeviceLister interface {
	ListDevices() []*models.Device
}

// AlarmLister 报警记录读取接口
type AlarmLister interface {
	ListDevice(deviceID string) []*models.AlarmRecord
}

// Server 仪表盘只读HTTP接口
//
// 设备卡片、报警、用量序列的查询面 + /metrics + /healthz。
// 写路径全部走设备链路的控制帧，这里不提供任何变更端点。
type Server struct {
	config  *config.Config
	router  *mux.Router
	devices DeviceLister
	alarms  AlarmLister
	engine  *usage.Engine
	logger  *zap.Logger

	httpServer *http.Server
}

// NewServer 创建HTTP服务
func NewServer(cfg *config.Config, devices DeviceLister, alarms AlarmLister, engine *usage.Engine, logger *zap.Logger) *Server {
	s := &Server{
		config:  cfg,
		router:  mux.NewRouter(),
		devices: devices,
		alarms:  alarms,
		engine:  engine,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/api/devices", s.devicesHandler).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}/alarms", s.alarmsHandler).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}/usage", s.usageHandler).Methods("GET")
}

// Start 启动HTTP服务
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.config.HTTP.Addr,
		Handler: s.router,
	}

	s.logger.Info("HTTP server listening",
		zap.String("addr", s.config.HTTP.Addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) devicesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": s.devices.ListDevices(),
	})
}

func (s *Server) alarmsHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"alarms":    s.alarms.ListDevice(deviceID),
	})
}

// usageHandler 用量序列查询
// 参数: window（如 24h，默认 24h）、since_reset（true/false）、flow_rate（ml/ms）
func (s *Server) usageHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": "invalid window duration",
			})
			return
		}
		window = parsed
	}

	query := usage.Query{
		WindowStart: time.Now().Add(-window),
		WindowEnd:   time.Now(),
		SinceReset:  r.URL.Query().Get("since_reset") == "true",
	}
	if raw := r.URL.Query().Get("flow_rate"); raw != "" {
		if rate, err := strconv.ParseFloat(raw, 64); err == nil {
			query.FlowRatePerMs = rate
		}
	}

	series, err := s.engine.BuildSeries(r.Context(), deviceID, query)
	if err != nil {
		s.logger.Error("Failed to build usage series",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to build usage series",
		})
		return
	}

	axisMin, axisMax := s.engine.PaddedRange(series, nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"series":   series,
		"axis_min": axisMin,
		"axis_max": axisMax,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
