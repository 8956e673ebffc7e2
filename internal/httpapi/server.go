package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"servo-monitor/internal/cache"
	"servo-monitor/internal/evaluator"
	"servo-monitor/internal/models"
	"servo-monitor/internal/repository"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// LatestReader 最新读数与健康分历史
type LatestReader interface {
	GetLatest(ctx context.Context, deviceID string) (*models.Reading, error)
	HealthHistory(ctx context.Context, deviceID string) ([]float64, error)
	DeviceIDs(ctx context.Context) ([]string, error)
}

// AlertStore 告警查询与处理
type AlertStore interface {
	ListAlerts(ctx context.Context, filter repository.AlertFilter) ([]*models.Alert, error)
	ResolveAlert(ctx context.Context, alertID string) (*models.Alert, error)
	ResolveByDevice(ctx context.Context, deviceID string, alertType models.AlertType) (int64, error)
}

// HealthCheck 依赖健康检查，返回 nil 表示正常
type HealthCheck func(ctx context.Context) error

// Deps 路由依赖；为空的依赖对应路由不注册
type Deps struct {
	Latest    LatestReader
	Alerts    AlertStore
	WebSocket http.Handler
	Metrics   http.Handler
	Checks    map[string]HealthCheck
	Logger    *zap.Logger
}

// movingAverageWindow 最新读数接口返回的健康分滑动平均窗口
const movingAverageWindow = 10

// Server HTTP 接口
type Server struct {
	router *mux.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer 创建路由
func NewServer(deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		logger: deps.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.Use(corsMiddleware)

	if s.deps.WebSocket != nil {
		s.router.Handle("/ws", s.deps.WebSocket).Methods(http.MethodGet)
	}
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.getHealth).Methods(http.MethodGet)

	if s.deps.Latest != nil {
		api.HandleFunc("/devices", s.getDevices).Methods(http.MethodGet)
		api.HandleFunc("/devices/{deviceId}/latest", s.getLatest).Methods(http.MethodGet)
	}
	if s.deps.Alerts != nil {
		api.HandleFunc("/alerts/unresolved", s.getUnresolvedAlerts).Methods(http.MethodGet)
		api.HandleFunc("/alerts/{alertId}/resolve", s.resolveAlert).Methods(http.MethodPost, http.MethodPut)
		api.HandleFunc("/devices/{deviceId}/alerts", s.getDeviceAlerts).Methods(http.MethodGet)
		api.HandleFunc("/devices/{deviceId}/alerts/export", s.exportDeviceAlerts).Methods(http.MethodGet)
		api.HandleFunc("/devices/{deviceId}/alerts/resolve", s.resolveDeviceAlerts).Methods(http.MethodPost)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HealthStatus /api/health 响应
type HealthStatus struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := HealthStatus{Status: "ok", Checks: make(map[string]string), Timestamp: time.Now().UTC()}
	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.deps.Checks[name](ctx); err != nil {
			status.Status = "degraded"
			status.Checks[name] = err.Error()
			continue
		}
		status.Checks[name] = "ok"
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, Ok(status))
}

func (s *Server) getDevices(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Latest.DeviceIDs(r.Context())
	if err != nil {
		s.logger.Error("Failed to list devices", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list devices"))
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, Ok(ids))
}

// LatestResponse 设备最新读数与趋势预测
type LatestResponse struct {
	Reading       *models.Reading      `json:"reading"`
	Prediction    evaluator.Prediction `json:"prediction"`
	MovingAverage float64              `json:"movingAverage"`
	HistorySize   int                  `json:"historySize"`
}

func (s *Server) getLatest(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	reading, err := s.deps.Latest.GetLatest(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, cache.ErrNotCached) {
			writeJSON(w, http.StatusNotFound, Fail("no recent reading for device "+deviceID))
			return
		}
		s.logger.Error("Failed to read latest reading", zap.String("device_id", deviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to read latest reading"))
		return
	}

	history, err := s.deps.Latest.HealthHistory(r.Context(), deviceID)
	if err != nil {
		s.logger.Warn("Failed to read health history", zap.String("device_id", deviceID), zap.Error(err))
		history = nil
	}

	writeJSON(w, http.StatusOK, Ok(LatestResponse{
		Reading:       reading,
		Prediction:    evaluator.PredictFailure(history),
		MovingAverage: evaluator.MovingAverage(history, movingAverageWindow),
		HistorySize:   len(history),
	}))
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["alertId"]

	alert, err := s.deps.Alerts.ResolveAlert(r.Context(), alertID)
	if err != nil {
		if errors.Is(err, repository.ErrAlertNotFound) {
			writeJSON(w, http.StatusNotFound, Fail("alert not found"))
			return
		}
		s.logger.Error("Failed to resolve alert", zap.String("alert_id", alertID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to resolve alert"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(alert))
}

func (s *Server) resolveDeviceAlerts(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	alertType := models.AlertType(r.URL.Query().Get("type"))
	if alertType != "" && !alertType.Valid() {
		writeJSON(w, http.StatusBadRequest, Fail("unknown alert type "+string(alertType)))
		return
	}

	n, err := s.deps.Alerts.ResolveByDevice(r.Context(), deviceID, alertType)
	if err != nil {
		s.logger.Error("Failed to resolve device alerts", zap.String("device_id", deviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to resolve device alerts"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{"deviceId": deviceID, "resolved": n}))
}

// queryLimit 解析 ?limit=，非法或缺省时返回 0（由仓库取默认值）
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) getDeviceAlerts(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	unresolved, _ := strconv.ParseBool(r.URL.Query().Get("unresolved"))

	alerts, err := s.deps.Alerts.ListAlerts(r.Context(), repository.AlertFilter{
		DeviceID:       deviceID,
		UnresolvedOnly: unresolved,
		Limit:          queryLimit(r),
	})
	if err != nil {
		s.logger.Error("Failed to list device alerts", zap.String("device_id", deviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list alerts"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(alerts))
}

func (s *Server) getUnresolvedAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.deps.Alerts.ListAlerts(r.Context(), repository.AlertFilter{
		UnresolvedOnly: true,
		Limit:          queryLimit(r),
	})
	if err != nil {
		s.logger.Error("Failed to list unresolved alerts", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list alerts"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(alerts))
}

func (s *Server) exportDeviceAlerts(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	alerts, err := s.deps.Alerts.ListAlerts(r.Context(), repository.AlertFilter{
		DeviceID: deviceID,
		Limit:    queryLimit(r),
	})
	if err != nil {
		s.logger.Error("Failed to list device alerts", zap.String("device_id", deviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list alerts"))
		return
	}

	data, err := GenerateAlertExport(alerts)
	if err != nil {
		s.logger.Error("Failed to generate alert export", zap.String("device_id", deviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate export"))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="alerts-`+deviceID+`.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
