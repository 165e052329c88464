// Package admin содержит HTTP API ретранслятора: аутентификация устройств и RPC
// в формате REST API Nakama, хранилище объектов, состояние и метрики.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/annel0/sector-sync/internal/auth"
	"github.com/annel0/sector-sync/internal/logging"
	"github.com/annel0/sector-sync/internal/relay"
)

// SectorMatchRPC: RPC поиска матча сектора
const SectorMatchRPC = "get_sector_match_id"

// Коды ошибок в ответах (совместимы с Nakama)
const (
	codeInvalidArgument = 3
	codeNotFound        = 5
	codeInternal        = 13
	codeUnauthenticated = 16
)

const maxBodySize = 1 << 20

// RelayStats: состояние realtime-сервера (реализуется *relay.Server)
type RelayStats interface {
	PeerCount() int
	Matches() []relay.MatchInfo
}

// Config: зависимости HTTP-сервера
type Config struct {
	Addr      string
	ServerKey string
	Issuer    *auth.TokenIssuer
	TokenTTL  time.Duration
	Directory relay.Directory
	Store     relay.ObjectStore
	Relay     RelayStats
	Registry  *prometheus.Registry
	Logger    *logging.Logger
}

// Server: HTTP API ретранслятора
type Server struct {
	cfg    Config
	router *gin.Engine
	http   *http.Server
	logger *logging.Logger

	mu      sync.Mutex
	devices map[string]string // deviceID -> username
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func abort(c *gin.Context, status, code int, message string) {
	c.AbortWithStatusJSON(status, apiError{Code: code, Message: message})
}

// New создаёт сервер и настраивает маршруты
func New(cfg Config) (*Server, error) {
	if cfg.Issuer == nil {
		return nil, errors.New("admin: token issuer is required")
	}
	if cfg.Directory == nil {
		cfg.Directory = relay.NewMemoryDirectory()
	}
	if cfg.Store == nil {
		cfg.Store = relay.NewMemoryStore()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetComponentLogger("relay-http")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("sector-relay"))
	router.Use(requestLogger(cfg.Logger))

	var reg prometheus.Registerer
	if cfg.Registry != nil {
		reg = cfg.Registry
	}
	router.Use(newHTTPMetrics("sector_relay", reg).handler())

	s := &Server{
		cfg:     cfg,
		router:  router,
		logger:  cfg.Logger,
		devices: make(map[string]string),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	v2 := s.router.Group("/v2")

	account := v2.Group("/account")
	account.Use(serverKeyAuth(s.cfg.ServerKey))
	{
		account.POST("/authenticate/device", s.handleAuthenticateDevice)
	}

	protected := v2.Group("/")
	protected.Use(bearerAuth(s.cfg.Issuer))
	{
		protected.POST("/rpc/:id", s.handleRPC)
		protected.PUT("/storage", s.handleWriteStorage)
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/matches", s.handleMatches)
	if s.cfg.Registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{})))
	}
}

// Handler возвращает HTTP-обработчик (для встраивания и тестов)
func (s *Server) Handler() http.Handler { return s.router }

// Start запускает HTTP-сервер в фоне
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}
	s.logger.Info("🌐 HTTP API ретранслятора на %s", s.cfg.Addr)
	return nil
}

// Shutdown останавливает HTTP-сервер
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// DeviceUserID: детерминированный идентификатор пользователя устройства
func DeviceUserID(deviceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("device:"+deviceID)).String()
}

type deviceRequest struct {
	ID string `json:"id" binding:"required"`
}

type sessionResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	Created      bool   `json:"created"`
}

func (s *Server) handleAuthenticateDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, codeInvalidArgument, "Device ID is required")
		return
	}
	if len(req.ID) > 128 {
		abort(c, http.StatusBadRequest, codeInvalidArgument, "Device ID invalid, must be 1-128 bytes")
		return
	}

	create := true
	if v := c.Query("create"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			abort(c, http.StatusBadRequest, codeInvalidArgument, "create must be a boolean")
			return
		}
		create = b
	}

	userID := DeviceUserID(req.ID)
	username := c.Query("username")

	s.mu.Lock()
	existing, known := s.devices[req.ID]
	switch {
	case known:
		username = existing
	case !create:
		s.mu.Unlock()
		abort(c, http.StatusNotFound, codeNotFound, "User account not found.")
		return
	default:
		if username == "" {
			username = "player_" + userID[:8]
		}
		s.devices[req.ID] = username
	}
	s.mu.Unlock()

	token, err := s.cfg.Issuer.Issue(userID, username, s.cfg.TokenTTL)
	if err != nil {
		abort(c, http.StatusInternalServerError, codeInternal, "Failed to issue token")
		return
	}
	refresh, err := s.cfg.Issuer.Issue(userID, username, 7*s.cfg.TokenTTL)
	if err != nil {
		abort(c, http.StatusInternalServerError, codeInternal, "Failed to issue token")
		return
	}

	if !known {
		s.logger.Info("🆕 Новый аккаунт устройства: user=%s name=%s", userID, username)
	}
	c.JSON(http.StatusOK, sessionResponse{Token: token, RefreshToken: refresh, Created: !known})
}

type rpcResponse struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

func (s *Server) handleRPC(c *gin.Context) {
	id := c.Param("id")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		abort(c, http.StatusBadRequest, codeInvalidArgument, "Failed to read body")
		return
	}
	var payload string
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			abort(c, http.StatusBadRequest, codeInvalidArgument, "RPC payload must be a JSON string")
			return
		}
	}

	switch id {
	case SectorMatchRPC:
		s.rpcSectorMatch(c, payload)
	default:
		abort(c, http.StatusNotFound, codeNotFound, "RPC function not found")
	}
}

// rpcSectorMatch возвращает матч сектора, регистрируя его при первом обращении
func (s *Server) rpcSectorMatch(c *gin.Context, payload string) {
	var req struct {
		Sector string `json:"sector"`
	}
	if err := json.Unmarshal([]byte(payload), &req); err != nil || req.Sector == "" {
		abort(c, http.StatusBadRequest, codeInvalidArgument, "sector is required")
		return
	}

	matchID, err := s.cfg.Directory.Resolve(c.Request.Context(), req.Sector)
	if err != nil {
		s.logger.Error("Не удалось разрешить сектор %s: %v", req.Sector, err)
		abort(c, http.StatusInternalServerError, codeInternal, "Failed to resolve sector")
		return
	}

	out, _ := json.Marshal(map[string]string{"match_id": matchID})
	c.JSON(http.StatusOK, rpcResponse{ID: SectorMatchRPC, Payload: string(out)})
}

type writeObject struct {
	Collection      string `json:"collection" binding:"required"`
	Key             string `json:"key" binding:"required"`
	Value           string `json:"value"`
	Version         string `json:"version"`
	PermissionRead  int    `json:"permission_read"`
	PermissionWrite int    `json:"permission_write"`
}

type storageAck struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Version    string `json:"version"`
	UserID     string `json:"user_id"`
}

func (s *Server) handleWriteStorage(c *gin.Context) {
	var req struct {
		Objects []writeObject `json:"objects" binding:"required,dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, codeInvalidArgument, "Invalid storage write request")
		return
	}

	session := sessionFrom(c)
	acks := make([]storageAck, 0, len(req.Objects))
	for _, o := range req.Objects {
		if !json.Valid([]byte(o.Value)) {
			abort(c, http.StatusBadRequest, codeInvalidArgument, "Value must be a JSON object")
			return
		}

		version, err := s.cfg.Store.Write(c.Request.Context(), relay.StoredObject{
			Collection:      o.Collection,
			Key:             o.Key,
			UserID:          session.UserID,
			Value:           json.RawMessage(o.Value),
			PermissionRead:  o.PermissionRead,
			PermissionWrite: o.PermissionWrite,
		}, o.Version)
		if errors.Is(err, relay.ErrVersionConflict) {
			abort(c, http.StatusBadRequest, codeInvalidArgument, "Storage write rejected - version check failed.")
			return
		}
		if err != nil {
			s.logger.Error("Ошибка записи %s/%s: %v", o.Collection, o.Key, err)
			abort(c, http.StatusInternalServerError, codeInternal, "Storage write failed")
			return
		}
		acks = append(acks, storageAck{Collection: o.Collection, Key: o.Key, Version: version, UserID: session.UserID})
	}

	c.JSON(http.StatusOK, gin.H{"acks": acks})
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	}
	if s.cfg.Relay != nil {
		resp["peers"] = s.cfg.Relay.PeerCount()
		resp["matches"] = len(s.cfg.Relay.Matches())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMatches(c *gin.Context) {
	sectors, err := s.cfg.Directory.List(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, codeInternal, "Directory unavailable")
		return
	}

	matches := []relay.MatchInfo{}
	if s.cfg.Relay != nil {
		matches = s.cfg.Relay.Matches()
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches, "sectors": sectors})
}
