package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"pinboard/server/internal/backend"
	"pinboard/server/internal/config"
	"pinboard/server/internal/interaction"
	"pinboard/server/internal/logging"
	"pinboard/server/internal/model"
	"pinboard/server/internal/session"
	"pinboard/server/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Catalog 是 pin 浏览相关的只读接口，*backend.Client 满足它。
type Catalog interface {
	ListPins(ctx context.Context) ([]model.Pin, error)
	SearchPins(ctx context.Context, q string) ([]model.Pin, error)
	Pin(ctx context.Context, id string) (*model.PinDetail, error)
}

// Server 是给本地 UI 用的桥接层：只搬运状态与命令，不做渲染。
type Server struct {
	cfg      config.ServerConfig
	session  *session.Store
	coord    *interaction.Coordinator
	catalog  Catalog
	hub      *stream.Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg config.ServerConfig, sess *session.Store, coord *interaction.Coordinator, catalog Catalog, hub *stream.Hub, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		session: sess,
		coord:   coord,
		catalog: catalog,
		hub:     hub,
		logger:  logging.OrNop(logger).Named("api"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// 没有 Origin 的是 CLI 等非浏览器客户端
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowedOrigin(origin)
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(logging.GinMiddleware(s.logger), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)

	api := engine.Group("/api")
	api.GET("/session", s.handleSession)
	api.POST("/session/login", s.handleLogin)
	api.POST("/session/register", s.handleRegister)
	api.POST("/session/logout", s.handleLogout)
	api.POST("/session/recheck", s.handleRecheck)

	api.GET("/pins", s.handleListPins)
	api.GET("/pins/:id", s.handlePinDetail)
	api.GET("/pins/:id/state", s.handlePinState)
	api.POST("/pins/:id/like", s.handleToggleLike)
	api.GET("/pins/:id/comments", s.handleComments)
	api.POST("/pins/:id/comments", s.handleSubmitComment)
	api.PUT("/pins/:id/draft", s.handleSetDraft)
	api.POST("/pins/:id/view", s.handleRecordView)
	api.POST("/reports", s.handleReport)

	api.GET("/stream", s.handleStream)
	return engine
}

// Run 启动 HTTP 服务，ctx 结束时优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// WebSocket 连接被 http.Server 视为已劫持，需要单独断开
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func sessionView(snap model.Session) gin.H {
	return gin.H{
		"user":            snap.User,
		"hydrated":        snap.Hydrated,
		"checking":        snap.Checking,
		"isAuthenticated": snap.IsAuthenticated(),
		"isAdmin":         snap.IsAdmin(),
	}
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, sessionView(s.session.Snapshot()))
}

func (s *Server) handleLogin(c *gin.Context) {
	var in model.LoginInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if _, err := s.session.Login(c.Request.Context(), in); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s.session.Snapshot()))
}

func (s *Server) handleRegister(c *gin.Context) {
	var in model.RegisterInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ok, err := s.session.Register(c.Request.Context(), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	view := sessionView(s.session.Snapshot())
	view["registered"] = ok
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleLogout(c *gin.Context) {
	if err := s.session.Logout(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s.session.Snapshot()))
}

// handleRecheck 在第三方登录回跳后调用。
func (s *Server) handleRecheck(c *gin.Context) {
	if _, err := s.session.Recheck(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s.session.Snapshot()))
}

// handleListPins 返回 pin 列表，并用列表里的点赞状态预热协调器。
func (s *Server) handleListPins(c *gin.Context) {
	var (
		pins []model.Pin
		err  error
	)
	mark := s.coord.Mark()
	if q := c.Query("q"); q != "" {
		pins, err = s.catalog.SearchPins(c.Request.Context(), q)
	} else {
		pins, err = s.catalog.ListPins(c.Request.Context())
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.coord.PrimePins(mark, pins)

	// 在途的 pin 以协调器为准
	for i := range pins {
		st := s.coord.State(pins[i].ID)
		pins[i].Liked = st.Liked
		pins[i].LikesCount = st.LikesCount
	}
	c.JSON(http.StatusOK, pins)
}

func (s *Server) handlePinDetail(c *gin.Context) {
	id := c.Param("id")
	detail, err := s.catalog.Pin(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.coord.SeedComments(id, detail.Comments)
	c.JSON(http.StatusOK, gin.H{
		"pin":   detail,
		"state": s.coord.State(id),
		"draft": s.coord.Draft(id),
	})
}

// handlePinState 返回交互状态；refresh=1 时先从后端加载权威状态。
func (s *Server) handlePinState(c *gin.Context) {
	id := c.Param("id")
	if c.Query("refresh") == "" {
		c.JSON(http.StatusOK, s.coord.State(id))
		return
	}
	st, err := s.coord.LoadInitialState(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleToggleLike(c *gin.Context) {
	st, err := s.coord.ToggleLike(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeErrorWith(c, err, gin.H{"state": st})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleComments(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"comments": s.coord.Comments(id),
		"draft":    s.coord.Draft(id),
	})
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSubmitComment(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	rec, err := s.coord.SubmitComment(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleSetDraft(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s.coord.SetDraft(c.Param("id"), req.Text)
	c.Status(http.StatusNoContent)
}

// handleRecordView 浏览计数是尽力而为的，失败也返回 202。
func (s *Server) handleRecordView(c *gin.Context) {
	_ = s.coord.RecordView(c.Request.Context(), c.Param("id"))
	c.Status(http.StatusAccepted)
}

func (s *Server) handleReport(c *gin.Context) {
	var r model.Report
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := s.coord.SubmitReport(c.Request.Context(), r); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "submitted"})
}

// handleStream 升级为 WebSocket，先推送当前会话快照，再持续推送变更。
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade websocket failed", zap.Error(err))
		return
	}
	s.hub.Serve(c.Request.Context(), conn, stream.Message{Type: stream.TypeSession, Data: sessionView(s.session.Snapshot())})
}

func (s *Server) writeError(c *gin.Context, err error) {
	s.writeErrorWith(c, err, nil)
}

// writeErrorWith 把错误分类映射到状态码。
func (s *Server) writeErrorWith(c *gin.Context, err error, extra gin.H) {
	status := http.StatusBadGateway
	kind := backend.Kind(err)
	switch {
	case errors.Is(err, interaction.ErrInFlight):
		status, kind = http.StatusConflict, "in_flight"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, kind = http.StatusRequestTimeout, "cancelled"
	case errors.Is(err, backend.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, backend.ErrSessionExpired):
		status = http.StatusUnauthorized
	case errors.Is(err, backend.ErrRateLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, backend.ErrForbidden):
		status = http.StatusForbidden
	}
	if status >= 500 {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}

	body := gin.H{"error": err.Error(), "kind": kind}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

func (s *Server) allowedOrigin(origin string) bool {
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.allowedOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
