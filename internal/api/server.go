package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	appconfig "bookflow/config"
	"bookflow/internal/book"
	"bookflow/internal/metrics"
	"bookflow/internal/orders"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/writer"
)

// userHeader carries the identity resolved by the upstream gateway.
const userHeader = "X-User"

type OrderService interface {
	Submit(owner string, req orders.SubmitRequest) (models.Order, error)
	Cancel(owner, orderID string) bool
	List(owner string) []models.Order
	Get(owner, orderID string) (models.Order, error)
}

type BookView interface {
	Recompute(instrument string) models.CombinedBookSnapshot
}

type SubscriberHub interface {
	Subscribe(sub writer.Subscriber, instruments ...string) error
	Unsubscribe(id string) bool
	Count() int
}

// Server exposes the order endpoints, the combined book and the websocket
// feed over HTTP.
type Server struct {
	cfg           appconfig.ServerConfig
	orders        OrderService
	books         BookView
	hub           SubscriberHub
	upgrader      websocket.Upgrader
	events        *eventStore
	eventsHandler metrics.MetricHandlerID
	host          *hostSampler
	httpServer    *http.Server
	log           *logger.Log
}

func NewServer(cfg appconfig.ServerConfig, orderService OrderService, books BookView, hub SubscriberHub, log *logger.Log) *Server {
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	events := newEventStore(200)
	return &Server{
		cfg:    cfg,
		orders: orderService,
		books:  books,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		events:        events,
		eventsHandler: metrics.RegisterMetricHandler(events.handle),
		host:          newHostSampler(5*time.Second, log),
		log:           log,
	}
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	defer metrics.UnregisterMetricHandler(s.eventsHandler)

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("api").WithFields(logger.Fields{"address": s.cfg.Address}).Info("starting api server")

	samplerCtx, stopSampler := context.WithCancel(ctx)
	defer func() {
		stopSampler()
		s.host.wait()
	}()
	s.host.start(samplerCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Address() string {
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": s.hub.Count()})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/api/metrics/events", s.handleEvents)
	router.GET("/api/resources", s.handleResources)

	ordersGroup := router.Group("/api/orders", requireUser())
	ordersGroup.POST("", s.handleSubmit)
	ordersGroup.GET("/my-orders", s.handleList)
	ordersGroup.GET("/:id", s.handleGet)
	ordersGroup.DELETE("/:id", s.handleCancel)

	router.GET("/api/orderbook/:instrument", s.handleOrderBook)
	router.GET("/ws/orderbook", s.handleWebSocket)

	return router, nil
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := strings.TrimSpace(c.GetHeader(userHeader))
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + userHeader + " header"})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req orders.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	order, err := s.orders.Submit(c.GetString("user"), req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, order)
	case errors.Is(err, book.ErrInvalidOrder):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, book.ErrDuplicateOrder):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.log.WithComponent("api").WithError(err).Error("order submission failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleCancel(c *gin.Context) {
	if !s.orders.Cancel(c.GetString("user"), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": orders.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": c.Param("id"), "cancelled": true})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, s.orders.List(c.GetString("user")))
}

func (s *Server) handleGet(c *gin.Context) {
	order, err := s.orders.Get(c.GetString("user"), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleOrderBook(c *gin.Context) {
	instrument := strings.ToUpper(strings.TrimSpace(c.Param("instrument")))
	c.JSON(http.StatusOK, s.books.Recompute(instrument))
}

func (s *Server) handleEvents(c *gin.Context) {
	events := s.events.snapshot()
	payload := make([]gin.H, 0, len(events))
	for _, m := range events {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) handleResources(c *gin.Context) {
	sample, ok := s.host.current()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no sample yet"})
		return
	}
	c.JSON(http.StatusOK, sample)
}

// handleWebSocket upgrades the request and subscribes the connection to
// future combined snapshots, optionally filtered by ?instrument=.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("api").WithError(err).Debug("websocket upgrade failed")
		return
	}

	sub := writer.NewWebSocketSubscriber(conn, s.cfg.PingInterval)
	var instruments []string
	if inst := strings.ToUpper(strings.TrimSpace(c.Query("instrument"))); inst != "" {
		instruments = append(instruments, inst)
	}
	if err := s.hub.Subscribe(sub, instruments...); err != nil {
		s.log.WithComponent("api").WithError(err).Warn("failed to register websocket subscriber")
		sub.Close()
		return
	}

	sub.Run(c.Request.Context(), func() { s.hub.Unsubscribe(sub.ID()) })
}

// checkOrigin allows the configured origins, or any origin for "*". With no
// list configured the upgrader's same-host check applies.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSuffix(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
