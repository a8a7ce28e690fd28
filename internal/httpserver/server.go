package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/topup/internal/purchase"
	"github.com/MarkoPoloResearchLab/topup/internal/reconcile"
	"github.com/MarkoPoloResearchLab/topup/pkg/wallet"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// ErrInvalidServer marks a misconfigured server.
var ErrInvalidServer = errors.New("invalid server config")

// Config aggregates the HTTP-facing settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	JWTSigningKey  string
}

// Server is the HTTP surface of the top-up service.
type Server struct {
	config  Config
	router  *gin.Engine
	logger  *zap.Logger
	handler *httpHandler
}

// New wires the router. The ledger, orchestrator, and reconciler carry the
// business logic; this layer only translates HTTP.
func New(config Config, ledger *wallet.Service, orchestrator *purchase.Orchestrator, reconciler *reconcile.Reconciler, logger *zap.Logger) (*Server, error) {
	if ledger == nil || orchestrator == nil || reconciler == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidServer)
	}
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("%w: listen address is required", ErrInvalidServer)
	}
	if config.JWTSigningKey == "" {
		return nil, fmt.Errorf("%w: jwt signing key is required", ErrInvalidServer)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		ledger:       ledger,
		orchestrator: orchestrator,
		reconciler:   reconciler,
		logger:       logger,
	}
	server := &Server{
		config:  config,
		logger:  logger,
		handler: handler,
	}
	server.router = setupRouter(config, handler, newAuthenticator(config.JWTSigningKey))
	return server, nil
}

// Router exposes the gin engine, mainly for tests.
func (server *Server) Router() http.Handler {
	return server.router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.config.ListenAddr,
		Handler: server.router,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http server listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(config Config, handler *httpHandler, auth *authenticator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Gateway notifications authenticate with their own signature scheme.
	router.POST("/payment/webhook/:gateway", handler.handleWebhook)

	// Status polling is public; the reference is the capability.
	router.GET("/api/transactions/:reference", handler.handleTransactionStatus)

	// Guests may buy directly; a token attaches the purchase to its owner.
	router.POST("/api/purchases/direct", auth.OptionalUser(), handler.handleDirectPurchase)

	api := router.Group("/api")
	api.Use(auth.RequireUser())
	api.POST("/purchases", handler.handlePurchase)
	api.POST("/wallet/fund", handler.handleFundWallet)
	api.GET("/wallet/balance", handler.handleBalance)
	api.GET("/transactions", handler.handleListTransactions)
	api.POST("/transactions/:reference/cancel", handler.handleCancelTransaction)
	api.POST("/transactions/:reference/refund", handler.handleRefundTransaction)

	return router
}
