// Package httpapi exposes the booking ledger over HTTP for session-authenticated users.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/parkpoints/pkg/parking"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// Ledger is the part of parking.Service the HTTP API drives.
type Ledger interface {
	OpenAccount(ctx context.Context, userID parking.UserID, initial parking.Points) (parking.Account, bool, error)
	Balance(ctx context.Context, userID parking.UserID) (parking.Account, error)
	ListSpot(ctx context.Context, ownerID parking.UserID, address string, price parking.PositivePoints) (parking.Spot, error)
	RepriceSpot(ctx context.Context, ownerID parking.UserID, spotID parking.SpotID, price parking.PositivePoints) (parking.Spot, error)
	DeleteSpot(ctx context.Context, ownerID parking.UserID, spotID parking.SpotID) (parking.SpotRemoval, error)
	OwnedSpots(ctx context.Context, ownerID parking.UserID) ([]parking.Spot, error)
	Reserve(ctx context.Context, userID parking.UserID, spotID parking.SpotID) (parking.Booking, error)
	Cancel(ctx context.Context, bookingID parking.BookingID, requesterID parking.UserID) (parking.Booking, error)
	Booking(ctx context.Context, bookingID parking.BookingID, requesterID parking.UserID) (parking.Booking, error)
	BookingHistory(ctx context.Context, userID parking.UserID, limit int) ([]parking.Booking, error)
	ActiveBookings(ctx context.Context, userID parking.UserID) ([]parking.Booking, error)
	PurgeAccount(ctx context.Context, userID parking.UserID) (parking.PurgeSummary, error)
}

// Run serves the HTTP API until ctx is canceled.
func Run(ctx context.Context, cfg Config, ledger Ledger, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	router, err := NewRouter(cfg, ledger, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter validates cfg and builds the gin engine with every route mounted.
func NewRouter(cfg Config, ledger Ledger, logger *zap.Logger) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("http config: %w", err)
	}
	if ledger == nil {
		return nil, fmt.Errorf("http config: ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger: logger.Named("httpapi"),
		ledger: ledger,
		cfg:    cfg,
	}
	return setupRouter(cfg, handler, sessionValidator), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/accounts", handler.handleOpenAccount)
	api.GET("/balance", handler.handleBalance)
	api.POST("/spots", handler.handleListSpot)
	api.GET("/spots/user", handler.handleOwnedSpots)
	api.PUT("/spots/:id/price", handler.handleRepriceSpot)
	api.DELETE("/spots/:id", handler.handleDeleteSpot)
	api.POST("/bookings", handler.handleReserve)
	api.GET("/bookings/history", handler.handleHistory)
	api.GET("/bookings/user", handler.handleActiveBookings)
	api.GET("/bookings/:id", handler.handleBooking)
	api.DELETE("/bookings/:id", handler.handleCancel)
	api.DELETE("/users/delete", handler.handlePurge)

	return router
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Checked in order. A lost insert race wraps both ErrTransientStore and the
// conflict that caused it, so transient goes first.
var errorMappings = []errorMapping{
	{target: parking.ErrTransientStore, status: http.StatusServiceUnavailable, code: "unavailable"},
	{target: parking.ErrNotFound, status: http.StatusNotFound, code: "not_found"},
	{target: parking.ErrNotAuthorized, status: http.StatusForbidden, code: "forbidden"},
	{target: parking.ErrSelfBooking, status: http.StatusConflict, code: "self_booking"},
	{target: parking.ErrSpotUnavailable, status: http.StatusConflict, code: "spot_unavailable"},
	{target: parking.ErrDuplicateBooking, status: http.StatusConflict, code: "duplicate_booking"},
	{target: parking.ErrInsufficientPoints, status: http.StatusConflict, code: "insufficient_points"},
	{target: parking.ErrAlreadyCanceled, status: http.StatusConflict, code: "already_canceled"},
	{target: parking.ErrBookingCompleted, status: http.StatusConflict, code: "booking_completed"},
	{target: parking.ErrAccountExists, status: http.StatusConflict, code: "account_exists"},
	{target: parking.ErrInvalidUserID, status: http.StatusBadRequest, code: "invalid_user_id"},
	{target: parking.ErrInvalidSpotID, status: http.StatusBadRequest, code: "invalid_spot_id"},
	{target: parking.ErrInvalidBookingID, status: http.StatusBadRequest, code: "invalid_booking_id"},
	{target: parking.ErrInvalidBookingStatus, status: http.StatusBadRequest, code: "invalid_status"},
	{target: parking.ErrInvalidPoints, status: http.StatusBadRequest, code: "invalid_points"},
	{target: parking.ErrInvalidAddress, status: http.StatusBadRequest, code: "invalid_address"},
}

func mapLedgerError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, "ledger_error"
}
