package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/MarkoPoloResearchLab/parkpoints/pkg/parking"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger *zap.Logger
	ledger Ledger
	cfg    Config
}

type listSpotRequest struct {
	Address string `json:"address" binding:"required"`
	Price   int64  `json:"price" binding:"required"`
}

type repriceRequest struct {
	Price int64 `json:"price" binding:"required"`
}

type reserveRequest struct {
	SpotID string `json:"spot_id" binding:"required"`
}

type accountPayload struct {
	UserID string `json:"user_id"`
	Points int64  `json:"points"`
}

type spotPayload struct {
	SpotID   string `json:"spot_id"`
	OwnerID  string `json:"owner_id"`
	Address  string `json:"address"`
	Price    int64  `json:"price"`
	Bookable bool   `json:"bookable"`
}

type bookingPayload struct {
	BookingID      string `json:"booking_id"`
	UserID         string `json:"user_id"`
	SpotID         string `json:"spot_id"`
	Status         string `json:"status"`
	Price          int64  `json:"price"`
	OwnerID        string `json:"owner_id"`
	Address        string `json:"address"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

type summaryPayload struct {
	SpotsDeleted      int   `json:"spots_deleted"`
	BookingsRefunded  int   `json:"bookings_refunded"`
	BookingsReleased  int   `json:"bookings_released"`
	UnrecoveredPoints int64 `json:"unrecovered_points"`
	AccountDeleted    bool  `json:"account_deleted"`
}

func (handler *httpHandler) handleOpenAccount(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, created, err := handler.ledger.OpenAccount(requestCtx, userID, parking.Points(handler.cfg.StartingPoints))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	statusCode := http.StatusOK
	if created {
		statusCode = http.StatusCreated
	}
	ctx.JSON(statusCode, gin.H{"account": toAccountPayload(account), "created": created})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, err := handler.ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": toAccountPayload(account)})
}

func (handler *httpHandler) handleListSpot(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	var request listSpotRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected address and price"))
		return
	}
	price, err := parking.NewPositivePoints(request.Price)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	spot, err := handler.ledger.ListSpot(requestCtx, userID, request.Address, price)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"spot": toSpotPayload(spot)})
}

func (handler *httpHandler) handleRepriceSpot(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	spotID, err := parking.NewSpotID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request repriceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected price"))
		return
	}
	price, err := parking.NewPositivePoints(request.Price)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	spot, err := handler.ledger.RepriceSpot(requestCtx, userID, spotID, price)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"spot": toSpotPayload(spot)})
}

func (handler *httpHandler) handleOwnedSpots(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	spots, err := handler.ledger.OwnedSpots(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]spotPayload, 0, len(spots))
	for _, spot := range spots {
		payloads = append(payloads, toSpotPayload(spot))
	}
	ctx.JSON(http.StatusOK, gin.H{"spots": payloads})
}

func (handler *httpHandler) handleDeleteSpot(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	spotID, err := parking.NewSpotID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	removal, err := handler.ledger.DeleteSpot(requestCtx, userID, spotID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"spot":     toSpotPayload(removal.Spot),
		"canceled": toBookingPayloads(removal.Canceled),
	})
}

func (handler *httpHandler) handleReserve(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	var request reserveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected spot_id"))
		return
	}
	spotID, err := parking.NewSpotID(request.SpotID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	booking, err := handler.ledger.Reserve(requestCtx, userID, spotID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"booking": toBookingPayload(booking)})
}

func (handler *httpHandler) handleBooking(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	bookingID, err := parking.NewBookingID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	booking, err := handler.ledger.Booking(requestCtx, bookingID, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"booking": toBookingPayload(booking)})
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	bookingID, err := parking.NewBookingID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	booking, err := handler.ledger.Cancel(requestCtx, bookingID, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"booking": toBookingPayload(booking)})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be an integer"))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	bookings, err := handler.ledger.BookingHistory(requestCtx, userID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"bookings": toBookingPayloads(bookings)})
}

func (handler *httpHandler) handleActiveBookings(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	bookings, err := handler.ledger.ActiveBookings(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"bookings": toBookingPayloads(bookings)})
}

func (handler *httpHandler) handlePurge(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	summary, err := handler.ledger.PurgeAccount(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"summary": summaryPayload{
		SpotsDeleted:      summary.SpotsDeleted,
		BookingsRefunded:  summary.BookingsRefunded,
		BookingsReleased:  summary.BookingsReleased,
		UnrecoveredPoints: summary.UnrecoveredPoints.Int64(),
		AccountDeleted:    summary.AccountDeleted,
	}})
}

// principal resolves the session user or writes a 401.
func (handler *httpHandler) principal(ctx *gin.Context) (parking.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return parking.UserID{}, false
	}
	userID, err := parking.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return parking.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	statusCode, code := mapLedgerError(err)
	if statusCode >= http.StatusInternalServerError {
		handler.logger.Error("ledger request failed",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Error(err),
		)
	}
	ctx.JSON(statusCode, errorResponse(code, err.Error()))
}

func toAccountPayload(account parking.Account) accountPayload {
	return accountPayload{UserID: account.UserID.String(), Points: account.Points.Int64()}
}

func toSpotPayload(spot parking.Spot) spotPayload {
	return spotPayload{
		SpotID:   spot.ID.String(),
		OwnerID:  spot.OwnerID.String(),
		Address:  spot.Address,
		Price:    spot.Price.Int64(),
		Bookable: spot.Bookable,
	}
}

func toBookingPayload(booking parking.Booking) bookingPayload {
	return bookingPayload{
		BookingID:      booking.ID.String(),
		UserID:         booking.UserID.String(),
		SpotID:         booking.SpotID.String(),
		Status:         booking.Status.String(),
		Price:          booking.Snapshot.Price.Int64(),
		OwnerID:        booking.Snapshot.OwnerID.String(),
		Address:        booking.Snapshot.Address,
		CreatedUnixUTC: booking.CreatedUnixUTC,
		UpdatedUnixUTC: booking.UpdatedUnixUTC,
	}
}

func toBookingPayloads(bookings []parking.Booking) []bookingPayload {
	payloads := make([]bookingPayload, 0, len(bookings))
	for _, booking := range bookings {
		payloads = append(payloads, toBookingPayload(booking))
	}
	return payloads
}
