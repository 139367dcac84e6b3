// Package grpcserver exposes the booking ledger to internal callers over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/parkpoints/pkg/parking"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInvalidUserID       = "invalid_user_id"
	errorInvalidSpotID       = "invalid_spot_id"
	errorInvalidBookingID    = "invalid_booking_id"
	errorInvalidPoints       = "invalid_points"
	errorInvalidAddress      = "invalid_address"
	errorNotFound            = "not_found"
	errorNotAuthorized       = "not_authorized"
	errorSelfBooking         = "self_booking"
	errorSpotUnavailable     = "spot_unavailable"
	errorInsufficientPoints  = "insufficient_points"
	errorAlreadyCanceled     = "already_canceled"
	errorBookingCompleted    = "booking_completed"
	errorDuplicateBooking    = "duplicate_booking"
	errorAccountExists       = "account_exists"
	errorTransientStore      = "transient_store"
	errorEncodeResponse      = "encode_response"
	fieldUserID              = "user_id"
	fieldSpotID              = "spot_id"
	fieldBookingID           = "booking_id"
	fieldRequesterID         = "requester_id"
	responseFieldBooking     = "booking"
	responseFieldSummary     = "summary"
	responseFieldPoints      = "points"
	responseFieldStatus      = "status"
	responseFieldPrice       = "price"
	responseFieldOwnerID     = "owner_id"
	responseFieldAddress     = "address"
	responseFieldCreatedUnix = "created_unix_utc"
	responseFieldUpdatedUnix = "updated_unix_utc"
)

// Ledger is the part of parking.Service served over gRPC.
type Ledger interface {
	Reserve(ctx context.Context, userID parking.UserID, spotID parking.SpotID) (parking.Booking, error)
	Cancel(ctx context.Context, bookingID parking.BookingID, requesterID parking.UserID) (parking.Booking, error)
	PurgeAccount(ctx context.Context, userID parking.UserID) (parking.PurgeSummary, error)
	Balance(ctx context.Context, userID parking.UserID) (parking.Account, error)
}

// BookingLedgerService implements BookingLedgerServer on top of a Ledger.
// Callers are trusted internal services and name the acting user in the request.
type BookingLedgerService struct {
	ledger Ledger
}

// NewBookingLedgerService constructs the gRPC service for ledger.
func NewBookingLedgerService(ledger Ledger) *BookingLedgerService {
	return &BookingLedgerService{ledger: ledger}
}

// Register attaches the booking ledger and the standard health service to
// server. The returned health server reports SERVING until the caller flips it.
func Register(server *grpc.Server, ledger Ledger) *health.Server {
	RegisterBookingLedgerServer(server, NewBookingLedgerService(ledger))
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return healthServer
}

func (service *BookingLedgerService) Reserve(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := parking.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	spotID, err := parking.NewSpotID(stringField(request, fieldSpotID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	booking, operationError := service.ledger.Reserve(ctx, userID, spotID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return bookingResponse(booking)
}

func (service *BookingLedgerService) Cancel(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	bookingID, err := parking.NewBookingID(stringField(request, fieldBookingID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	requesterID, err := parking.NewUserID(stringField(request, fieldRequesterID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	booking, operationError := service.ledger.Cancel(ctx, bookingID, requesterID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return bookingResponse(booking)
}

func (service *BookingLedgerService) PurgeAccount(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := parking.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	summary, operationError := service.ledger.PurgeAccount(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return encodeResponse(map[string]interface{}{
		responseFieldSummary: map[string]interface{}{
			"spots_deleted":      summary.SpotsDeleted,
			"bookings_refunded":  summary.BookingsRefunded,
			"bookings_released":  summary.BookingsReleased,
			"unrecovered_points": summary.UnrecoveredPoints.Int64(),
			"account_deleted":    summary.AccountDeleted,
		},
	})
}

func (service *BookingLedgerService) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := parking.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	account, operationError := service.ledger.Balance(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return encodeResponse(map[string]interface{}{
		fieldUserID:         account.UserID.String(),
		responseFieldPoints: account.Points.Int64(),
	})
}

func stringField(request *structpb.Struct, key string) string {
	return request.GetFields()[key].GetStringValue()
}

func bookingResponse(booking parking.Booking) (*structpb.Struct, error) {
	return encodeResponse(map[string]interface{}{
		responseFieldBooking: map[string]interface{}{
			fieldBookingID:           booking.ID.String(),
			fieldUserID:              booking.UserID.String(),
			fieldSpotID:              booking.SpotID.String(),
			responseFieldStatus:      booking.Status.String(),
			responseFieldPrice:       booking.Snapshot.Price.Int64(),
			responseFieldOwnerID:     booking.Snapshot.OwnerID.String(),
			responseFieldAddress:     booking.Snapshot.Address,
			responseFieldCreatedUnix: booking.CreatedUnixUTC,
			responseFieldUpdatedUnix: booking.UpdatedUnixUTC,
		},
	})
}

func encodeResponse(fields map[string]interface{}) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, errorEncodeResponse)
	}
	return response, nil
}

func mapToGRPCError(source error) error {
	if errors.Is(source, parking.ErrTransientStore) {
		return status.Error(codes.Unavailable, errorTransientStore)
	}
	if errors.Is(source, parking.ErrInvalidUserID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, parking.ErrInvalidSpotID) {
		return status.Error(codes.InvalidArgument, errorInvalidSpotID)
	}
	if errors.Is(source, parking.ErrInvalidBookingID) {
		return status.Error(codes.InvalidArgument, errorInvalidBookingID)
	}
	if errors.Is(source, parking.ErrInvalidPoints) {
		return status.Error(codes.InvalidArgument, errorInvalidPoints)
	}
	if errors.Is(source, parking.ErrInvalidAddress) {
		return status.Error(codes.InvalidArgument, errorInvalidAddress)
	}
	if errors.Is(source, parking.ErrNotFound) {
		return status.Error(codes.NotFound, errorNotFound)
	}
	if errors.Is(source, parking.ErrNotAuthorized) {
		return status.Error(codes.PermissionDenied, errorNotAuthorized)
	}
	if errors.Is(source, parking.ErrSelfBooking) {
		return status.Error(codes.FailedPrecondition, errorSelfBooking)
	}
	if errors.Is(source, parking.ErrSpotUnavailable) {
		return status.Error(codes.FailedPrecondition, errorSpotUnavailable)
	}
	if errors.Is(source, parking.ErrInsufficientPoints) {
		return status.Error(codes.FailedPrecondition, errorInsufficientPoints)
	}
	if errors.Is(source, parking.ErrAlreadyCanceled) {
		return status.Error(codes.FailedPrecondition, errorAlreadyCanceled)
	}
	if errors.Is(source, parking.ErrBookingCompleted) {
		return status.Error(codes.FailedPrecondition, errorBookingCompleted)
	}
	if errors.Is(source, parking.ErrDuplicateBooking) {
		return status.Error(codes.AlreadyExists, errorDuplicateBooking)
	}
	if errors.Is(source, parking.ErrAccountExists) {
		return status.Error(codes.AlreadyExists, errorAccountExists)
	}
	return status.Error(codes.Internal, source.Error())
}
