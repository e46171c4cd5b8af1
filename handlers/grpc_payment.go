package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"settlement-svc/models"
	"settlement-svc/payment"
	settlement "settlement-svc/proto/settlement"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type PaymentService struct {
	settlement.UnimplementedPaymentServiceServer

	executor *payment.Executor
	logger   *zap.Logger
}

func NewPaymentService(executor *payment.Executor, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		executor: executor,
		logger:   logger,
	}
}

func (s *PaymentService) CheckPaymentStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, span := otel.Tracer("settlement-service").Start(ctx, "CheckPaymentStatus_gRPC")
	defer span.End()

	id, err := paymentOrderID(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("payment_order.id", id.String()))

	order, err := s.executor.CheckPaymentStatus(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, s.grpcError(err)
	}
	return toStruct(order)
}

func (s *PaymentService) GetPaymentOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, span := otel.Tracer("settlement-service").Start(ctx, "GetPaymentOrder_gRPC")
	defer span.End()

	id, err := paymentOrderID(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("payment_order.id", id.String()))

	details, err := s.executor.PaymentDetails(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, s.grpcError(err)
	}
	return toStruct(details)
}

func paymentOrderID(req *structpb.Struct) (models.PaymentOrderID, error) {
	id := req.GetFields()["payment_order_id"].GetStringValue()
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "payment_order_id is required")
	}
	return models.PaymentOrderID(id), nil
}

func (s *PaymentService) grpcError(err error) error {
	switch {
	case errors.Is(err, payment.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, payment.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		s.logger.Error("gRPC request failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}
