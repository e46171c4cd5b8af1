package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"settlement-svc/circuitbreaker"
	"settlement-svc/models"
	"settlement-svc/payment"
	settlement "settlement-svc/proto/settlement"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// PaymentClient queries a running settlement service over gRPC.
type PaymentClient struct {
	conn           *grpc.ClientConn
	client         settlement.PaymentServiceClient
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

func InitPaymentClient(address string, logger *zap.Logger) (*PaymentClient, error) {
	conn, err := grpc.NewClient(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to settlement service: %w", err)
	}
	return newPaymentClient(conn, logger), nil
}

func newPaymentClient(conn *grpc.ClientConn, logger *zap.Logger) *PaymentClient {
	return &PaymentClient{
		conn:           conn,
		client:         settlement.NewPaymentServiceClient(conn),
		circuitBreaker: circuitbreaker.NewCircuitBreaker("settlement-grpc", 5, 30*time.Second),
		logger:         logger,
	}
}

func (pc *PaymentClient) CheckPaymentStatus(ctx context.Context, id models.PaymentOrderID) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	err := pc.call(ctx, id, pc.client.CheckPaymentStatus, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (pc *PaymentClient) GetPaymentOrder(ctx context.Context, id models.PaymentOrderID) (*payment.PaymentDetails, error) {
	var details payment.PaymentDetails
	err := pc.call(ctx, id, pc.client.GetPaymentOrder, &details)
	if err != nil {
		return nil, err
	}
	return &details, nil
}

type unaryCall func(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)

func (pc *PaymentClient) call(ctx context.Context, id models.PaymentOrderID, fn unaryCall, out any) error {
	req, err := structpb.NewStruct(map[string]any{"payment_order_id": id.String()})
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	var resp *structpb.Struct
	err = pc.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = fn(ctx, req)
		return err
	})
	if err != nil {
		pc.logger.Warn("Settlement gRPC call failed", zap.String("payment_order_id", id.String()), zap.Error(err))
		return err
	}

	data, err := json.Marshal(resp.AsMap())
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (pc *PaymentClient) Close() error {
	return pc.conn.Close()
}
