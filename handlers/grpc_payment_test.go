package handlers

import (
	"context"
	"net"
	"testing"

	"settlement-svc/payment"
	settlement "settlement-svc/proto/settlement"
	"settlement-svc/psp"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func setupGRPCTest(t *testing.T) (settlement.PaymentServiceClient, *handlerEnv) {
	env := setupPaymentTest(t)

	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	executor := payment.NewExecutor(env.store, psp.NewRegistry(env.psp.Name(), env.psp), nil, nil, "INR", zaptest.NewLogger(t))
	settlement.RegisterPaymentServiceServer(server, NewPaymentService(executor, zaptest.NewLogger(t)))
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return settlement.NewPaymentServiceClient(conn), env
}

func request(t *testing.T, id string) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(map[string]any{"payment_order_id": id})
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	return req
}

func TestPaymentService_CheckPaymentStatus(t *testing.T) {
	client, env := setupGRPCTest(t)
	session := env.checkout(t)

	resp, err := client.CheckPaymentStatus(context.Background(), request(t, session.PaymentOrderID.String()))
	if err != nil {
		t.Fatalf("CheckPaymentStatus failed: %v", err)
	}
	// the stub PSP reports PENDING by default
	if got := resp.GetFields()["status"].GetStringValue(); got != "PENDING" {
		t.Errorf("Expected PENDING, got %q", got)
	}
	if got := resp.GetFields()["amount"].GetStringValue(); got != "500" {
		t.Errorf("Expected amount 500, got %q", got)
	}
}

func TestPaymentService_GetPaymentOrder(t *testing.T) {
	client, env := setupGRPCTest(t)
	session := env.checkout(t)

	resp, err := client.GetPaymentOrder(context.Background(), request(t, session.PaymentOrderID.String()))
	if err != nil {
		t.Fatalf("GetPaymentOrder failed: %v", err)
	}
	order := resp.GetFields()["payment_order"].GetStructValue()
	if order.GetFields()["payment_order_id"].GetStringValue() != session.PaymentOrderID.String() {
		t.Errorf("Unexpected payment order %v", order)
	}
}

func TestPaymentService_Errors(t *testing.T) {
	client, _ := setupGRPCTest(t)

	_, err := client.CheckPaymentStatus(context.Background(), request(t, ""))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Expected InvalidArgument, got %v", err)
	}

	_, err = client.GetPaymentOrder(context.Background(), request(t, "po_missing"))
	if status.Code(err) != codes.NotFound {
		t.Errorf("Expected NotFound, got %v", err)
	}
}
