// Package midtrans adapts the Midtrans Snap and Core APIs to psp.Adapter.
// Midtrans amounts are whole currency units.
package midtrans

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"settlement-svc/circuitbreaker"
	"settlement-svc/models"
	"settlement-svc/psp"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const Name = "midtrans"

var transactionTable = psp.NewStatusTable(psp.StatusPending, map[string]psp.Status{
	"settlement":     psp.StatusSuccess,
	"refund":         psp.StatusSuccess,
	"partial_refund": psp.StatusSuccess,
	"pending":        psp.StatusPending,
	"authorize":      psp.StatusPending,
	"deny":           psp.StatusFailed,
	"cancel":         psp.StatusFailed,
	"expire":         psp.StatusFailed,
	"failure":        psp.StatusFailed,
})

// capture is only final once fraud screening accepts it.
var fraudTable = psp.NewStatusTable(psp.StatusPending, map[string]psp.Status{
	"accept":    psp.StatusSuccess,
	"challenge": psp.StatusPending,
	"deny":      psp.StatusFailed,
})

type snapAPI interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error)
}

type coreAPI interface {
	CheckTransaction(param string) (*coreapi.TransactionStatusResponse, *midtrans.Error)
	RefundTransaction(param string, req *coreapi.RefundReq) (*coreapi.RefundResponse, *midtrans.Error)
}

type Client struct {
	serverKey string
	snap      snapAPI
	core      coreAPI
	timeout   time.Duration
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

// New builds a client for env "production" or anything else for sandbox.
func New(serverKey, env string, timeout time.Duration, logger *zap.Logger) *Client {
	environment := midtrans.Sandbox
	if env == "production" {
		environment = midtrans.Production
	}

	var snapClient snap.Client
	snapClient.New(serverKey, environment)
	var coreClient coreapi.Client
	coreClient.New(serverKey, environment)

	return newClient(serverKey, &snapClient, &coreClient, timeout, logger)
}

func newClient(serverKey string, s snapAPI, c coreAPI, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		serverKey: serverKey,
		snap:      s,
		core:      c,
		timeout:   timeout,
		breaker:   circuitbreaker.NewCircuitBreaker(Name, 5, 30*time.Second),
		logger:    logger,
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) Initiate(ctx context.Context, req psp.InitiateRequest) (*psp.Checkout, error) {
	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.PaymentOrderID.String(),
			GrossAmt: req.Amount.Round(0).IntPart(),
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: req.Buyer.Name,
			Email: req.Buyer.Email,
			Phone: req.Buyer.Phone,
		},
	}
	if req.ReturnURL != "" {
		snapReq.Callbacks = &snap.Callbacks{Finish: req.ReturnURL}
	}

	var resp *snap.Response
	err := c.call(ctx, func() *midtrans.Error {
		var mErr *midtrans.Error
		resp, mErr = c.snap.CreateTransaction(snapReq)
		return mErr
	})
	if err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(resp)
	c.logger.Info("Midtrans snap transaction created", zap.String("payment_order_id", req.PaymentOrderID.String()))

	return &psp.Checkout{
		CheckoutURL:   resp.RedirectURL,
		Reference:     resp.Token,
		SignedPayload: map[string]string{"token": resp.Token},
		Raw:           raw,
	}, nil
}

func (c *Client) CheckStatus(ctx context.Context, id models.PaymentOrderID) (*psp.StatusResult, error) {
	resp, err := c.transaction(ctx, id)
	if err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(resp)
	amount, _ := decimal.NewFromString(resp.GrossAmount)
	return &psp.StatusResult{
		Status:        normalize(resp.TransactionStatus, resp.FraudStatus),
		Code:          resp.TransactionStatus,
		Message:       resp.StatusMessage,
		PSPTxnID:      resp.TransactionID,
		PaymentMethod: resp.PaymentType,
		Amount:        amount,
		Raw:           raw,
	}, nil
}

func (c *Client) transaction(ctx context.Context, id models.PaymentOrderID) (*coreapi.TransactionStatusResponse, error) {
	var resp *coreapi.TransactionStatusResponse
	err := c.call(ctx, func() *midtrans.Error {
		var mErr *midtrans.Error
		resp, mErr = c.core.CheckTransaction(id.String())
		return mErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) InitiateRefund(ctx context.Context, req psp.RefundRequest) (*psp.RefundResult, error) {
	refundReq := &coreapi.RefundReq{
		RefundKey: req.RefundID.String(),
		Reason:    req.Reason,
	}
	if req.Amount != nil {
		refundReq.Amount = req.Amount.Round(0).IntPart()
	}

	var resp *coreapi.RefundResponse
	err := c.call(ctx, func() *midtrans.Error {
		var mErr *midtrans.Error
		resp, mErr = c.core.RefundTransaction(req.PaymentOrderID.String(), refundReq)
		return mErr
	})
	if err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(resp)
	return &psp.RefundResult{
		Status:       transactionTable.Lookup(resp.TransactionStatus),
		PSPRefundRef: resp.RefundKey,
		Code:         resp.StatusCode,
		Message:      resp.StatusMessage,
		Raw:          raw,
	}, nil
}

// CheckRefundStatus looks for refundID among the refunds recorded on the
// original transaction. A refund Midtrans has not recorded stays PENDING,
// whatever the transaction status says about earlier refunds.
func (c *Client) CheckRefundStatus(ctx context.Context, id models.PaymentOrderID, refundID models.RefundID) (*psp.RefundResult, error) {
	resp, err := c.transaction(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(resp)
	result := &psp.RefundResult{
		Status:  psp.StatusPending,
		Code:    resp.TransactionStatus,
		Message: resp.StatusMessage,
		Raw:     raw,
	}
	for _, r := range resp.Refunds {
		if r.RefundKey == refundID.String() {
			result.Status = psp.StatusSuccess
			result.PSPRefundRef = r.RefundKey
			break
		}
	}
	return result, nil
}

// VerifyWebhookSignature checks signature_key, which is
// SHA512(order_id + status_code + gross_amount + server_key).
func (c *Client) VerifyWebhookSignature(payload []byte, signature string) bool {
	hash := sha512.Sum512(append(append([]byte(nil), payload...), c.serverKey...))
	expected := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

type notification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	TransactionID     string `json:"transaction_id"`
	PaymentType       string `json:"payment_type"`
	StatusMessage     string `json:"status_message"`
}

func (c *Client) ParseWebhook(rawBody []byte, signatureHeader string) (*psp.WebhookEvent, error) {
	var n notification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", psp.ErrInvalidWebhook, err)
	}
	if n.OrderID == "" {
		return nil, fmt.Errorf("%w: missing order_id", psp.ErrInvalidWebhook)
	}
	amount, err := decimal.NewFromString(n.GrossAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: bad gross_amount %q", psp.ErrInvalidWebhook, n.GrossAmount)
	}

	signature := n.SignatureKey
	if signature == "" {
		signature = signatureHeader
	}

	return &psp.WebhookEvent{
		PaymentOrderID: models.PaymentOrderID(n.OrderID),
		Result: psp.StatusResult{
			Status:        normalize(n.TransactionStatus, n.FraudStatus),
			Code:          n.TransactionStatus,
			Message:       n.StatusMessage,
			PSPTxnID:      n.TransactionID,
			PaymentMethod: n.PaymentType,
			Amount:        amount,
			Raw:           rawBody,
		},
		SignedPayload: []byte(n.OrderID + n.StatusCode + n.GrossAmount),
		Signature:     signature,
	}, nil
}

func normalize(transactionStatus, fraudStatus string) psp.Status {
	if transactionStatus == "capture" {
		return fraudTable.Lookup(fraudStatus)
	}
	return transactionTable.Lookup(transactionStatus)
}

// call runs fn under the breaker with a deadline. The SDK takes no context,
// so on timeout the request is abandoned, not cancelled.
func (c *Client) call(ctx context.Context, fn func() *midtrans.Error) error {
	var rejected *midtrans.Error
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		done := make(chan *midtrans.Error, 1)
		go func() { done <- fn() }()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case mErr := <-done:
			if mErr == nil {
				return nil
			}
			if isTransportError(mErr) {
				return mErr
			}
			// declines do not count against the breaker
			rejected = mErr
			return nil
		}
	})
	if err != nil {
		c.logger.Warn("Midtrans call failed", zap.Error(err))
		return fmt.Errorf("%w: %v", psp.ErrTransport, err)
	}
	if rejected != nil {
		return fmt.Errorf("%w: %d %s", psp.ErrRejected, rejected.StatusCode, rejected.Message)
	}
	return nil
}

func isTransportError(err *midtrans.Error) bool {
	return err.StatusCode == 0 || err.StatusCode >= http.StatusInternalServerError
}

var _ psp.Adapter = (*Client)(nil)
