// Package gateway is the adapter for the primary PSP: signed JSON over HTTPS
// with base64 request envelopes and an X-VERIFY checksum header.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"settlement-svc/circuitbreaker"
	"settlement-svc/models"
	"settlement-svc/psp"

	"go.uber.org/zap"
)

const (
	Name = "gateway"

	verifyHeader   = "X-VERIFY"
	merchantHeader = "X-MERCHANT-ID"
	maxBodyBytes   = 1 << 20
)

var statusTable = psp.NewStatusTable(psp.StatusPending, map[string]psp.Status{
	"PAYMENT_SUCCESS":       psp.StatusSuccess,
	"REFUND_SUCCESS":        psp.StatusSuccess,
	"PAYMENT_ERROR":         psp.StatusFailed,
	"PAYMENT_DECLINED":      psp.StatusFailed,
	"REFUND_DECLINED":       psp.StatusFailed,
	"PAYMENT_PENDING":       psp.StatusPending,
	"PAYMENT_INITIATED":     psp.StatusPending,
	"TIMED_OUT":             psp.StatusPending,
	"INTERNAL_SERVER_ERROR": psp.StatusPending,
})

type Config struct {
	BaseURL     string
	MerchantID  string
	SaltKey     string
	CallbackURL string
	Timeout     time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	signer  psp.Signer
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		signer:  psp.NewSigner(cfg.SaltKey),
		breaker: circuitbreaker.NewCircuitBreaker(Name, 5, 30*time.Second),
		logger:  logger,
	}
}

func (c *Client) Name() string { return Name }

type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paymentRequest struct {
	MerchantID            string `json:"merchantId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	MerchantUserID        string `json:"merchantUserId"`
	Amount                int64  `json:"amount"`
	Currency              string `json:"currency"`
	Name                  string `json:"name,omitempty"`
	Email                 string `json:"email,omitempty"`
	MobileNumber          string `json:"mobileNumber,omitempty"`
	RedirectURL           string `json:"redirectUrl"`
	CallbackURL           string `json:"callbackUrl"`
}

type transactionData struct {
	MerchantTransactionID string `json:"merchantTransactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	TransactionID         string `json:"transactionId"`
	Amount                int64  `json:"amount"`
	State                 string `json:"state"`
	ResponseCode          string `json:"responseCode"`
	PaymentInstrument     struct {
		Type string `json:"type"`
	} `json:"paymentInstrument"`
	InstrumentResponse struct {
		RedirectURL string `json:"redirectUrl"`
	} `json:"instrumentResponse"`
}

func (c *Client) Initiate(ctx context.Context, req psp.InitiateRequest) (*psp.Checkout, error) {
	payload := paymentRequest{
		MerchantID:            c.cfg.MerchantID,
		MerchantTransactionID: req.PaymentOrderID.String(),
		MerchantUserID:        req.IdentityID.String(),
		Amount:                psp.ToMinorUnits(req.Amount),
		Currency:              req.Currency,
		Name:                  req.Buyer.Name,
		Email:                 req.Buyer.Email,
		MobileNumber:          req.Buyer.Phone,
		RedirectURL:           req.ReturnURL,
		CallbackURL:           c.cfg.CallbackURL,
	}

	encoded, checksum, err := c.encode(payload)
	if err != nil {
		return nil, err
	}

	env, raw, err := c.do(ctx, http.MethodPost, "/v1/payments", map[string]string{"request": encoded}, checksum)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: %s %s", psp.ErrRejected, env.Code, env.Message)
	}

	var data transactionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode gateway payment response: %w", err)
	}

	c.logger.Info("Gateway payment initiated",
		zap.String("payment_order_id", req.PaymentOrderID.String()),
		zap.String("code", env.Code),
	)

	return &psp.Checkout{
		CheckoutURL: data.InstrumentResponse.RedirectURL,
		Reference:   data.MerchantTransactionID,
		SignedPayload: map[string]string{
			"request": encoded,
			"xVerify": checksum,
		},
		Raw: raw,
	}, nil
}

func (c *Client) CheckStatus(ctx context.Context, id models.PaymentOrderID) (*psp.StatusResult, error) {
	env, raw, err := c.status(ctx, id.String())
	if err != nil {
		return nil, err
	}
	return resultFromEnvelope(env, raw)
}

type refundRequest struct {
	MerchantID            string `json:"merchantId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	Amount                int64  `json:"amount"`
	Reason                string `json:"reason,omitempty"`
	CallbackURL           string `json:"callbackUrl"`
}

func (c *Client) InitiateRefund(ctx context.Context, req psp.RefundRequest) (*psp.RefundResult, error) {
	if req.Amount == nil {
		return nil, fmt.Errorf("%w: gateway refunds need an explicit amount", psp.ErrRejected)
	}
	payload := refundRequest{
		MerchantID:            c.cfg.MerchantID,
		MerchantTransactionID: req.RefundID.String(),
		OriginalTransactionID: req.PaymentOrderID.String(),
		Amount:                psp.ToMinorUnits(*req.Amount),
		Reason:                req.Reason,
		CallbackURL:           c.cfg.CallbackURL,
	}

	encoded, checksum, err := c.encode(payload)
	if err != nil {
		return nil, err
	}
	env, raw, err := c.do(ctx, http.MethodPost, "/v1/refunds", map[string]string{"request": encoded}, checksum)
	if err != nil {
		return nil, err
	}
	return refundFromEnvelope(env, raw)
}

func (c *Client) CheckRefundStatus(ctx context.Context, id models.PaymentOrderID, refundID models.RefundID) (*psp.RefundResult, error) {
	env, raw, err := c.status(ctx, refundID.String())
	if err != nil {
		return nil, err
	}
	return refundFromEnvelope(env, raw)
}

func (c *Client) VerifyWebhookSignature(payload []byte, signature string) bool {
	// the header may carry "<checksum>###<salt index>"
	signature, _, _ = strings.Cut(signature, "###")
	return c.signer.Verify(payload, signature)
}

type webhookBody struct {
	Response string `json:"response"`
	Sign     string `json:"sign"`
}

func (c *Client) ParseWebhook(rawBody []byte, signatureHeader string) (*psp.WebhookEvent, error) {
	var body webhookBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", psp.ErrInvalidWebhook, err)
	}
	if body.Response == "" {
		return nil, fmt.Errorf("%w: missing response", psp.ErrInvalidWebhook)
	}

	decoded, err := base64.StdEncoding.DecodeString(body.Response)
	if err != nil {
		return nil, fmt.Errorf("%w: response is not base64: %v", psp.ErrInvalidWebhook, err)
	}
	var env envelope
	if err := json.Unmarshal(decoded, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", psp.ErrInvalidWebhook, err)
	}
	result, err := resultFromEnvelope(&env, decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", psp.ErrInvalidWebhook, err)
	}

	var data transactionData
	_ = json.Unmarshal(env.Data, &data)
	if data.MerchantTransactionID == "" {
		return nil, fmt.Errorf("%w: missing merchantTransactionId", psp.ErrInvalidWebhook)
	}

	signature := signatureHeader
	if signature == "" {
		signature = body.Sign
	}

	event := &psp.WebhookEvent{
		PaymentOrderID: models.PaymentOrderID(data.MerchantTransactionID),
		Result:         *result,
		SignedPayload:  []byte(body.Response),
		Signature:      signature,
	}
	// refund callbacks carry the refund's merchant id
	if isRefundCallback(env.Code, data.MerchantTransactionID) {
		event.RefundID = models.RefundID(data.MerchantTransactionID)
		event.PaymentOrderID = models.PaymentOrderID(data.OriginalTransactionID)
	}
	return event, nil
}

func isRefundCallback(code, merchantTxnID string) bool {
	return strings.HasPrefix(code, "REFUND_") || strings.HasPrefix(merchantTxnID, models.RefundIDPrefix)
}

type settlementData struct {
	Settlements []struct {
		MerchantTransactionID string    `json:"merchantTransactionId"`
		TransactionID         string    `json:"transactionId"`
		Amount                int64     `json:"amount"`
		Currency              string    `json:"currency"`
		SettledAt             time.Time `json:"settledAt"`
	} `json:"settlements"`
}

// Settlements lists transactions the gateway settled inside [from, to).
func (c *Client) Settlements(ctx context.Context, from, to time.Time) ([]psp.Settlement, error) {
	query := url.Values{}
	query.Set("from", from.UTC().Format(time.RFC3339))
	query.Set("to", to.UTC().Format(time.RFC3339))
	path := "/v1/settlements?" + query.Encode()

	env, _, err := c.do(ctx, http.MethodGet, path, nil, c.signer.Sign([]byte(path)))
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: %s %s", psp.ErrRejected, env.Code, env.Message)
	}

	var data settlementData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode gateway settlements: %w", err)
	}
	settlements := make([]psp.Settlement, 0, len(data.Settlements))
	for _, s := range data.Settlements {
		settlements = append(settlements, psp.Settlement{
			PaymentOrderID: models.PaymentOrderID(s.MerchantTransactionID),
			PSPTxnID:       s.TransactionID,
			Amount:         psp.FromMinorUnits(s.Amount),
			Currency:       s.Currency,
			SettledAt:      s.SettledAt,
		})
	}
	return settlements, nil
}

func (c *Client) status(ctx context.Context, merchantTxnID string) (*envelope, []byte, error) {
	path := fmt.Sprintf("/v1/payments/%s/%s/status", url.PathEscape(c.cfg.MerchantID), url.PathEscape(merchantTxnID))
	return c.do(ctx, http.MethodGet, path, nil, c.signer.Sign([]byte(path)))
}

// encode base64s the JSON payload and signs the encoded string.
func (c *Client) encode(payload any) (string, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal gateway payload: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(body)
	return encoded, c.signer.Sign([]byte(encoded)), nil
}

// do performs one signed call. Anything that leaves the outcome unknown is
// returned wrapped in psp.ErrTransport.
func (c *Client) do(ctx context.Context, method, path string, body any, checksum string) (*envelope, []byte, error) {
	var (
		env envelope
		raw []byte
	)

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(verifyHeader, checksum)
		req.Header.Set(merchantHeader, c.cfg.MerchantID)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
		}
		// our credentials were refused; says nothing about the payment
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("gateway refused credentials: HTTP %d", resp.StatusCode)
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("gateway returned HTTP %d with undecodable body: %w", resp.StatusCode, err)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("Gateway call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, nil, fmt.Errorf("%w: %v", psp.ErrTransport, err)
	}
	return &env, raw, nil
}

func resultFromEnvelope(env *envelope, raw []byte) (*psp.StatusResult, error) {
	var data transactionData
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to decode gateway transaction: %w", err)
		}
	}

	code := env.Code
	if code == "" {
		code = data.ResponseCode
	}
	return &psp.StatusResult{
		Status:        statusTable.Lookup(code),
		Code:          code,
		Message:       env.Message,
		PSPTxnID:      data.TransactionID,
		PaymentMethod: data.PaymentInstrument.Type,
		Amount:        psp.FromMinorUnits(data.Amount),
		Raw:           raw,
	}, nil
}

func refundFromEnvelope(env *envelope, raw []byte) (*psp.RefundResult, error) {
	result, err := resultFromEnvelope(env, raw)
	if err != nil {
		return nil, err
	}
	return &psp.RefundResult{
		Status:       result.Status,
		PSPRefundRef: result.PSPTxnID,
		Code:         result.Code,
		Message:      result.Message,
		Raw:          raw,
	}, nil
}

var _ psp.Adapter = (*Client)(nil)
var _ psp.SettlementReporter = (*Client)(nil)
