package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"
)

// DefaultRazorpayURL is the Razorpay v1 REST root.
const DefaultRazorpayURL = "https://api.razorpay.com/v1"

// RazorpayClient implements Gateway against Razorpay (orders, payments)
// and RazorpayX (payouts). Orders and payments go through the official
// SDK; the SDK has no RazorpayX payouts resource, so payouts are posted
// directly.
type RazorpayClient struct {
	sdk           *razorpay.Client
	baseURL       string
	keyID         string
	keySecret     string
	accountNumber string // RazorpayX account payouts are drawn from
	http          *http.Client
}

// NewRazorpayClient creates a client. An empty baseURL selects
// DefaultRazorpayURL.
func NewRazorpayClient(baseURL, keyID, keySecret, accountNumber string) *RazorpayClient {
	if baseURL == "" {
		baseURL = DefaultRazorpayURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	sdk := razorpay.NewClient(keyID, keySecret)
	// The SDK adds the /v1 prefix itself.
	razorpay.Request.BaseURL = strings.TrimSuffix(baseURL, "/v1")
	return &RazorpayClient{
		sdk:           sdk,
		baseURL:       baseURL,
		keyID:         keyID,
		keySecret:     keySecret,
		accountNumber: accountNumber,
		http:          &http.Client{Timeout: 30 * time.Second},
	}
}

// IsAvailable reports whether API credentials are configured.
func (c *RazorpayClient) IsAvailable() bool {
	return c.keyID != "" && c.keySecret != ""
}

// withContext runs a blocking SDK call and gives up when ctx ends. The SDK
// takes no context, so an abandoned call finishes on its HTTP timeout.
func withContext(ctx context.Context, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	type result struct {
		body map[string]interface{}
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := fn()
		done <- result{body, err}
	}()
	select {
	case r := <-done:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// decodeEntity copies an SDK response map into out.
func decodeEntity(body map[string]interface{}, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (c *RazorpayClient) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (*Order, error) {
	data := map[string]interface{}{
		"amount":          amountMinor,
		"currency":        currency,
		"receipt":         receipt,
		"payment_capture": 1,
	}
	body, err := withContext(ctx, func() (map[string]interface{}, error) {
		return c.sdk.Order.Create(data, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("razorpay: create order: %w", err)
	}
	var o Order
	if err := decodeEntity(body, &o); err != nil {
		return nil, fmt.Errorf("razorpay: decode order: %w", err)
	}
	return &o, nil
}

// VerifySignature checks the checkout signature, which is the hex
// HMAC-SHA256 of "orderID|paymentID" keyed with the API secret.
func (c *RazorpayClient) VerifySignature(orderID, paymentID, signature string) bool {
	return VerifyHMAC(c.keySecret, orderID, paymentID, signature)
}

// VerifyHMAC is the signature check shared by the client and test fakes.
func VerifyHMAC(secret, orderID, paymentID, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return utils.VerifyPaymentSignature(map[string]interface{}{
		"razorpay_order_id":   orderID,
		"razorpay_payment_id": paymentID,
		"razorpay_signature":  strings.ToLower(signature),
	}, strings.ToLower(signature), secret)
}

// Sign computes the checkout signature for orderID and paymentID.
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *RazorpayClient) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	body, err := withContext(ctx, func() (map[string]interface{}, error) {
		return c.sdk.Payment.Fetch(paymentID, nil, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("razorpay: fetch payment %s: %w", paymentID, err)
	}
	var p Payment
	if err := decodeEntity(body, &p); err != nil {
		return nil, fmt.Errorf("razorpay: decode payment %s: %w", paymentID, err)
	}
	return &p, nil
}

type razorpayError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// post sends a JSON body to a RazorpayX endpoint.
func (c *RazorpayClient) post(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var rerr razorpayError
		_ = json.NewDecoder(resp.Body).Decode(&rerr)
		return fmt.Errorf("razorpay POST %s: %d %s: %s",
			path, resp.StatusCode, rerr.Error.Code, rerr.Error.Description)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *RazorpayClient) CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	if c.accountNumber == "" {
		return nil, fmt.Errorf("razorpay: payouts need a RazorpayX account number")
	}

	fundAccount := map[string]any{
		"contact": map[string]any{"name": req.Destination.Name, "type": "customer"},
	}
	if req.Mode == ModeUPI {
		fundAccount["account_type"] = "vpa"
		fundAccount["vpa"] = map[string]any{"address": req.Destination.VPA}
	} else {
		fundAccount["account_type"] = "bank_account"
		fundAccount["bank_account"] = map[string]any{
			"name":           req.Destination.Name,
			"ifsc":           req.Destination.IFSC,
			"account_number": req.Destination.AccountNumber,
		}
	}

	in := map[string]any{
		"account_number":       c.accountNumber,
		"fund_account":         fundAccount,
		"amount":               req.Amount,
		"currency":             req.Currency,
		"mode":                 req.Mode,
		"purpose":              "payout",
		"queue_if_low_balance": true,
		"reference_id":         req.Reference,
		"narration":            req.Narration,
	}
	var p Payout
	if err := c.post(ctx, "/payouts", in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
