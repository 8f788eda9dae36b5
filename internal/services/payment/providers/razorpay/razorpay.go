package razorpay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coursehub/backend/internal/services/payment"
	"github.com/coursehub/backend/internal/utils"
)

// RazorpayProvider implements the payment.Gateway interface for Razorpay
type RazorpayProvider struct {
	keyID         string
	keySecret     string
	webhookSecret string
	baseURL       string
	client        *http.Client
}

// RazorpayConfig holds configuration for the Razorpay provider
type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
}

// NewRazorpayProvider creates a new Razorpay provider
func NewRazorpayProvider(config RazorpayConfig) *RazorpayProvider {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.razorpay.com/v1"
	}

	return &RazorpayProvider{
		keyID:         config.KeyID,
		keySecret:     config.KeySecret,
		webhookSecret: config.WebhookSecret,
		baseURL:       baseURL,
		client:        &http.Client{Timeout: 10 * time.Second},
	}
}

type planRequest struct {
	Period   string `json:"period"`
	Interval int    `json:"interval"`
	Item     struct {
		Name     string `json:"name"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"item"`
	Notes map[string]string `json:"notes,omitempty"`
}

type planResponse struct {
	ID     string `json:"id"`
	Entity string `json:"entity"`
	Period string `json:"period"`
}

type orderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type orderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type subscriptionRequest struct {
	PlanID         string `json:"plan_id"`
	TotalCount     int    `json:"total_count"`
	CustomerNotify int    `json:"customer_notify"`
	StartAt        int64  `json:"start_at,omitempty"`
	Addons         []struct {
		Item struct {
			Name     string `json:"name"`
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
		} `json:"item"`
	} `json:"addons,omitempty"`
	Notes map[string]string `json:"notes,omitempty"`
}

type subscriptionResponse struct {
	ID           string `json:"id"`
	PlanID       string `json:"plan_id"`
	Status       string `json:"status"`
	ShortURL     string `json:"short_url"`
	CurrentStart int64  `json:"current_start"`
	CurrentEnd   int64  `json:"current_end"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreatePlan registers a recurring billing template with Razorpay
func (p *RazorpayProvider) CreatePlan(req payment.CreatePlanRequest) (string, error) {
	body := planRequest{
		Period:   req.Period,
		Interval: 1,
		Notes:    req.Notes,
	}
	body.Item.Name = req.Name
	body.Item.Amount = req.Amount
	body.Item.Currency = req.Currency

	var resp planResponse
	if err := p.post("/plans", "create_plan", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CreateOrder creates a one-time payment order
func (p *RazorpayProvider) CreateOrder(req payment.CreateOrderRequest) (*payment.Order, error) {
	body := orderRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	}

	var resp orderResponse
	if err := p.post("/orders", "create_order", body, &resp); err != nil {
		return nil, err
	}

	return &payment.Order{
		ID:       resp.ID,
		Amount:   resp.Amount,
		Currency: resp.Currency,
		Status:   resp.Status,
	}, nil
}

// CreateSubscription creates a recurring subscription, optionally with an
// upfront addon charge for a paid trial
func (p *RazorpayProvider) CreateSubscription(req payment.CreateSubscriptionRequest) (*payment.GatewaySubscription, error) {
	body := subscriptionRequest{
		PlanID:     req.PlanID,
		TotalCount: req.TotalCount,
		Notes:      req.Notes,
	}
	if req.CustomerNotify {
		body.CustomerNotify = 1
	}
	if req.StartAt != nil {
		body.StartAt = req.StartAt.Unix()
	}
	for _, addon := range req.Addons {
		item := struct {
			Item struct {
				Name     string `json:"name"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
			} `json:"item"`
		}{}
		item.Item.Name = addon.Name
		item.Item.Amount = addon.Amount
		item.Item.Currency = addon.Currency
		body.Addons = append(body.Addons, item)
	}

	var resp subscriptionResponse
	if err := p.post("/subscriptions", "create_subscription", body, &resp); err != nil {
		return nil, err
	}

	sub := &payment.GatewaySubscription{
		ID:       resp.ID,
		PlanID:   resp.PlanID,
		Status:   resp.Status,
		ShortURL: resp.ShortURL,
	}
	if resp.CurrentStart > 0 {
		t := time.Unix(resp.CurrentStart, 0)
		sub.CurrentStart = &t
	}
	if resp.CurrentEnd > 0 {
		t := time.Unix(resp.CurrentEnd, 0)
		sub.CurrentEnd = &t
	}
	return sub, nil
}

// CancelSubscription cancels a subscription. With atCycleEnd the gateway
// keeps the subscription live until the current billing period ends.
func (p *RazorpayProvider) CancelSubscription(gatewaySubscriptionID string, atCycleEnd bool) error {
	body := map[string]interface{}{
		"cancel_at_cycle_end": 0,
	}
	if atCycleEnd {
		body["cancel_at_cycle_end"] = 1
	}

	var resp subscriptionResponse
	path := fmt.Sprintf("/subscriptions/%s/cancel", gatewaySubscriptionID)
	return p.post(path, "cancel_subscription", body, &resp)
}

// VerifyPaymentSignature checks the checkout callback signature for a
// one-time order payment. Razorpay signs "orderID|paymentID" with the key
// secret.
func (p *RazorpayProvider) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	message := []byte(orderID + "|" + paymentID)
	return utils.VerifyHMACHex(message, signature, p.keySecret)
}

// VerifyWebhookSignature checks a webhook signature over the exact raw body
// bytes using the webhook secret
func (p *RazorpayProvider) VerifyWebhookSignature(body []byte, signature string) bool {
	return utils.VerifyHMACHex(body, signature, p.webhookSecret)
}

// post sends an authenticated JSON request and decodes the response
func (p *RazorpayProvider) post(path, op string, body interface{}, out interface{}) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequest("POST", p.baseURL+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	httpReq.SetBasicAuth(p.keyID, p.keySecret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &payment.Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &payment.Error{Op: op, Err: fmt.Errorf("error reading response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		var gwErr errorResponse
		if err := json.Unmarshal(respBody, &gwErr); err == nil && gwErr.Error.Code != "" {
			return &payment.Error{Op: op, Code: gwErr.Error.Code, Err: fmt.Errorf("%s", gwErr.Error.Description)}
		}
		return &payment.Error{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &payment.Error{Op: op, Err: fmt.Errorf("error parsing response: %w", err)}
	}
	return nil
}
