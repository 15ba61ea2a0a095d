package history

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"PaymentProcessor/internal/models"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type RPCClient struct {
	baseURL string
	client  *resty.Client
}

func NewRPCClient(baseURL string) *RPCClient {
	baseURL = strings.TrimRight(baseURL, "/")
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport))
	return &RPCClient{baseURL: baseURL, client: client}
}

func (c *RPCClient) BaseURL() string {
	return c.baseURL
}

// Deliver posts the record to /merchants/{id}/deals. The ledger treats the
// record id as an idempotency key, so 409 counts as delivered.
func (c *RPCClient) Deliver(ctx context.Context, merchantID string, rec *models.DealRecord) error {
	var ack struct {
		ID string `json:"id"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", rec.ID).
		SetPathParam("merchant", merchantID).
		SetBody(encodeDeal(merchantID, rec)).
		SetResult(&ack).
		Post("/merchants/{merchant}/deals")
	if err != nil {
		return fmt.Errorf("deliver deal %s: %w", rec.ID, err)
	}
	switch {
	case resp.StatusCode() == http.StatusConflict:
		return nil
	case resp.IsError():
		msg := strings.TrimSpace(resp.String())
		if msg != "" {
			return fmt.Errorf("history http status %d: %s", resp.StatusCode(), msg)
		}
		return fmt.Errorf("history http status %d", resp.StatusCode())
	}
	if ack.ID != "" && ack.ID != rec.ID {
		return fmt.Errorf("history acknowledged %s, sent %s", ack.ID, rec.ID)
	}
	return nil
}

func formatOrderID(v uint64) string {
	return strconv.FormatUint(v, 10)
}
