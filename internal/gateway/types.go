package gateway

import (
	"context"

	"github.com/mkallio/calgate/internal/queue"
)

// Queuer is the gateway's view of the delivery queue.
type Queuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// SignatureHeader is the header Calendly signs webhook deliveries with.
const SignatureHeader = "Calendly-Webhook-Signature"

// ReceiveResponse is the JSON response for accepted (or deduplicated)
// deliveries. Both cases return 200: the provider must not retry content we
// already hold.
type ReceiveResponse struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// ErrorResponse is the JSON response for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
}
