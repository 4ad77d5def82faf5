package delivery

import (
	"encoding/json"
	"slices"
	"time"
)

// Endpoint is an organization's registered delivery target. Secret is never
// serialized.
type Endpoint struct {
	ID              string     `json:"id"`
	OrganizationID  string     `json:"organization_id"`
	URL             string     `json:"url"`
	Secret          string     `json:"-"`
	Active          bool       `json:"active"`
	EventTypes      []string   `json:"event_types"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Subscribes reports whether the endpoint listens for eventType.
func (e Endpoint) Subscribes(eventType string) bool {
	return slices.Contains(e.EventTypes, eventType)
}

// Event is one unit of work to fan out. EndpointID, when set, addresses that
// single endpoint regardless of its subscriptions.
type Event struct {
	OrganizationID string          `json:"organizationId"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	EndpointID     string          `json:"endpointId,omitempty"`
}

// Attempt is the append-only record of one HTTP delivery try. ID is the value
// sent in X-Webhook-Delivery. Payload holds the exact envelope bytes sent.
type Attempt struct {
	ID             string          `json:"id"`
	EndpointID     string          `json:"endpoint_id"`
	OrganizationID string          `json:"organization_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	StatusCode     int             `json:"status_code"`
	ResponseBody   string          `json:"response_body"`
	Success        bool            `json:"success"`
	AttemptedAt    time.Time       `json:"attempted_at"`
}

// IsSuccess is the single definition of a successful status code.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}
