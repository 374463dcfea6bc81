// Package expo talks to the Expo push gateway: wire types, the HTTP client,
// token format rules and the closed set of ticket error codes.
package expo

import "encoding/json"

// Message is one push notification in a send request.
type Message struct {
	To          string         `json:"to"`
	Title       string         `json:"title,omitempty"`
	Body        string         `json:"body,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Sound       string         `json:"sound,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	ChannelID   string         `json:"channelId,omitempty"`
	Badge       *int           `json:"badge,omitempty"`
	TTL         *int           `json:"ttl,omitempty"`
	Expiration  *int64         `json:"expiration,omitempty"`
	CollapseKey string         `json:"collapse_key,omitempty"`
}

// Ticket statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Ticket is the gateway's per-message answer. Tickets come back in the order
// the messages were submitted.
type Ticket struct {
	Status  string         `json:"status"`
	ID      string         `json:"id,omitempty"`
	Message string         `json:"message,omitempty"`
	Details *TicketDetails `json:"details,omitempty"`
}

// TicketDetails carries the structured error of a failed ticket.
type TicketDetails struct {
	Error         ErrorCode `json:"error,omitempty"`
	ExpoPushToken string    `json:"expoPushToken,omitempty"`
}

// RequestError is a request-level error reported outside the tickets.
type RequestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the body of a send call.
type Response struct {
	Data   []Ticket       `json:"data"`
	Errors []RequestError `json:"errors,omitempty"`
}

// Code returns the ticket's error code, or "" for an ok ticket.
func (t Ticket) Code() ErrorCode {
	if t.Status == StatusOK {
		return ""
	}
	if t.Details != nil && t.Details.Error != "" {
		return t.Details.Error
	}
	return ErrUnknown
}

// Raw renders the ticket as stored alongside the push record.
func (t Ticket) Raw() json.RawMessage {
	b, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	return b
}
