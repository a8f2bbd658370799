package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/pii-tokenizer/internal/privacy"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeRunState is sent on every run transition
	EventTypeRunState EventType = "run_state"
	// EventTypeClassification is sent after a classifier pass
	EventTypeClassification EventType = "classification"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Dataset   string      `json:"dataset,omitempty"`
	Data      interface{} `json:"data"`

	// to restricts delivery to a single client
	to *Client
}

// ClassificationEvent carries the profiles of one classifier pass. Values are
// never included, only counts and scores.
type ClassificationEvent struct {
	Dataset   string                  `json:"dataset"`
	Profiles  []privacy.ColumnProfile `json:"profiles"`
	Emissions []privacy.Emission      `json:"emissions,omitempty"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	ClientIP string `json:"client_ip"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string               `json:"type"`
	Data *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest narrows the events a client receives. Empty lists
// mean everything.
type SubscriptionRequest struct {
	Events   []EventType `json:"events"`
	Datasets []string    `json:"datasets,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	mu           sync.RWMutex
	subscription *SubscriptionRequest
}

func (c *Client) subscribe(s *SubscriptionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscription = s
}

// wants reports whether the client's subscription matches event
func (c *Client) wants(event Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.subscription
	if s == nil {
		return true
	}
	if len(s.Events) > 0 {
		found := false
		for _, t := range s.Events {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.Datasets) > 0 && event.Dataset != "" {
		for _, d := range s.Datasets {
			if d == event.Dataset {
				return true
			}
		}
		return false
	}
	return true
}
