package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

var client *http.Client
var topic string
var initialized bool

// baseURL is swapped out in tests.
var baseURL = "https://ntfy.sh"

// Init enables notifications to ntfyTopic. An empty topic disables them.
func Init(ntfyTopic string) {
	if ntfyTopic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		initialized = false
		return
	}

	client = &http.Client{Timeout: 10 * time.Second}
	topic = ntfyTopic
	initialized = true

	log.Info().
		Str("topic", topic).
		Msg("Ntfy notifications initialized")
}

// Message is an ntfy JSON publish body. Priority runs 1 (min) to 5 (max);
// zero leaves the server default.
type Message struct {
	Topic    string   `json:"topic"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Send publishes a default-priority notification to the configured topic.
func Send(title, message string) error {
	return Publish(Message{Title: title, Message: message})
}

func Publish(m Message) error {
	if !initialized {
		return fmt.Errorf("notifications not initialized")
	}
	m.Topic = topic

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	// JSON bodies are published to the server root, the topic travels inside
	resp, err := client.Post(baseURL+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", m.Title).
		Int("priority", m.Priority).
		Int("status", resp.StatusCode).
		Msg("Notification sent")
	return nil
}

// LinkAlert builds a link-change hook for the relay controller. The
// notification goes out on its own goroutine so a slow ntfy server never
// holds up the control loop.
func LinkAlert(board string) func(healthy bool) {
	return func(healthy bool) {
		if !initialized {
			return
		}
		m := Message{
			Title:    fmt.Sprintf("%s: relay board link lost", board),
			Message:  "Status polls or relay commands are failing. Relay states may be stale.",
			Priority: 4,
			Tags:     []string{"warning"},
		}
		if healthy {
			m = Message{
				Title:   fmt.Sprintf("%s: relay board link restored", board),
				Message: "The relay board is answering again.",
				Tags:    []string{"white_check_mark"},
			}
		}
		go func() {
			if err := Publish(m); err != nil {
				log.Warn().Err(err).Str("title", m.Title).Msg("Failed to send link notification")
			}
		}()
	}
}
