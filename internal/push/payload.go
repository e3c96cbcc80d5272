package push

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Message is one alert to deliver to a device.
type Message struct {
	Title    string
	Body     string
	Subtitle string
	Badge    *int
	Sound    string
	Category string
	// ThreadID groups related notifications on the device.
	ThreadID string
	// CollapseID de-duplicates: a newer push with the same id replaces
	// the older one if it has not been displayed yet.
	CollapseID string
	// Priority is the provider delivery priority (5 or 10). Zero means
	// immediate delivery.
	Priority int
	// Expiration is the absolute time after which the provider stops
	// trying to deliver. Nil means deliver once, now or never.
	Expiration *time.Time
	// Data holds custom keys merged into the top level of the payload.
	Data map[string]interface{}
}

func (m Message) providerPriority() int {
	if m.Priority == 5 {
		return 5
	}
	return 10
}

type alertBody struct {
	Title    string `json:"title,omitempty"`
	Subtitle string `json:"subtitle,omitempty"`
	Body     string `json:"body,omitempty"`
}

// 4KB is the provider's hard cap for alert payloads.
const maxPayloadSize = 4096

func buildAlertPayload(msg Message) ([]byte, error) {
	aps := map[string]interface{}{
		"alert": alertBody{Title: msg.Title, Subtitle: msg.Subtitle, Body: msg.Body},
	}
	if msg.Badge != nil {
		aps["badge"] = *msg.Badge
	}
	if msg.Sound != "" {
		aps["sound"] = msg.Sound
	}
	if msg.Category != "" {
		aps["category"] = msg.Category
	}
	if msg.ThreadID != "" {
		aps["thread-id"] = msg.ThreadID
	}
	return marshalPayload(aps, msg.Data)
}

func buildBackgroundPayload(data map[string]interface{}) ([]byte, error) {
	return marshalPayload(map[string]interface{}{"content-available": 1}, data)
}

func marshalPayload(aps map[string]interface{}, data map[string]interface{}) ([]byte, error) {
	payload := map[string]interface{}{"aps": aps}
	for k, v := range data {
		if k == "aps" {
			continue
		}
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal push payload")
	}
	if len(body) > maxPayloadSize {
		return nil, errors.Errorf("push payload is %d bytes, limit is %d", len(body), maxPayloadSize)
	}
	return body, nil
}
