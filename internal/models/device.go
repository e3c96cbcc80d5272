package models

import "time"

type DevicePlatform string

const (
	DevicePlatformIOS DevicePlatform = "ios"
	DevicePlatformWeb DevicePlatform = "web"
)

// SupportsNativePush reports whether the platform receives durable
// provider push, as opposed to only in-app realtime delivery.
func (p DevicePlatform) SupportsNativePush() bool {
	return p == DevicePlatformIOS
}

// Device is a registered delivery endpoint for one user. The push token
// is unique per device; once the provider reports it permanently
// invalid the token is cleared and the row disabled, and the token is
// never reused.
type Device struct {
	ID        string         `json:"id" db:"id"`
	UserID    string         `json:"user_id" db:"user_id"`
	Platform  DevicePlatform `json:"platform" db:"platform"`
	Model     string         `json:"model,omitempty" db:"model"`
	PushToken *string        `json:"-" db:"push_token"`
	Enabled   bool           `json:"enabled" db:"enabled"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}
