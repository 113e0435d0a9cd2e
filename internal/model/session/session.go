package session

import "time"

// Status 描述配对会话所处的生命周期阶段。
type Status string

const (
	StatusPending       Status = "pending"
	StatusConnecting    Status = "connecting"
	StatusQRReady       Status = "qr_ready"
	StatusAuthenticated Status = "authenticated"
	StatusQRExpired     Status = "qr_expired"
	StatusDisconnected  Status = "disconnected"
)

// HoldsDriver reports whether a browser driver may be attached in this status.
// qr_expired is included: the page stays open while it is refreshed.
func (s Status) HoldsDriver() bool {
	switch s {
	case StatusConnecting, StatusQRReady, StatusQRExpired, StatusAuthenticated:
		return true
	default:
		return false
	}
}

// Session captures one QR pairing attempt owned by a realtime connection.
type Session struct {
	ID            string    `json:"session_id"`
	ClientID      string    `json:"client_id"`
	OwnerKey      string    `json:"owner_key,omitempty"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	QRPayload     string    `json:"qr_data,omitempty"`
	QRImage       string    `json:"qr_image,omitempty"`
	Authenticated bool      `json:"authenticated"`
	IdentityHint  string    `json:"phone_number,omitempty"`
	Simulated     bool      `json:"simulated"`
	DriverActive  bool      `json:"driver_active"`
}

// Patch lists the optional field updates applied together with a status change.
// Nil fields are left untouched.
type Patch struct {
	QRPayload    *string
	QRImage      *string
	IdentityHint *string
	Simulated    *bool
	DriverActive *bool
}

// Ptr returns a pointer to v, handy when building a Patch.
func Ptr[T any](v T) *T {
	return &v
}

// Stats 汇总各状态的会话数量。
type Stats struct {
	Total         int `json:"total_sessions"`
	Authenticated int `json:"authenticated"`
	Pending       int `json:"pending"`
	QRReady       int `json:"qr_ready"`
	Connecting    int `json:"connecting"`
}
