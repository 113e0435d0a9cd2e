package pairing

import (
	"time"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/model/session"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/events"
)

func qrCodeEvent(s session.Session, fallback bool, at time.Time) events.Event {
	return events.Event{
		Type:      events.TypeQRCode,
		SessionID: s.ID,
		Timestamp: at,
		Data: map[string]any{
			"session_id":    s.ID,
			"qr_data":       s.QRPayload,
			"qr_image":      s.QRImage,
			"is_real":       !s.Simulated,
			"fallback_mode": fallback,
		},
	}
}

func authenticatedEvent(s session.Session, at time.Time) events.Event {
	return events.Event{
		Type:      events.TypeAuthenticated,
		SessionID: s.ID,
		Timestamp: at,
		Data: map[string]any{
			"session_id":   s.ID,
			"phone_number": s.IdentityHint,
			"timestamp":    at.Unix(),
			"is_real":      !s.Simulated,
		},
	}
}

func qrExpiredEvent(id string, at time.Time) events.Event {
	return events.Event{
		Type:      events.TypeQRExpired,
		SessionID: id,
		Timestamp: at,
		Data:      map[string]any{"session_id": id},
	}
}

func heartbeatEvent(id string, at time.Time) events.Event {
	return events.Event{
		Type:      events.TypeHeartbeat,
		SessionID: id,
		Timestamp: at,
		Data: map[string]any{
			"session_id": id,
			"timestamp":  at.Unix(),
		},
	}
}

// DisconnectedEvent announces the end of a session.
func DisconnectedEvent(id, reason string, at time.Time) events.Event {
	return events.Event{
		Type:      events.TypeDisconnected,
		SessionID: id,
		Timestamp: at,
		Data: map[string]any{
			"session_id": id,
			"reason":     reason,
		},
	}
}

// ErrorEvent reports a failure on a session topic.
func ErrorEvent(id, message string, at time.Time) events.Event {
	return events.Event{
		Type:      events.TypeError,
		SessionID: id,
		Timestamp: at,
		Data:      map[string]any{"message": message},
	}
}

// StatusEvent snapshots a session for get_status.
func StatusEvent(s session.Session, at time.Time) events.Event {
	return events.Event{
		Type:      events.TypeStatus,
		SessionID: s.ID,
		Timestamp: at,
		Data: map[string]any{
			"session_id":    s.ID,
			"status":        s.Status,
			"authenticated": s.Authenticated,
			"created_at":    s.CreatedAt.Format(time.RFC3339),
			"phone_number":  s.IdentityHint,
		},
	}
}

// TestResultEvent wraps the outcome of RunTest.
func TestResultEvent(id string, res TestResult, at time.Time) events.Event {
	return events.Event{
		Type:      events.TypeTestResult,
		SessionID: id,
		Timestamp: at,
		Data: map[string]any{
			"session_id": id,
			"action":     res.Action,
			"success":    res.Success,
			"details":    res.Details,
		},
	}
}
