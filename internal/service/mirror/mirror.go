package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/model/session"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/events"
)

// Bucket mirrors the panel's whatsapp_web_sessions table.
const Bucket = "whatsapp_web_sessions"

var ErrClosed = errors.New("mirror: closed")

// Record is the panel-facing view of the latest session of an owner.
type Record struct {
	OwnerKey       string     `json:"nombre_nora"`
	SessionID      string     `json:"session_id"`
	QRCode         string     `json:"qr_code,omitempty"`
	Status         string     `json:"estado"`
	GeneratedAt    time.Time  `json:"fecha_generacion"`
	DisconnectedAt *time.Time `json:"fecha_desconexion,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Lookup resolves a live session.
type Lookup func(id string) (session.Session, bool)

// Mirror keeps a bbolt snapshot of session state keyed by owner key. It is
// fed from the event bus and never read back by the pairing flow.
type Mirror struct {
	db     *bbolt.DB
	lookup Lookup
	queue  chan events.Event
	done   chan struct{}

	mu     sync.Mutex
	owners map[string]string
	closed bool
}

// Open creates or opens the bbolt file at path.
func Open(path string, lookup Lookup) (*Mirror, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open mirror db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(Bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create mirror bucket: %w", err)
	}

	m := &Mirror{
		db:     db,
		lookup: lookup,
		queue:  make(chan events.Event, 256),
		done:   make(chan struct{}),
		owners: make(map[string]string),
	}
	go m.loop()
	return m, nil
}

// Handle enqueues evt. It never blocks; events are dropped when the writer
// falls behind.
func (m *Mirror) Handle(evt events.Event) {
	switch evt.Type {
	case events.TypeQRCode, events.TypeAuthenticated, events.TypeQRExpired, events.TypeDisconnected:
	default:
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	// 断开事件发布时会话已从 store 中移除，这里提前记下 owner。
	if _, known := m.owners[evt.SessionID]; !known && m.lookup != nil {
		if sess, ok := m.lookup(evt.SessionID); ok && sess.OwnerKey != "" {
			m.owners[evt.SessionID] = sess.OwnerKey
		}
	}
	select {
	case m.queue <- evt:
	default:
		zap.L().Warn("mirror: queue full, dropping event",
			zap.String("session_id", evt.SessionID),
			zap.String("type", string(evt.Type)))
	}
}

func (m *Mirror) loop() {
	defer close(m.done)
	for evt := range m.queue {
		if err := m.apply(evt); err != nil {
			zap.L().Error("mirror: write failed", zap.String("session_id", evt.SessionID), zap.Error(err))
		}
	}
}

func (m *Mirror) apply(evt events.Event) error {
	m.mu.Lock()
	owner := m.owners[evt.SessionID]
	if evt.Type == events.TypeDisconnected {
		delete(m.owners, evt.SessionID)
	}
	m.mu.Unlock()
	if owner == "" {
		return nil
	}

	at := evt.Timestamp.UTC()
	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(Bucket))
		rec := Record{OwnerKey: owner}
		if raw := bucket.Get([]byte(owner)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
		}

		if rec.SessionID != evt.SessionID {
			// a newer session for this owner replaces the old row
			if evt.Type == events.TypeDisconnected && rec.SessionID != "" {
				return nil
			}
			rec = Record{OwnerKey: owner, SessionID: evt.SessionID, GeneratedAt: at}
		}

		switch evt.Type {
		case events.TypeQRCode:
			image, _ := evt.Data["qr_image"].(string)
			rec.QRCode = image
			rec.Status = string(session.StatusQRReady)
			rec.GeneratedAt = at
			rec.DisconnectedAt = nil
		case events.TypeAuthenticated:
			rec.Status = string(session.StatusAuthenticated)
		case events.TypeQRExpired:
			rec.QRCode = ""
			rec.Status = string(session.StatusQRExpired)
		case events.TypeDisconnected:
			rec.Status = string(session.StatusDisconnected)
			rec.DisconnectedAt = &at
		}
		rec.UpdatedAt = at

		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(owner), raw)
	})
}

// Get returns the record of owner.
func (m *Mirror) Get(owner string) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := m.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(Bucket)).Get([]byte(owner))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return Record{}, false, ErrClosed
		}
		return Record{}, false, err
	}
	return rec, found, nil
}

// Close drains pending writes and closes the database.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	<-m.done
	return m.db.Close()
}
