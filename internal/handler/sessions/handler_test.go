package sessions

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/model/session"
)

type storeService struct {
	store *session.MemoryStore
}

func (s storeService) Get(id string) (session.Session, error) {
	sess, ok := s.store.Get(id)
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess, nil
}

func (s storeService) List() []session.Session { return s.store.List() }

func (s storeService) Disconnect(id string) error {
	if _, ok := s.store.Remove(id); !ok {
		return session.ErrSessionNotFound
	}
	return nil
}

func setupRouter() (*chi.Mux, *session.MemoryStore) {
	store := session.NewMemoryStore()
	r := chi.NewRouter()
	New(storeService{store: store}).RegisterRoutes(r)
	return r, store
}

func TestListHidesQRImage(t *testing.T) {
	r, store := setupRouter()
	sess, _ := store.Create("client-1", "")
	_, _ = store.UpdateStatus(sess.ID, session.StatusQRReady, session.Patch{
		QRPayload: session.Ptr("1@x"),
		QRImage:   session.Ptr("data:image/png;base64,AAAA"),
	})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body []map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(body) != 1 {
		t.Fatalf("expected 1 session, got %d", len(body))
	}
	if _, ok := body[0]["qr_image"]; ok {
		t.Fatal("list must not include qr images")
	}
	if body[0]["qr_data"] != "1@x" {
		t.Fatalf("unexpected payload %v", body[0]["qr_data"])
	}
}

func TestGetAndDisconnect(t *testing.T) {
	r, store := setupRouter()
	sess, _ := store.Create("client-1", "")

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID, nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodDelete, "/sessions/"+sess.ID, nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodDelete, "/sessions/"+sess.ID, nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", resp.Code)
	}
}
