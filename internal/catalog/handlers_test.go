package catalog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/deltayeb/iofteoi/internal/auth"
	"github.com/deltayeb/iofteoi/internal/store"
)

type fakeStore struct {
	protocols map[string]store.Protocol
	nextID    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{protocols: map[string]store.Protocol{}}
}

func (f *fakeStore) CreateProtocol(ctx context.Context, p store.Protocol) (store.Protocol, error) {
	for _, existing := range f.protocols {
		if existing.PublisherID == p.PublisherID && existing.Name == p.Name && existing.Version == p.Version {
			return store.Protocol{}, store.ErrProtocolExists
		}
	}
	f.nextID++
	p.ID = "proto-" + strconv.Itoa(f.nextID)
	p.CreatedAt = time.Now()
	f.protocols[p.ID] = p
	return p, nil
}

func (f *fakeStore) GetProtocol(ctx context.Context, id string) (store.Protocol, error) {
	p, ok := f.protocols[id]
	if !ok {
		return store.Protocol{}, store.ErrProtocolNotFound
	}
	return p, nil
}

func (f *fakeStore) SearchProtocols(ctx context.Context, q string, limit, offset int) ([]store.Protocol, error) {
	var out []store.Protocol
	for _, p := range f.protocols {
		if p.Status != store.ProtocolActive {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(q)) &&
			!strings.Contains(strings.ToLower(p.Description), strings.ToLower(q)) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvocationCount > out[j].InvocationCount })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) DeprecateProtocol(ctx context.Context, id, reason string, now time.Time) (time.Time, error) {
	p := f.protocols[id]
	sunset := now.Add(deprecationSunset)
	p.Status = store.ProtocolDeprecated
	p.DeprecatedAt = &now
	p.DeprecationReason = &reason
	p.SunsetDate = &sunset
	f.protocols[id] = p
	return sunset, nil
}

func (f *fakeStore) Leaderboard(ctx context.Context, minInvocations int64, limit, offset int) ([]store.Protocol, error) {
	var out []store.Protocol
	for _, p := range f.protocols {
		if p.Status == store.ProtocolActive && p.InvocationCount >= minInvocations {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := successRate(out[i]), successRate(out[j])
		if ri != rj {
			return ri > rj
		}
		if out[i].InvocationCount != out[j].InvocationCount {
			return out[i].InvocationCount > out[j].InvocationCount
		}
		return out[i].PriceCents < out[j].PriceCents
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestRouter(f *fakeStore, accountID string) *chi.Mux {
	h := NewHandler(f, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithAccountID(req.Context(), accountID)))
		})
	})
	h.Routes(r)
	return r
}

const validPublishBody = `{
	"name": "summarize",
	"version": "1.0.0",
	"description": "Summarizes long documents into short concise abstracts",
	"handlerUrl": "https://handlers.example.com/summarize",
	"pricePerInvocationCents": 100
}`

func TestPublish(t *testing.T) {
	f := newFakeStore()
	r := newTestRouter(f, "pub-1")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/protocols", strings.NewReader(validPublishBody)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		Protocol store.Protocol `json:"protocol"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Protocol.PublisherID != "pub-1" || resp.Protocol.Status != store.ProtocolActive {
		t.Errorf("protocol = %+v", resp.Protocol)
	}

	// Same publisher, same (name, version) again.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/protocols", strings.NewReader(validPublishBody)))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}
}

func TestPublishValidation(t *testing.T) {
	f := newFakeStore()
	r := newTestRouter(f, "pub-1")

	mutate := func(field string, value any) string {
		var body map[string]any
		json.Unmarshal([]byte(validPublishBody), &body)
		body[field] = value
		b, _ := json.Marshal(body)
		return string(b)
	}

	cases := []struct {
		name string
		body string
	}{
		{"empty name", mutate("name", "")},
		{"long name", mutate("name", strings.Repeat("x", 101))},
		{"long version", mutate("version", strings.Repeat("9", 21))},
		{"six word description", mutate("description", "one two three four five six")},
		{"eight word description", mutate("description", "one two three four five six seven eight")},
		{"too many keywords", mutate("keywords", []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"})},
		{"zero price", mutate("pricePerInvocationCents", 0)},
		{"bad handler url", mutate("handlerUrl", "not a url")},
		{"ftp handler url", mutate("handlerUrl", "ftp://example.com/x")},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("POST", "/protocols", strings.NewReader(tc.body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400 (body %s)", tc.name, rec.Code, rec.Body)
		}
	}
}

func TestSearchFiltersAndOrders(t *testing.T) {
	f := newFakeStore()
	f.protocols["a"] = store.Protocol{ID: "a", Name: "summarize", Status: store.ProtocolActive, InvocationCount: 5}
	f.protocols["b"] = store.Protocol{ID: "b", Name: "summarize-pro", Status: store.ProtocolActive, InvocationCount: 50}
	f.protocols["c"] = store.Protocol{ID: "c", Name: "translate", Status: store.ProtocolActive}
	f.protocols["d"] = store.Protocol{ID: "d", Name: "summarize-old", Status: store.ProtocolDeprecated, InvocationCount: 500}
	r := newTestRouter(f, "pub-1")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/protocols?q=summarize", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Protocols []store.Protocol `json:"protocols"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Protocols) != 2 {
		t.Fatalf("got %d protocols, want 2 (deprecated excluded)", len(resp.Protocols))
	}
	if resp.Protocols[0].ID != "b" {
		t.Errorf("first result = %s, want most-invoked first", resp.Protocols[0].ID)
	}
}

func TestGetIncludesSuccessRate(t *testing.T) {
	f := newFakeStore()
	f.protocols["a"] = store.Protocol{ID: "a", Status: store.ProtocolActive, InvocationCount: 4, SuccessCount: 3}
	r := newTestRouter(f, "pub-1")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/protocols/a", nil))
	var resp struct {
		SuccessRate float64 `json:"successRate"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.SuccessRate != 0.75 {
		t.Errorf("successRate = %v, want 0.75", resp.SuccessRate)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/protocols/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing protocol status = %d, want 404", rec.Code)
	}
}

func TestDeprecate(t *testing.T) {
	f := newFakeStore()
	f.protocols["a"] = store.Protocol{ID: "a", PublisherID: "pub-1", Status: store.ProtocolActive}

	t.Run("publisher deprecates", func(t *testing.T) {
		r := newTestRouter(f, "pub-1")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("PATCH", "/protocols/a", strings.NewReader(`{"reason":"superseded"}`)))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
		}
		p := f.protocols["a"]
		if p.Status != store.ProtocolDeprecated || p.SunsetDate == nil {
			t.Fatalf("protocol = %+v", p)
		}
		if got := p.SunsetDate.Sub(*p.DeprecatedAt); got != deprecationSunset {
			t.Errorf("sunset window = %v, want %v", got, deprecationSunset)
		}
	})

	t.Run("already deprecated", func(t *testing.T) {
		r := newTestRouter(f, "pub-1")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("PATCH", "/protocols/a", strings.NewReader(`{}`)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("non-publisher forbidden", func(t *testing.T) {
		f.protocols["b"] = store.Protocol{ID: "b", PublisherID: "pub-1", Status: store.ProtocolActive}
		r := newTestRouter(f, "someone-else")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("PATCH", "/protocols/b", strings.NewReader(`{}`)))
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})
}

func TestStatsPublisherOnly(t *testing.T) {
	f := newFakeStore()
	f.protocols["a"] = store.Protocol{
		ID: "a", PublisherID: "pub-1", Status: store.ProtocolActive,
		InvocationCount: 10, SuccessCount: 8, FailureCount: 2, RefundCount: 2,
	}

	r := newTestRouter(f, "pub-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/protocols/a/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		SuccessRate float64 `json:"successRate"`
		RefundRate  float64 `json:"refundRate"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.SuccessRate != 0.8 || resp.RefundRate != 0.25 {
		t.Errorf("rates = (%v, %v), want (0.8, 0.25)", resp.SuccessRate, resp.RefundRate)
	}

	r = newTestRouter(f, "someone-else")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/protocols/a/stats", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestLeaderboard(t *testing.T) {
	f := newFakeStore()
	f.protocols["low"] = store.Protocol{ID: "low", Status: store.ProtocolActive, InvocationCount: 49, SuccessCount: 49}
	f.protocols["good"] = store.Protocol{ID: "good", Status: store.ProtocolActive, InvocationCount: 100, SuccessCount: 90}
	f.protocols["best"] = store.Protocol{ID: "best", Status: store.ProtocolActive, InvocationCount: 60, SuccessCount: 59}
	r := newTestRouter(f, "pub-1")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/leaderboard", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Leaderboard []struct {
			Rank     int            `json:"rank"`
			Protocol store.Protocol `json:"protocol"`
		} `json:"leaderboard"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Leaderboard) != 2 {
		t.Fatalf("got %d entries, want 2 (below-volume excluded)", len(resp.Leaderboard))
	}
	if resp.Leaderboard[0].Protocol.ID != "best" || resp.Leaderboard[0].Rank != 1 {
		t.Errorf("first entry = %s rank %d, want best rank 1",
			resp.Leaderboard[0].Protocol.ID, resp.Leaderboard[0].Rank)
	}
}
