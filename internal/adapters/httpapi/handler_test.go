package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/testutil"
	"github.com/egv/ezra/internal/usecase/channels"
	"github.com/egv/ezra/internal/usecase/dedup"
	"github.com/egv/ezra/internal/usecase/ingest"
	"github.com/egv/ezra/internal/usecase/schedule"
	"github.com/egv/ezra/internal/usecase/subscriptions"
)

const token = "s3cret"

type stubDigests struct {
	digests map[string]domain.Digest
	outcome schedule.Outcome
	err     error
	ctxErr  error
}

func (s *stubDigests) Latest(context.Context) (domain.Digest, error) {
	var latest domain.Digest
	for _, d := range s.digests {
		if d.Date.After(latest.Date) {
			latest = d
		}
	}
	if latest.Date.IsZero() {
		return domain.Digest{}, domain.ErrNotFound
	}
	return latest, nil
}

func (s *stubDigests) Get(_ context.Context, date time.Time) (domain.Digest, error) {
	d, ok := s.digests[domain.FormatDate(date)]
	if !ok {
		return domain.Digest{}, domain.ErrNotFound
	}
	return d, nil
}

func (s *stubDigests) Regenerate(ctx context.Context, date time.Time) (schedule.Outcome, error) {
	s.ctxErr = ctx.Err()
	out := s.outcome
	out.Date = date
	return out, s.err
}

type apiFixture struct {
	server  *httptest.Server
	digests *stubDigests
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	store := testutil.NewStore(t)
	testutil.AddChannel(t, store, -1001, "Новости", "news")
	digests := &stubDigests{digests: map[string]domain.Digest{}}
	h := NewHandler(
		ingest.NewService(store, store, dedup.New(store), time.UTC, zerolog.Nop()),
		digests,
		channels.NewService(store, nil, zerolog.Nop()),
		subscriptions.NewService(store, zerolog.Nop()),
		zerolog.Nop(),
	)
	r := chi.NewRouter()
	h.Mount(r, token)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiFixture{server: srv, digests: digests}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRequiresToken(t *testing.T) {
	f := newAPI(t)
	resp, err := http.Get(f.server.URL + "/api/v1/channels")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/channels", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPostMessage(t *testing.T) {
	f := newAPI(t)
	body := `{"channel_id":-1001,"external_id":5,"text":"Курс вырос","received_at":"2024-03-10T09:00:00Z"}`

	resp, out := f.do(t, http.MethodPost, "/api/v1/messages", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "stored", out["outcome"])
	assert.Equal(t, "2024-03-10", out["window"])

	resp, out = f.do(t, http.MethodPost, "/api/v1/messages", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate_external_id", out["outcome"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/messages", `{"channel_id":-1001,"external_id":6,"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/messages", `{"channel_id":-2002,"external_id":1,"text":"текст"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/messages", `не json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDigestRoutes(t *testing.T) {
	f := newAPI(t)
	resp, _ := f.do(t, http.MethodGet, "/api/v1/digests/latest", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	date := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	f.digests.digests["2024-03-10"] = domain.Digest{Date: date, Status: domain.DigestDelivered, Generation: 2, Text: "итог"}

	resp, out := f.do(t, http.MethodGet, "/api/v1/digests/latest", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2024-03-10", out["date"])
	assert.Equal(t, "delivered", out["status"])
	assert.EqualValues(t, 2, out["generation"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/digests/2024-03-09", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/digests/вчера", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegenerateRoute(t *testing.T) {
	f := newAPI(t)
	f.digests.outcome = schedule.Outcome{Generation: 3, Status: domain.DigestDelivered, Report: domain.DeliveryReport{Total: 2, Sent: 2}}

	resp, out := f.do(t, http.MethodPost, "/api/v1/digests/2024-03-10/regenerate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "delivered", out["status"])
	assert.EqualValues(t, 2, out["sent"])

	f.digests.outcome = schedule.Outcome{Generation: 4, Status: domain.DigestFailed}
	f.digests.err = domain.ErrCompilationFailed
	resp, out = f.do(t, http.MethodPost, "/api/v1/digests/2024-03-10/regenerate", "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "failed", out["status"])
	assert.NotEmpty(t, out["error"])

	f.digests.err = domain.ErrStaleGeneration
	resp, _ = f.do(t, http.MethodPost, "/api/v1/digests/2024-03-10/regenerate", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestChannelRoutes(t *testing.T) {
	f := newAPI(t)
	resp, out := f.do(t, http.MethodPost, "/api/v1/channels", `{"ref":"-1002"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, -1002, out["id"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/channels", `{"ref":"@newsfeed"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "без резолвера алиас не разрешить")
	resp, _ = f.do(t, http.MethodPost, "/api/v1/channels", `{"ref":"@x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/channels", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var list []channelResponse
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	listResp.Body.Close()
	assert.Len(t, list, 2)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/channels/-1002", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/channels/-1002", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/channels/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscriberRoutes(t *testing.T) {
	f := newAPI(t)
	resp, out := f.do(t, http.MethodPut, "/api/v1/subscribers/77", `{"username":"@reader"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reader", out["username"])
	assert.Equal(t, true, out["active"])

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/subscribers/77", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/subscribers/77", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/subscribers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list []subscriberResponse
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)
}

func TestRegenerateSurvivesClientDisconnect(t *testing.T) {
	digests := &stubDigests{outcome: schedule.Outcome{Generation: 2, Status: domain.DigestDelivered}}
	r := chi.NewRouter()
	NewHandler(nil, digests, nil, nil, zerolog.Nop()).Mount(r, token)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/digests/2024-03-10/regenerate", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, digests.ctxErr, "перегенерация не должна наследовать отмену запроса")
}
