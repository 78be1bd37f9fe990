package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stridesync/internal/domain"
	"stridesync/internal/ratelimit"
)

const testUser int64 = 7

type memCreds struct {
	mu      sync.Mutex
	creds   map[int64]domain.Credentials
	updates int
}

func newMemCreds(c domain.Credentials) *memCreds {
	return &memCreds{creds: map[int64]domain.Credentials{c.UserID: c}}
}

func (m *memCreds) GetUserCredentials(_ context.Context, userID int64) (domain.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[userID]
	if !ok {
		return domain.Credentials{}, errors.New("no credentials")
	}
	return c, nil
}

func (m *memCreds) UpdateUserCredentials(_ context.Context, userID int64, access, refresh string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	m.creds[userID] = domain.Credentials{UserID: userID, AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}
	return nil
}

func (m *memCreds) get(userID int64) domain.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[userID]
}

// fakeProvider is a chi router standing in for the fitness API. Only "Bearer <validToken>"
// is accepted on resource routes.
type fakeProvider struct {
	srv        *httptest.Server
	validToken atomic.Value
	apiCalls   atomic.Int32
	refreshes  atomic.Int32
	newToken   string
	tokenDelay atomic.Int64
	tokenCode  atomic.Int32
	lastQuery  atomic.Value
	lastBody   atomic.Value

	handler atomic.Value
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{newToken: "fresh-token"}
	fp.validToken.Store("valid-token")

	r := chi.NewRouter()
	r.Post("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		fp.refreshes.Add(1)
		if d := time.Duration(fp.tokenDelay.Load()); d > 0 {
			time.Sleep(d)
		}
		if code := fp.tokenCode.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		fp.validToken.Store(fp.newToken)
		writeTestJSON(w, http.StatusOK, map[string]any{
			"access_token":  fp.newToken,
			"refresh_token": "rotated-refresh",
			"expires_at":    time.Now().Add(6 * time.Hour).Unix(),
		})
	})
	r.HandleFunc("/api/v3/*", func(w http.ResponseWriter, r *http.Request) {
		fp.apiCalls.Add(1)
		fp.lastQuery.Store(r.URL.RawQuery)
		if r.Body != nil {
			b, _ := io.ReadAll(r.Body)
			fp.lastBody.Store(b)
		}
		if r.Header.Get("Authorization") != "Bearer "+fp.validToken.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fp.handler.Load().(http.HandlerFunc)(w, r)
	})

	fp.srv = httptest.NewServer(r)
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) setHandler(h http.HandlerFunc) { fp.handler.Store(h) }

func writeTestJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, fp *fakeProvider, creds *memCreds) (*Client, *ratelimit.Limiter) {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Config{}, nil)
	c := NewClient(Config{
		BaseURL:      fp.srv.URL + "/api/v3",
		TokenURL:     fp.srv.URL + "/oauth/token",
		ClientID:     "id",
		ClientSecret: "secret",
		Timeout:      5 * time.Second,
	}, creds, limiter)
	return c, limiter
}

func validCreds() *memCreds {
	return newMemCreds(domain.Credentials{UserID: testUser, AccessToken: "valid-token", RefreshToken: "refresh"})
}

func TestListActivitiesSendsPagingParams(t *testing.T) {
	fp := newFakeProvider(t)
	start := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	fp.setHandler(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/athlete/activities", r.URL.Path)
		writeTestJSON(w, http.StatusOK, []domain.Activity{
			{ID: 101, Name: "Morning Run", SportType: "Run", StartDate: start},
			{ID: 102, Name: "Ride", SportType: "Ride", StartDate: start.Add(time.Hour)},
		})
	})
	c, _ := newTestClient(t, fp, validCreds())

	after := time.Unix(1700000000, 0)
	acts, err := c.ListActivities(context.Background(), testUser, 2, 50, &after)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, int64(101), acts[0].ID)
	assert.Equal(t, "Morning Run", acts[0].Name)
	assert.True(t, start.Equal(acts[0].StartDate))

	q := fp.lastQuery.Load().(string)
	assert.Contains(t, q, "page=2")
	assert.Contains(t, q, "per_page=50")
	assert.Contains(t, q, "after=1700000000")
}

func TestRateLimitHeadersRecordedOn429(t *testing.T) {
	fp := newFakeProvider(t)
	fp.setHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderRateLimitLimit, "100,1000")
		w.Header().Set(HeaderRateLimitUsage, "42,420")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c, limiter := newTestClient(t, fp, validCreds())

	_, err := c.ListActivities(context.Background(), testUser, 1, 50, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	st := limiter.State()
	assert.Equal(t, 42, st.ShortWindowUsage)
	assert.Equal(t, 100, st.ShortWindowLimit)
	assert.Equal(t, 420, st.LongWindowUsage)
	assert.Equal(t, 1000, st.LongWindowLimit)
	assert.True(t, st.IsPaused)
	assert.True(t, limiter.IsRateLimited())
}

func TestUsageThresholdBlocksNextCall(t *testing.T) {
	fp := newFakeProvider(t)
	fp.setHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderRateLimitLimit, "100,1000")
		w.Header().Set(HeaderRateLimitUsage, "85,100")
		writeTestJSON(w, http.StatusOK, []domain.Activity{})
	})
	c, limiter := newTestClient(t, fp, validCreds())

	_, err := c.ListActivities(context.Background(), testUser, 1, 50, nil)
	require.NoError(t, err)
	require.True(t, limiter.IsRateLimited())

	_, err = c.ListActivities(context.Background(), testUser, 2, 50, nil)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, int32(1), fp.apiCalls.Load(), "paused client must not dispatch")
}

func TestConcurrentUnauthorizedRefreshesOnce(t *testing.T) {
	fp := newFakeProvider(t)
	fp.validToken.Store("server-rotated")
	fp.tokenDelay.Store(int64(50 * time.Millisecond))
	fp.setHandler(func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, []domain.Activity{})
	})
	creds := validCreds()
	c, _ := newTestClient(t, fp, creds)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.ListActivities(context.Background(), testUser, 1, 50, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), fp.refreshes.Load())
	assert.Equal(t, 1, creds.updates)
	assert.Equal(t, "fresh-token", creds.get(testUser).AccessToken)
	assert.Equal(t, "rotated-refresh", creds.get(testUser).RefreshToken)
}

func TestRefreshRateLimitPausesClient(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenCode.Store(http.StatusTooManyRequests)
	fp.setHandler(func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, []domain.Activity{})
	})
	creds := newMemCreds(domain.Credentials{
		UserID:       testUser,
		AccessToken:  "about-to-expire",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(10 * time.Second),
	})
	c, limiter := newTestClient(t, fp, creds)

	_, err := c.ListActivities(context.Background(), testUser, 1, 50, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.True(t, limiter.IsRateLimited())
	assert.Zero(t, fp.apiCalls.Load())
	assert.Zero(t, creds.updates)

	_, err = c.ListActivities(context.Background(), testUser, 1, 50, nil)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, int32(1), fp.refreshes.Load(), "paused client does not retry the exchange")
}

func TestCancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	fp := newFakeProvider(t)
	fp.validToken.Store("server-rotated")
	fp.tokenDelay.Store(int64(300 * time.Millisecond))
	fp.setHandler(func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, []domain.Activity{})
	})
	creds := validCreds()
	c, _ := newTestClient(t, fp, creds)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := c.ListActivities(ctxA, testUser, 1, 50, nil)
		errA <- err
	}()
	require.Eventually(t, func() bool { return fp.refreshes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting for the refresh")
	}

	_, err := c.ListActivities(context.Background(), testUser, 1, 50, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fp.refreshes.Load())
	assert.Equal(t, 1, creds.updates)
	assert.Equal(t, "fresh-token", creds.get(testUser).AccessToken)
}

func TestSecondUnauthorizedFails(t *testing.T) {
	fp := newFakeProvider(t)
	fp.setHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c, _ := newTestClient(t, fp, validCreds())

	_, err := c.ListActivities(context.Background(), testUser, 1, 50, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, int32(1), fp.refreshes.Load())
	assert.Equal(t, int32(2), fp.apiCalls.Load())
}

func TestExpiringCredentialsRefreshedBeforeCall(t *testing.T) {
	fp := newFakeProvider(t)
	fp.validToken.Store("fresh-token")
	fp.setHandler(func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, []domain.Activity{})
	})
	creds := newMemCreds(domain.Credentials{
		UserID:       testUser,
		AccessToken:  "about-to-expire",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(30 * time.Second),
	})
	c, _ := newTestClient(t, fp, creds)

	_, err := c.ListActivities(context.Background(), testUser, 1, 50, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fp.refreshes.Load())
	assert.Equal(t, int32(1), fp.apiCalls.Load(), "no 401 round trip")
}

func TestDetailNotFoundIsUnavailable(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			fp := newFakeProvider(t)
			fp.setHandler(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			})
			c, _ := newTestClient(t, fp, validCreds())

			_, err := c.GetActivityStreams(context.Background(), testUser, 101)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrResourceUnavailable))
			assert.Equal(t, status, StatusCode(err))
			assert.False(t, IsTransient(err))
		})
	}
}

func TestDetailReturnsRawPayload(t *testing.T) {
	fp := newFakeProvider(t)
	fp.setHandler(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/activities/101/laps", r.URL.Path)
		w.Write([]byte(`[{"lap_index":1,"distance":1000}]`))
	})
	c, _ := newTestClient(t, fp, validCreds())

	data, err := c.GetActivityLaps(context.Background(), testUser, 101)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"lap_index":1,"distance":1000}]`, string(data))
}

func TestServerErrorIsTransientAPIError(t *testing.T) {
	fp := newFakeProvider(t)
	fp.setHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	})
	c, limiter := newTestClient(t, fp, validCreds())

	_, err := c.GetActivityStreams(context.Background(), testUser, 101)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.False(t, errors.Is(err, ErrResourceUnavailable))
	assert.True(t, IsTransient(err))
	assert.False(t, limiter.IsRateLimited())
}

func TestUpdateActivitySendsPatch(t *testing.T) {
	fp := newFakeProvider(t)
	fp.setHandler(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		writeTestJSON(w, http.StatusOK, domain.Activity{ID: 101, Name: "Renamed"})
	})
	c, _ := newTestClient(t, fp, validCreds())

	a, err := c.UpdateActivity(context.Background(), testUser, 101, map[string]any{"name": "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", a.Name)
	assert.JSONEq(t, `{"name":"Renamed"}`, string(fp.lastBody.Load().([]byte)))
}

func TestParseWindowPair(t *testing.T) {
	tests := []struct {
		in          string
		short, long int
		ok          bool
	}{
		{"200,2000", 200, 2000, true},
		{" 15 , 300 ", 15, 300, true},
		{"", 0, 0, false},
		{"200", 0, 0, false},
		{"a,b", 0, 0, false},
		{"1,2,3", 0, 0, false},
	}
	for _, tt := range tests {
		short, long, ok := parseWindowPair(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.short, short, tt.in)
		assert.Equal(t, tt.long, long, tt.in)
	}
}
