package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jotbook/realtime/internal/broker"
	"github.com/jotbook/realtime/internal/config"
	"github.com/jotbook/realtime/internal/directory"
	"github.com/jotbook/realtime/internal/middleware"
	"github.com/jotbook/realtime/internal/monitoring"
	"github.com/jotbook/realtime/internal/notification"
	"github.com/jotbook/realtime/internal/preference"
	"github.com/jotbook/realtime/internal/realtime"
	"github.com/jotbook/realtime/internal/telemetry"
)

const apiTestSecret = "api-test-secret"

func apiToken(t *testing.T, userID string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(apiTestSecret))
	require.NoError(t, err)
	return token
}

// fakeRepo is an in-memory notification.Repository enforcing the same
// conditional transitions as the Postgres one.
type fakeRepo struct {
	mu         sync.Mutex
	seq        int
	order      []string
	items      map[string]*notification.Notification
	deliveries []*notification.Delivery
	batches    map[string]*notification.Batch
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		items:   make(map[string]*notification.Notification),
		batches: make(map[string]*notification.Batch),
	}
}

func (r *fakeRepo) Create(_ context.Context, n *notification.Notification) (*notification.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.IdempotencyKey != nil {
		for _, existing := range r.items {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *n.IdempotencyKey {
				return nil, notification.ErrConflict
			}
		}
	}
	r.seq++
	stored := *n
	stored.ID = fmt.Sprintf("n-%d", r.seq)
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	r.items[stored.ID] = &stored
	r.order = append(r.order, stored.ID)
	out := stored
	return &out, nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*notification.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return nil, notification.ErrNotFound
	}
	out := *n
	return &out, nil
}

func (r *fakeRepo) GetByIdempotencyKey(_ context.Context, key string) (*notification.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.items {
		if n.IdempotencyKey != nil && *n.IdempotencyKey == key {
			out := *n
			return &out, nil
		}
	}
	return nil, notification.ErrNotFound
}

func (r *fakeRepo) MarkDelivered(_ context.Context, id, channel string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return notification.ErrNotFound
	}
	if n.Status != notification.StatusPending {
		return notification.ErrInvalidTransition
	}
	n.Status = notification.StatusDelivered
	n.Channel = channel
	n.DeliveredAt = &at
	return nil
}

func (r *fakeRepo) MarkRead(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return notification.ErrNotFound
	}
	if n.Status != notification.StatusDelivered {
		return notification.ErrInvalidTransition
	}
	n.Status = notification.StatusRead
	n.ReadAt = &at
	return nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, id string, _ time.Time) error {
	return r.terminal(id, notification.StatusFailed)
}

func (r *fakeRepo) MarkExpired(_ context.Context, id string, _ time.Time) error {
	return r.terminal(id, notification.StatusExpired)
}

func (r *fakeRepo) terminal(id string, status notification.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return notification.ErrNotFound
	}
	if n.Status != notification.StatusPending {
		return notification.ErrInvalidTransition
	}
	n.Status = status
	return nil
}

func (r *fakeRepo) CreateDelivery(_ context.Context, d *notification.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return nil
}

func (r *fakeRepo) DeliveriesFor(_ context.Context, notificationID string) ([]*notification.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*notification.Delivery
	for _, d := range r.deliveries {
		if d.NotificationID == notificationID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListByUser(_ context.Context, userID string, filter notification.ListFilter) ([]*notification.Notification, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*notification.Notification
	for _, id := range r.order {
		n := r.items[id]
		if n.UserID != userID {
			continue
		}
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		if filter.Type != "" && n.Type != filter.Type {
			continue
		}
		copied := *n
		out = append(out, &copied)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, "", nil
}

func (r *fakeRepo) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

func (r *fakeRepo) CreateBatch(_ context.Context, b *notification.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	b.ID = fmt.Sprintf("b-%d", r.seq)
	b.CreatedAt = time.Now()
	stored := *b
	r.batches[b.ID] = &stored
	return nil
}

func (r *fakeRepo) GetBatch(_ context.Context, id string) (*notification.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, notification.ErrNotFound
	}
	out := *b
	return &out, nil
}

func (r *fakeRepo) IncrementBatchStats(context.Context, string, int, int, int, int) error {
	return nil
}

// seed stores a notification directly, bypassing dispatch.
func (r *fakeRepo) seed(n notification.Notification) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	n.ID = fmt.Sprintf("n-%d", r.seq)
	r.items[n.ID] = &n
	r.order = append(r.order, n.ID)
	return n.ID
}

type fakePrefs struct {
	mu     sync.Mutex
	stored map[string]preference.Preferences
}

func (f *fakePrefs) Get(_ context.Context, userID string) (preference.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.stored[userID]; ok {
		return p, nil
	}
	return preference.Defaults(), nil
}

func (f *fakePrefs) Upsert(_ context.Context, userID string, prefs preference.Preferences) (*preference.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[userID] = prefs
	return &preference.Record{UserID: userID, Prefs: prefs, UpdatedAt: time.Now()}, nil
}

func (f *fakePrefs) Delete(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stored, userID)
	return nil
}

type sentMessage struct {
	queue string
	body  []byte
	delay time.Duration
}

type fakeQueue struct {
	mu   sync.Mutex
	seq  int
	sent []sentMessage
}

func (q *fakeQueue) Send(_ context.Context, queue string, body []byte, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.sent = append(q.sent, sentMessage{queue: queue, body: body, delay: delay})
	return fmt.Sprintf("msg-%d", q.seq), nil
}

func (q *fakeQueue) Receive(context.Context, string, int, time.Duration) ([]*broker.Message, error) {
	return nil, nil
}
func (q *fakeQueue) Ack(context.Context, *broker.Message) error         { return nil }
func (q *fakeQueue) Nack(context.Context, *broker.Message, error) error { return nil }

func (q *fakeQueue) sentTo(queue string) []sentMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []sentMessage
	for _, m := range q.sent {
		if m.queue == queue {
			out = append(out, m)
		}
	}
	return out
}

type fakeReaders struct {
	mu    sync.Mutex
	reads []string
}

func (f *fakeReaders) PublishRead(_ context.Context, _, notificationID string, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, notificationID)
}

type fakeLivePublisher struct{ accepted int }

func (f *fakeLivePublisher) PublishNotification(context.Context, string, *notification.Notification) int {
	return f.accepted
}

type ownershipStub struct{}

func (ownershipStub) OwnsEntry(context.Context, string, string) (bool, error) {
	return false, nil
}

type apiFixture struct {
	router *gin.Engine
	app    *api
	repo   *fakeRepo
	prefs  *fakePrefs
	queue  *fakeQueue
	reads  *fakeReaders
}

func apiTestConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.JWTSecret = apiTestSecret
	return cfg
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger, err := telemetry.NewLogger(nil)
	require.NoError(t, err)

	repo := newFakeRepo()
	prefs := &fakePrefs{stored: make(map[string]preference.Preferences)}
	queue := &fakeQueue{}
	reads := &fakeReaders{}

	dispatcher := notification.NewDispatcher(prefs, repo, queue, reads)
	dispatcher.RegisterSender(notification.NewLiveSender(&fakeLivePublisher{accepted: 1}))

	registry := realtime.NewRegistry(ownershipStub{}, time.Minute, logger)
	handler := realtime.NewMessageHandler(registry, nil, logger)
	auth := realtime.NewAuthenticator(apiTestSecret)
	live := realtime.NewServer(registry, handler, auth, time.Minute, 30*time.Second, logger)

	app := &api{
		dispatcher: dispatcher,
		repo:       repo,
		prefs:      prefs,
		live:       live,
		health:     monitoring.NewHealthChecker("syncd", "test"),
		metrics:    monitoring.NewMetricsCollector(),
		limiter:    middleware.NewRateLimiter(1000, 1000),
	}

	return &apiFixture{
		router: app.router(apiTestConfig()),
		app:    app,
		repo:   repo,
		prefs:  prefs,
		queue:  queue,
		reads:  reads,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestDispatchNotification(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, "POST", "/v1/notifications", apiToken(t, "svc-journal"), notification.Request{
		UserID:   "user-1",
		Type:     notification.TypeMention,
		Channels: []string{preference.ChannelInApp},
		Title:    "You were mentioned",
		Message:  "Alex mentioned you in a shared entry",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var n notification.Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &n))
	assert.Equal(t, notification.StatusDelivered, n.Status)
	assert.Equal(t, preference.ChannelInApp, n.Channel)
	assert.Len(t, f.repo.deliveries, 1)
}

func TestDispatchNotificationValidation(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, "POST", "/v1/notifications", apiToken(t, "svc-journal"), notification.Request{
		Type: notification.TypeMention,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION")
}

func TestEndpointsRequireAuth(t *testing.T) {
	f := newAPIFixture(t)

	for _, route := range []struct{ method, path string }{
		{"POST", "/v1/notifications"},
		{"GET", "/v1/notifications"},
		{"GET", "/v1/preferences"},
		{"GET", "/v1/admin/queues"},
	} {
		w := f.do(t, route.method, route.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", route.method, route.path)
	}
}

func TestBatchDispatch(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, "POST", "/v1/notifications/batch", apiToken(t, "svc-journal"), batchRequest{
		UserIDs:  []string{"user-1", "user-2", "user-3"},
		Template: notification.TypeDailyDigest,
		Options: notification.BatchOptions{
			Title:   "Your week in review",
			Message: "3 entries, 2 locations",
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var b notification.Batch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, 3, b.Total)
	assert.Len(t, f.queue.sentTo(broker.QueueJobs), 1, "three users fit one chunk")
}

func TestMarkRead(t *testing.T) {
	f := newAPIFixture(t)
	id := f.repo.seed(notification.Notification{
		UserID: "user-1",
		Type:   notification.TypeMention,
		Status: notification.StatusDelivered,
	})

	w := f.do(t, "POST", "/v1/notifications/"+id+"/read", apiToken(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var n notification.Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &n))
	assert.Equal(t, notification.StatusRead, n.Status)
	assert.Equal(t, []string{id}, f.reads.reads, "other devices are told")
}

func TestMarkReadForeignNotification(t *testing.T) {
	f := newAPIFixture(t)
	id := f.repo.seed(notification.Notification{
		UserID: "user-1",
		Status: notification.StatusDelivered,
	})

	w := f.do(t, "POST", "/v1/notifications/"+id+"/read", apiToken(t, "user-2"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.reads.reads)
}

func TestListNotifications(t *testing.T) {
	f := newAPIFixture(t)
	f.repo.seed(notification.Notification{UserID: "user-1", Type: notification.TypeMention, Status: notification.StatusDelivered})
	f.repo.seed(notification.Notification{UserID: "user-1", Type: notification.TypeSystem, Status: notification.StatusPending})
	f.repo.seed(notification.Notification{UserID: "user-2", Type: notification.TypeMention, Status: notification.StatusDelivered})

	w := f.do(t, "GET", "/v1/notifications", apiToken(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Notifications []*notification.Notification `json:"notifications"`
		NextCursor    string                       `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Notifications, 2, "only the caller's notifications")

	w = f.do(t, "GET", "/v1/notifications?limit=bogus", apiToken(t, "user-1"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreferencesRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	token := apiToken(t, "user-1")

	prefs := preference.Defaults()
	prefs.SMS = preference.ChannelPreference{Enabled: true, PhoneNumber: "+15550100"}

	w := f.do(t, "PUT", "/v1/preferences", token, prefs)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, "GET", "/v1/preferences", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got preference.Preferences
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.SMS.Enabled)
	assert.Equal(t, "+15550100", got.SMS.PhoneNumber)
}

func TestPreferencesValidation(t *testing.T) {
	f := newAPIFixture(t)

	prefs := preference.Defaults()
	prefs.QuietHours = preference.QuietHours{
		Enabled: true,
		Windows: []preference.QuietWindow{{Day: 9, Start: "22:00", End: "07:00"}},
	}

	w := f.do(t, "PUT", "/v1/preferences", apiToken(t, "user-1"), prefs)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION")
}

func snapshotRows(userID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"entity_kind", "entity_id", "user_id", "payload", "updated_at"}).
		AddRow("entry", "entry-1", userID, []byte(`{"title":"Lisbon"}`), time.Now())
}

func TestGetEntitySnapshot(t *testing.T) {
	f := newAPIFixture(t)
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	f.app.entities = directory.NewEntityStore(db)

	mock.ExpectQuery("SELECT entity_kind, entity_id, user_id, payload, updated_at").
		WithArgs("entry", "entry-1").
		WillReturnRows(snapshotRows("user-1"))

	w := f.do(t, "GET", "/v1/entities/entry/entry-1", apiToken(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "Lisbon")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntitySnapshotForeignUser(t *testing.T) {
	f := newAPIFixture(t)
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	f.app.entities = directory.NewEntityStore(db)

	mock.ExpectQuery("SELECT entity_kind, entity_id, user_id, payload, updated_at").
		WithArgs("entry", "entry-1").
		WillReturnRows(snapshotRows("someone-else"))

	w := f.do(t, "GET", "/v1/entities/entry/entry-1", apiToken(t, "user-1"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "foreign entities look like missing ones")
}

func TestQueueAdmin(t *testing.T) {
	f := newAPIFixture(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f.app.queue = broker.New(client, "test-queue")

	_, err := f.app.queue.Send(context.Background(), broker.QueueEmail, []byte(`{"k":"v"}`), 0)
	require.NoError(t, err)

	w := f.do(t, "GET", "/v1/admin/queues", apiToken(t, "svc-ops"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), broker.QueueEmail)

	w = f.do(t, "POST", "/v1/admin/dead-letters/replay", apiToken(t, "svc-ops"), replayRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
