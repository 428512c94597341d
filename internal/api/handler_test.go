package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/auth"
	"github.com/lalithlochan/ledgerdesk/internal/chat"
	"github.com/lalithlochan/ledgerdesk/internal/circuitbreaker"
	"github.com/lalithlochan/ledgerdesk/internal/db"
	"github.com/lalithlochan/ledgerdesk/internal/notify"
	"github.com/lalithlochan/ledgerdesk/internal/queue"
)

var errDatabase = errors.New("database error")

// fakeNotifications is an in-memory NotificationService
type fakeNotifications struct {
	items      []db.Notification
	created    []notify.Payload
	lastLimit  int
	shouldFail bool
}

func (f *fakeNotifications) List(ctx context.Context, companyID, userID uuid.UUID, limit int) ([]db.Notification, error) {
	f.lastLimit = limit
	if f.shouldFail {
		return nil, errDatabase
	}
	return f.items, nil
}

func (f *fakeNotifications) UnreadCount(ctx context.Context, companyID, userID uuid.UUID) (int, error) {
	if f.shouldFail {
		return 0, errDatabase
	}
	n := 0
	for _, item := range f.items {
		if !item.Read {
			n++
		}
	}
	return n, nil
}

func (f *fakeNotifications) MarkAsRead(ctx context.Context, companyID, userID uuid.UUID, ids []uuid.UUID) (*notify.ReadResult, error) {
	res := &notify.ReadResult{UpdatedIDs: []uuid.UUID{}}
	for i := range f.items {
		for _, id := range ids {
			if f.items[i].ID == id && !f.items[i].Read {
				f.items[i].Read = true
				res.UpdatedIDs = append(res.UpdatedIDs, id)
			}
		}
	}
	res.UnreadCount, _ = f.UnreadCount(ctx, companyID, userID)
	return res, nil
}

func (f *fakeNotifications) Create(ctx context.Context, p notify.Payload, workflowID string) (string, error) {
	if f.shouldFail {
		return "", errDatabase
	}
	f.created = append(f.created, p)
	return "job-1", nil
}

// fakeChat is a ChatService with one channel the caller belongs to
type fakeChat struct {
	member   uuid.UUID
	channel  db.Channel
	messages []db.Message
	existing bool
}

func (f *fakeChat) authorize(userID, channelID uuid.UUID) error {
	if channelID != f.channel.ID {
		return chat.ErrChannelNotFound
	}
	if userID != f.member {
		return chat.ErrForbidden
	}
	return nil
}

func (f *fakeChat) ListChannels(ctx context.Context, companyID, userID uuid.UUID) ([]db.ChannelSummary, error) {
	return []db.ChannelSummary{{Channel: f.channel, UnreadCount: 2}}, nil
}

func (f *fakeChat) UpsertDirectMessageChannel(ctx context.Context, companyID, userID, targetID uuid.UUID) (*db.Channel, bool, error) {
	if userID == targetID {
		return nil, false, chat.ErrSelfDM
	}
	created := !f.existing
	f.existing = true
	return &f.channel, created, nil
}

func (f *fakeChat) MarkRead(ctx context.Context, companyID, userID, channelID uuid.UUID) (*chat.ChannelRead, error) {
	if err := f.authorize(userID, channelID); err != nil {
		return nil, err
	}
	return &chat.ChannelRead{ID: channelID, LastReadAt: time.Now()}, nil
}

func (f *fakeChat) GetChannelMessages(ctx context.Context, companyID, userID, channelID uuid.UUID, limit int) ([]db.Message, error) {
	if err := f.authorize(userID, channelID); err != nil {
		return nil, err
	}
	return f.messages, nil
}

func (f *fakeChat) CreateMessage(ctx context.Context, companyID, senderID uuid.UUID, in chat.SendInput) (*db.Message, error) {
	if err := f.authorize(senderID, in.ChannelID); err != nil {
		return nil, err
	}
	if in.Content == nil && in.FileURL == nil {
		return nil, chat.ErrInvalidMessage
	}
	msg := db.Message{ID: uuid.New(), ChannelID: in.ChannelID, SenderID: senderID, Content: in.Content, FileURL: in.FileURL}
	f.messages = append(f.messages, msg)
	return &msg, nil
}

type fakePreferences struct {
	prefs []db.Preference
}

func (f *fakePreferences) ListPreferences(ctx context.Context, companyID, userID uuid.UUID) ([]db.Preference, error) {
	return f.prefs, nil
}

func (f *fakePreferences) UpsertPreference(ctx context.Context, companyID, userID uuid.UUID, p *db.Preference) error {
	for i := range f.prefs {
		if f.prefs[i].NotificationType == p.NotificationType && f.prefs[i].Channel == p.Channel {
			f.prefs[i] = *p
			return nil
		}
	}
	f.prefs = append(f.prefs, *p)
	return nil
}

type fakeInspector struct {
	failed  map[string]*queue.Job
	retried []string
}

func (f *fakeInspector) Counts(ctx context.Context, name string) (map[queue.State]int64, error) {
	return map[queue.State]int64{queue.StateWaiting: 3, queue.StateFailed: int64(len(f.failed))}, nil
}

func (f *fakeInspector) ListFailed(ctx context.Context, name string, limit int) ([]*queue.Job, error) {
	out := []*queue.Job{}
	for _, j := range f.failed {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeInspector) RetryFailed(ctx context.Context, name, id string) error {
	if _, ok := f.failed[id]; !ok {
		return queue.ErrNotFound
	}
	delete(f.failed, id)
	f.retried = append(f.retried, id)
	return nil
}

func (f *fakeInspector) Get(ctx context.Context, name, id string) (*queue.Job, error) {
	return nil, queue.ErrNotFound
}

type testEnv struct {
	router        http.Handler
	caller        auth.Identity
	notifications *fakeNotifications
	chat          *fakeChat
	preferences   *fakePreferences
	inspector     *fakeInspector
}

func newTestEnv(t *testing.T, withInspector bool) *testEnv {
	t.Helper()
	caller := auth.Identity{UserID: uuid.New(), CompanyID: uuid.New()}
	env := &testEnv{
		caller:        caller,
		notifications: &fakeNotifications{},
		chat: &fakeChat{
			member:  caller.UserID,
			channel: db.Channel{ID: uuid.New(), CompanyID: caller.CompanyID, IsPrivate: true},
		},
		preferences: &fakePreferences{},
	}

	deps := Deps{
		Notifications: env.notifications,
		Chat:          env.chat,
		Preferences:   env.preferences,
		Breakers:      []*circuitbreaker.CircuitBreaker{circuitbreaker.New(circuitbreaker.Config{Name: "email"}, zap.NewNop())},
	}
	if withInspector {
		env.inspector = &fakeInspector{failed: map[string]*queue.Job{"j1": {ID: "j1", State: queue.StateFailed}}}
		deps.Inspector = env.inspector
	}

	env.router = NewHandler(zap.NewNop(), deps).Routes(RouteConfig{Authenticator: auth.HeaderAuthenticator{}})
	return env
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	return e.doAs(e.caller, method, path, body)
}

func (e *testEnv) doAs(who auth.Identity, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderUserID, who.UserID.String())
	req.Header.Set(auth.HeaderCompanyID, who.CompanyID.String())

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRoutes_RequireIdentity(t *testing.T) {
	env := newTestEnv(t, false)

	req := httptest.NewRequest("GET", "/notifications", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
}

func TestNotifications_ListAndUnread(t *testing.T) {
	env := newTestEnv(t, false)
	env.notifications.items = []db.Notification{
		{ID: uuid.New(), Title: "Payment Received"},
		{ID: uuid.New(), Title: "Invoice Paid", Read: true},
	}

	rec := env.do("GET", "/notifications?limit=500", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[struct {
		Data  []db.Notification `json:"data"`
		Limit int               `json:"limit"`
		Count int               `json:"count"`
	}](t, rec)
	if body.Count != 2 || body.Limit != notify.MaxListLimit {
		t.Errorf("unexpected page %+v", body)
	}
	if env.notifications.lastLimit != notify.MaxListLimit {
		t.Errorf("limit not clamped, got %d", env.notifications.lastLimit)
	}

	rec = env.do("GET", "/notifications/unread-count", nil)
	count := decodeBody[map[string]int](t, rec)
	if count["unreadCount"] != 1 {
		t.Errorf("expected unreadCount 1, got %v", count)
	}
}

func TestNotifications_ServiceErrorIsHidden(t *testing.T) {
	env := newTestEnv(t, false)
	env.notifications.shouldFail = true

	rec := env.do("GET", "/notifications", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	problem := decodeBody[ErrorResponse](t, rec)
	if problem.Detail != "" {
		t.Errorf("internal error detail leaked: %q", problem.Detail)
	}
}

func TestNotifications_MarkRead(t *testing.T) {
	env := newTestEnv(t, false)
	id := uuid.New()
	env.notifications.items = []db.Notification{{ID: id}}

	tests := []struct {
		name     string
		body     any
		expected int
		updated  int
	}{
		{"first call flips", MarkReadRequest{IDs: []uuid.UUID{id}}, http.StatusOK, 1},
		{"second call is a no-op", MarkReadRequest{IDs: []uuid.UUID{id}}, http.StatusOK, 0},
		{"empty ids", MarkReadRequest{IDs: []uuid.UUID{}}, http.StatusBadRequest, 0},
		{"malformed json", "{not json", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("PATCH", "/notifications/read", tt.body)
			if rec.Code != tt.expected {
				t.Fatalf("expected %d, got %d: %s", tt.expected, rec.Code, rec.Body.String())
			}
			if rec.Code != http.StatusOK {
				return
			}
			res := decodeBody[notify.ReadResult](t, rec)
			if len(res.UpdatedIDs) != tt.updated || res.UnreadCount != 0 {
				t.Errorf("unexpected result %+v", res)
			}
		})
	}
}

func TestNotifications_Create(t *testing.T) {
	env := newTestEnv(t, false)
	recipient := uuid.New()

	rec := env.do("POST", "/notifications", CreateNotificationRequest{
		UserID:           recipient,
		NotificationType: "invoice.paid",
		Title:            "Invoice Paid",
		Message:          "Invoice INV-7 was paid",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeBody[NotificationResponse](t, rec); resp.ID != "job-1" {
		t.Errorf("unexpected job id %q", resp.ID)
	}

	p := env.notifications.created[0]
	if p.CompanyID != env.caller.CompanyID {
		t.Error("company must come from the caller")
	}
	if p.UserID != recipient || p.Metadata["createdBy"] != env.caller.UserID.String() {
		t.Errorf("unexpected payload %+v", p)
	}

	rec = env.do("POST", "/notifications", CreateNotificationRequest{UserID: recipient})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing fields, got %d", rec.Code)
	}
}

func TestPreferences_Update(t *testing.T) {
	env := newTestEnv(t, false)
	off := false

	rec := env.do("PUT", "/preferences", PreferencesRequest{Preferences: []PreferenceInput{
		{NotificationType: "invoice.paid", Channel: "email", Enabled: &off},
	}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[struct {
		Data []db.Preference `json:"data"`
	}](t, rec)
	if len(body.Data) != 1 || body.Data[0].Enabled {
		t.Errorf("unexpected preferences %+v", body.Data)
	}

	rec = env.do("PUT", "/preferences", `{"preferences":[{"notificationType":"invoice.paid","channel":"email"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("enabled is required, got %d", rec.Code)
	}
	rec = env.do("PUT", "/preferences", PreferencesRequest{Preferences: []PreferenceInput{
		{NotificationType: "invoice.paid", Channel: "pager", Enabled: &off},
	}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown channel must be rejected, got %d", rec.Code)
	}
}

func TestChannels_Create(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do("POST", "/channels", CreateChannelRequest{TargetUserID: uuid.New()})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec = env.do("POST", "/channels", CreateChannelRequest{TargetUserID: uuid.New()})
	if rec.Code != http.StatusOK {
		t.Errorf("existing channel should return 200, got %d", rec.Code)
	}
	rec = env.do("POST", "/channels", CreateChannelRequest{TargetUserID: env.caller.UserID})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("self DM should return 400, got %d", rec.Code)
	}
}

func TestMessages_Routes(t *testing.T) {
	env := newTestEnv(t, false)
	channelID := env.chat.channel.ID
	hello := "hello"
	stranger := auth.Identity{UserID: uuid.New(), CompanyID: env.caller.CompanyID}

	tests := []struct {
		name     string
		who      auth.Identity
		method   string
		path     string
		body     any
		expected int
	}{
		{"send", env.caller, "POST", "/messages", SendMessageRequest{ChannelID: channelID, Content: &hello}, http.StatusCreated},
		{"send empty", env.caller, "POST", "/messages", SendMessageRequest{ChannelID: channelID}, http.StatusBadRequest},
		{"send bad file url", env.caller, "POST", "/messages", `{"channelId":"` + channelID.String() + `","fileUrl":"not a url"}`, http.StatusBadRequest},
		{"send as non-member", stranger, "POST", "/messages", SendMessageRequest{ChannelID: channelID, Content: &hello}, http.StatusForbidden},
		{"send to unknown channel", env.caller, "POST", "/messages", SendMessageRequest{ChannelID: uuid.New(), Content: &hello}, http.StatusNotFound},
		{"list", env.caller, "GET", "/messages?channelId=" + channelID.String(), nil, http.StatusOK},
		{"list without channel", env.caller, "GET", "/messages", nil, http.StatusBadRequest},
		{"list bad channel", env.caller, "GET", "/messages?channelId=abc", nil, http.StatusBadRequest},
		{"list as non-member", stranger, "GET", "/messages?channelId=" + channelID.String(), nil, http.StatusForbidden},
		{"mark read", env.caller, "POST", "/channels/" + channelID.String() + "/read", nil, http.StatusOK},
		{"mark read bad id", env.caller, "POST", "/channels/abc/read", nil, http.StatusBadRequest},
		{"list channels", env.caller, "GET", "/channels", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.doAs(tt.who, tt.method, tt.path, tt.body)
			if rec.Code != tt.expected {
				t.Errorf("expected %d, got %d: %s", tt.expected, rec.Code, rec.Body.String())
			}
		})
	}

	if len(env.chat.messages) != 1 {
		t.Errorf("expected exactly one stored message, got %d", len(env.chat.messages))
	}
}

func TestAdmin_QueueInspection(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do("GET", "/admin/queues/notifications/counts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = env.do("GET", "/admin/queues/notifications/failed", nil)
	body := decodeBody[struct {
		Count int `json:"count"`
		Limit int `json:"limit"`
	}](t, rec)
	if body.Count != 1 || body.Limit != 20 {
		t.Errorf("unexpected failed page %+v", body)
	}

	rec = env.do("POST", "/admin/queues/notifications/failed/j1/retry", nil)
	if rec.Code != http.StatusOK || len(env.inspector.retried) != 1 {
		t.Errorf("retry failed: %d %v", rec.Code, env.inspector.retried)
	}
	rec = env.do("POST", "/admin/queues/notifications/failed/j1/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second retry should be 404, got %d", rec.Code)
	}

	rec = env.do("GET", "/admin/breakers", nil)
	breakers := decodeBody[struct {
		Data []circuitbreaker.Stats `json:"data"`
	}](t, rec)
	if len(breakers.Data) != 1 || breakers.Data[0].Name != "email" {
		t.Errorf("unexpected breakers %+v", breakers.Data)
	}
}

func TestAdmin_NoInspector(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do("GET", "/admin/queues/notifications/counts", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d", rec.Code)
	}
}
