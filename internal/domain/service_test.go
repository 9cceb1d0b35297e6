package domain_test

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/blackmichael/activity-feeds/internal/domain"
	"github.com/blackmichael/activity-feeds/internal/validation"
)

// =====================================================
// Fakes
// =====================================================

type guardCall struct {
	slug, userID, resource, action string
}

type fakeGuard struct {
	deny  error
	calls []guardCall
}

func (g *fakeGuard) Authorize(_ context.Context, slug, userID, resource, action string) error {
	g.calls = append(g.calls, guardCall{slug, userID, resource, action})
	return g.deny
}

type addCall struct {
	slug, userID, actor, verb, object string
	attrs                             domain.Attributes
}

type getCall struct {
	slug, userID string
	limit        *int
	offset       int
}

type fakeStore struct {
	addCalls    []addCall
	followCalls [][2]string
	getCalls    []getCall

	followResult bool
	feed         []domain.Activity
	found        bool
	err          error
}

func (s *fakeStore) AddActivity(_ context.Context, slug, userID, actor, verb, object string, attrs domain.Attributes) (string, error) {
	s.addCalls = append(s.addCalls, addCall{slug, userID, actor, verb, object, attrs})
	if s.err != nil {
		return "", s.err
	}
	return "act-1", nil
}

func (s *fakeStore) Follow(_ context.Context, source, target string) (bool, error) {
	s.followCalls = append(s.followCalls, [2]string{source, target})
	return s.followResult, s.err
}

func (s *fakeStore) GetFeed(_ context.Context, slug, userID string, limit *int, offset int) ([]domain.Activity, bool, error) {
	s.getCalls = append(s.getCalls, getCall{slug, userID, limit, offset})
	return s.feed, s.found, s.err
}

func (s *fakeStore) calls() int {
	return len(s.addCalls) + len(s.followCalls) + len(s.getCalls)
}

func setupService(t *testing.T) (*domain.FeedService, *fakeGuard, *fakeStore) {
	t.Helper()
	v, err := validation.New()
	if err != nil {
		t.Fatalf("validation.New() error = %v", err)
	}
	guard := &fakeGuard{}
	store := &fakeStore{}
	return domain.NewFeedService(store, guard, v, nil), guard, store
}

func body(s string) domain.Attributes {
	return domain.DecodeBody([]byte(s))
}

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	var verr *domain.ValidationFailedError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationFailedError", err)
	}
	fields := make([]string, 0, len(verr.Fields))
	for f := range verr.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

var key = domain.NewFeedKey("user", "42")

// =====================================================
// AddActivity
// =====================================================

func TestAddActivity_Success(t *testing.T) {
	svc, guard, store := setupService(t)

	got, err := svc.AddActivity(context.Background(), key, body(
		`{"actor":"user:42","extra":{"k":[1,2]},"verb":"post","object":"note:7","time":"2024-01-01T00:00:00.1","score":3}`,
	))
	if err != nil {
		t.Fatalf("AddActivity() error = %v", err)
	}

	wantGuard := []guardCall{{"user", "42", domain.ResourceFeed, domain.ActionWrite}}
	if !reflect.DeepEqual(guard.calls, wantGuard) {
		t.Errorf("guard calls = %v, want %v", guard.calls, wantGuard)
	}

	if len(store.addCalls) != 1 {
		t.Fatalf("store calls = %d, want 1", len(store.addCalls))
	}
	call := store.addCalls[0]
	if call.slug != "user" || call.userID != "42" || call.actor != "user:42" || call.verb != "post" || call.object != "note:7" {
		t.Errorf("store call = %+v", call)
	}

	wantKeys := []string{"time", "extra", "score"}
	for i, k := range wantKeys {
		if got.Attributes[i].Key != k {
			t.Errorf("Attributes[%d] = %q, want %q", i, got.Attributes[i].Key, k)
		}
	}
	if got.ID != "act-1" {
		t.Errorf("ID = %q", got.ID)
	}
	if got.Time() != "2024-01-01T00:00:00.100" {
		t.Errorf("Time() = %q", got.Time())
	}

	raw, err := got.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	want := `{"id":"act-1","actor":"user:42","verb":"post","object":"note:7","time":"2024-01-01T00:00:00.100","extra":{"k":[1,2]},"score":3}`
	if string(raw) != want {
		t.Errorf("response =\n%s\nwant\n%s", raw, want)
	}
}

func TestAddActivity_DefaultsTimeToNow(t *testing.T) {
	svc, _, _ := setupService(t)

	before := time.Now().UTC().Add(-time.Second)
	got, err := svc.AddActivity(context.Background(), key, body(`{"actor":"a","verb":"v","object":"o"}`))
	if err != nil {
		t.Fatalf("AddActivity() error = %v", err)
	}

	ts, err := time.Parse(domain.OutputTimeLayout, got.Time())
	if err != nil {
		t.Fatalf("time %q not in output layout: %v", got.Time(), err)
	}
	if ts.Before(before) || ts.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("time = %v, want close to now", ts)
	}
	if !strings.Contains(got.Time(), ".") || len(got.Time()) != len(domain.OutputTimeLayout) {
		t.Errorf("time = %q, want three fraction digits", got.Time())
	}
}

func TestAddActivity_ReportsEveryMissingField(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"actor and object", `{"verb":"v"}`, []string{"actor", "object"}},
		{"everything", `{}`, []string{"actor", "object", "verb"}},
		{"unparseable body", `{not json`, []string{"actor", "object", "verb"}},
		{"bad time too", `{"actor":"a","time":"2024-01-01"}`, []string{"object", "time", "verb"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, store := setupService(t)

			_, err := svc.AddActivity(context.Background(), key, body(tt.body))
			if got := fieldsOf(t, err); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("failing fields = %v, want %v", got, tt.want)
			}
			if store.calls() != 0 {
				t.Errorf("store was called %d times after a validation failure", store.calls())
			}
		})
	}
}

func TestAddActivity_PresenceAndTimeRules(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantFields []string
		wantActor  string
	}{
		{"zero actor is present", `{"actor":0,"verb":"v","object":"o"}`, nil, "0"},
		{"false actor is present", `{"actor":false,"verb":"v","object":"o"}`, nil, "false"},
		{"blank actor is missing", `{"actor":"   ","verb":"v","object":"o"}`, []string{"actor"}, ""},
		{"empty array actor is missing", `{"actor":[],"verb":"v","object":"o"}`, []string{"actor"}, ""},
		{"null actor is missing", `{"actor":null,"verb":"v","object":"o"}`, []string{"actor"}, ""},
		{"zero time is checked", `{"actor":"a","verb":"v","object":"o","time":0}`, []string{"time"}, ""},
		{"false time is checked", `{"actor":"a","verb":"v","object":"o","time":false}`, []string{"time"}, ""},
		{"null time means now", `{"actor":"a","verb":"v","object":"o","time":null}`, nil, "a"},
		{"blank time means now", `{"actor":"a","verb":"v","object":"o","time":"  "}`, nil, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, store := setupService(t)

			got, err := svc.AddActivity(context.Background(), key, body(tt.body))
			if tt.wantFields != nil {
				if fields := fieldsOf(t, err); !reflect.DeepEqual(fields, tt.wantFields) {
					t.Errorf("failing fields = %v, want %v", fields, tt.wantFields)
				}
				if store.calls() != 0 {
					t.Errorf("store called after validation failure")
				}
				return
			}

			if err != nil {
				t.Fatalf("AddActivity() error = %v", err)
			}
			if got.Actor != tt.wantActor {
				t.Errorf("Actor = %q, want %q", got.Actor, tt.wantActor)
			}
			if _, err := time.Parse(domain.OutputTimeLayout, got.Time()); err != nil {
				t.Errorf("Time() = %q, want a normalized timestamp", got.Time())
			}
		})
	}
}

func TestAddActivity_CallerIDNeverOverridesStoreID(t *testing.T) {
	svc, _, _ := setupService(t)

	got, err := svc.AddActivity(context.Background(), key, body(
		`{"id":"caller","actor":"a","verb":"v","object":"o","time":"2024-01-01T00:00:00.0"}`,
	))
	if err != nil {
		t.Fatalf("AddActivity() error = %v", err)
	}

	raw, err := got.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	want := `{"id":"act-1","actor":"a","verb":"v","object":"o","time":"2024-01-01T00:00:00.000"}`
	if string(raw) != want {
		t.Errorf("response =\n%s\nwant\n%s", raw, want)
	}
	if n := strings.Count(string(raw), `"id"`); n != 1 {
		t.Errorf("response has %d id keys, want 1", n)
	}

	var decoded domain.Activity
	if err := decoded.UnmarshalJSON(raw); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	if decoded.ID != "act-1" {
		t.Errorf("decoded ID = %q, want act-1", decoded.ID)
	}
}

func TestAddActivity_AuthorizationBeforeValidation(t *testing.T) {
	svc, guard, store := setupService(t)
	denied := &domain.AuthorizationError{Feed: key, Resource: domain.ResourceFeed, Action: domain.ActionWrite, Err: domain.ErrForbidden}
	guard.deny = denied

	_, err := svc.AddActivity(context.Background(), key, body(`{}`))
	if err != denied {
		t.Fatalf("error = %v, want the guard's error unchanged", err)
	}
	if store.calls() != 0 {
		t.Errorf("store called after denial")
	}
}

func TestAddActivity_StoreErrorPropagates(t *testing.T) {
	svc, _, store := setupService(t)
	boom := errors.New("disk full")
	store.err = boom

	_, err := svc.AddActivity(context.Background(), key, body(`{"actor":"a","verb":"v","object":"o"}`))
	if err != boom {
		t.Errorf("error = %v, want %v", err, boom)
	}
}

func TestCheckAccess(t *testing.T) {
	svc, guard, store := setupService(t)

	if err := svc.CheckAccess(context.Background(), key, domain.ResourceFollower, domain.ActionWrite); err != nil {
		t.Fatalf("CheckAccess() error = %v", err)
	}
	want := []guardCall{{"user", "42", domain.ResourceFollower, domain.ActionWrite}}
	if !reflect.DeepEqual(guard.calls, want) {
		t.Errorf("guard calls = %v, want %v", guard.calls, want)
	}

	guard.deny = &domain.AuthorizationError{Feed: key, Err: domain.ErrForbidden}
	if err := svc.CheckAccess(context.Background(), key, domain.ResourceFeed, domain.ActionWrite); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("CheckAccess() error = %v, want ErrForbidden", err)
	}
	if store.calls() != 0 {
		t.Errorf("store called %d times", store.calls())
	}
}

// =====================================================
// Follow
// =====================================================

func TestFollow(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		storeResult  bool
		want         bool
		wantFields   []string
		wantStoreArg [2]string
	}{
		{
			name:         "other feed",
			body:         `{"target":"user:7"}`,
			storeResult:  true,
			want:         true,
			wantStoreArg: [2]string{"user:42", "user:7"},
		},
		{
			name:         "store says no",
			body:         `{"target":"timeline:42"}`,
			storeResult:  false,
			want:         false,
			wantStoreArg: [2]string{"user:42", "timeline:42"},
		},
		{
			name:       "self follow",
			body:       `{"target":"user:42"}`,
			wantFields: []string{"target"},
		},
		{
			name:       "missing target",
			body:       `{}`,
			wantFields: []string{"target"},
		},
		{
			name:       "blank target",
			body:       `{"target":"  "}`,
			wantFields: []string{"target"},
		},
		{
			name:         "numeric target is present",
			body:         `{"target":0}`,
			storeResult:  false,
			want:         false,
			wantStoreArg: [2]string{"user:42", "0"},
		},
		{
			name:         "textual comparison only",
			body:         `{"target":"user:042"}`,
			storeResult:  true,
			want:         true,
			wantStoreArg: [2]string{"user:42", "user:042"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, guard, store := setupService(t)
			store.followResult = tt.storeResult

			got, err := svc.Follow(context.Background(), key, body(tt.body))

			if len(guard.calls) != 1 || guard.calls[0].resource != domain.ResourceFollower || guard.calls[0].action != domain.ActionWrite {
				t.Errorf("guard calls = %v", guard.calls)
			}

			if tt.wantFields != nil {
				if got := fieldsOf(t, err); !reflect.DeepEqual(got, tt.wantFields) {
					t.Errorf("failing fields = %v, want %v", got, tt.wantFields)
				}
				if store.calls() != 0 {
					t.Errorf("store called after validation failure")
				}
				return
			}

			if err != nil {
				t.Fatalf("Follow() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Follow() = %v, want %v", got, tt.want)
			}
			if len(store.followCalls) != 1 || store.followCalls[0] != tt.wantStoreArg {
				t.Errorf("store follow calls = %v, want %v", store.followCalls, tt.wantStoreArg)
			}
		})
	}
}

func TestFollow_AuthorizationBeforeValidation(t *testing.T) {
	svc, guard, _ := setupService(t)
	guard.deny = &domain.AuthorizationError{Feed: key, Err: domain.ErrUnauthorized}

	_, err := svc.Follow(context.Background(), key, body(`{"target":"user:42"}`))
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

// =====================================================
// GetFeed
// =====================================================

func intPtr(n int) *int { return &n }

func TestGetFeed_Pagination(t *testing.T) {
	tests := []struct {
		name       string
		query      map[string]string
		wantLimit  *int
		wantOffset int
		wantFields []string
	}{
		{name: "defaults", query: map[string]string{}, wantLimit: nil, wantOffset: 0},
		{name: "limit 100", query: map[string]string{"limit": "100"}, wantLimit: intPtr(100)},
		{name: "limit and offset", query: map[string]string{"limit": "5", "offset": "10"}, wantLimit: intPtr(5), wantOffset: 10},
		{name: "limit 0", query: map[string]string{"limit": "0"}, wantFields: []string{"limit"}},
		{name: "limit 101", query: map[string]string{"limit": "101"}, wantFields: []string{"limit"}},
		{name: "empty limit", query: map[string]string{"limit": ""}, wantFields: []string{"limit"}},
		{name: "offset -1", query: map[string]string{"offset": "-1"}, wantFields: []string{"offset"}},
		{name: "not integers", query: map[string]string{"limit": "ten", "offset": "x"}, wantFields: []string{"limit", "offset"}},
		{name: "unrelated params ignored", query: map[string]string{"cursor": "abc"}, wantLimit: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, store := setupService(t)
			store.found = true

			page, err := svc.GetFeed(context.Background(), key, tt.query)

			if tt.wantFields != nil {
				if got := fieldsOf(t, err); !reflect.DeepEqual(got, tt.wantFields) {
					t.Errorf("failing fields = %v, want %v", got, tt.wantFields)
				}
				if store.calls() != 0 {
					t.Errorf("store called after validation failure")
				}
				return
			}

			if err != nil {
				t.Fatalf("GetFeed() error = %v", err)
			}
			if !page.Found {
				t.Error("Found = false")
			}
			call := store.getCalls[0]
			if !reflect.DeepEqual(call.limit, tt.wantLimit) || call.offset != tt.wantOffset {
				t.Errorf("store got limit=%v offset=%d, want limit=%v offset=%d", call.limit, call.offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestGetFeed_NotFoundVersusEmpty(t *testing.T) {
	svc, _, store := setupService(t)

	store.found = false
	page, err := svc.GetFeed(context.Background(), key, nil)
	if err != nil {
		t.Fatalf("GetFeed() error = %v", err)
	}
	if page.Found || page.Results != nil {
		t.Errorf("unknown feed page = %+v, want not found with nil results", page)
	}

	store.found = true
	store.feed = nil
	page, err = svc.GetFeed(context.Background(), key, nil)
	if err != nil {
		t.Fatalf("GetFeed() error = %v", err)
	}
	if !page.Found || page.Results == nil || len(page.Results) != 0 {
		t.Errorf("empty feed page = %+v, want found with empty results", page)
	}
}

func TestGetFeed_ReturnsStorePageUnmodified(t *testing.T) {
	svc, guard, store := setupService(t)
	store.found = true
	store.feed = []domain.Activity{{ID: "2", Actor: "b"}, {ID: "1", Actor: "a"}}

	page, err := svc.GetFeed(context.Background(), key, map[string]string{"limit": "2"})
	if err != nil {
		t.Fatalf("GetFeed() error = %v", err)
	}
	if !reflect.DeepEqual(page.Results, store.feed) {
		t.Errorf("Results = %v, want %v", page.Results, store.feed)
	}
	if guard.calls[0].action != domain.ActionRead || guard.calls[0].resource != domain.ResourceFeed {
		t.Errorf("guard call = %+v", guard.calls[0])
	}
}

func TestGetFeed_AuthorizationBeforeValidation(t *testing.T) {
	svc, guard, _ := setupService(t)
	guard.deny = &domain.AuthorizationError{Feed: key, Err: domain.ErrForbidden}

	_, err := svc.GetFeed(context.Background(), key, map[string]string{"limit": "0"})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("error = %v, want ErrForbidden", err)
	}
}

// =====================================================
// Watch
// =====================================================

type fakeWatcher struct {
	ch chan domain.Activity
}

func (w *fakeWatcher) Watch(domain.FeedKey) (<-chan domain.Activity, func()) {
	return w.ch, func() { close(w.ch) }
}

func TestWatch(t *testing.T) {
	svc, _, _ := setupService(t)
	if _, _, err := svc.Watch(context.Background(), key); !errors.Is(err, domain.ErrRealtimeDisabled) {
		t.Errorf("Watch() without watcher error = %v", err)
	}

	v, _ := validation.New()
	guard := &fakeGuard{}
	w := &fakeWatcher{ch: make(chan domain.Activity, 1)}
	svc = domain.NewFeedService(&fakeStore{}, guard, v, w)

	ch, stop, err := svc.Watch(context.Background(), key)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer stop()
	if ch == nil {
		t.Error("Watch() returned nil channel")
	}

	guard.deny = &domain.AuthorizationError{Feed: key, Err: domain.ErrForbidden}
	if _, _, err := svc.Watch(context.Background(), key); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("Watch() error = %v, want ErrForbidden", err)
	}
}
