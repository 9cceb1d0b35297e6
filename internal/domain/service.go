package domain

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Query parameter names accepted by GetFeed.
const (
	ParamLimit  = "limit"
	ParamOffset = "offset"
)

// ErrRealtimeDisabled is returned by Watch when no FeedWatcher is configured.
var ErrRealtimeDisabled = errors.New("realtime updates are not enabled")

var (
	addActivityRules = Rules{
		AttrActor:  "present",
		AttrVerb:   "present",
		AttrObject: "present",
	}

	// activityTimeRule applies only when the caller sent a non-blank time.
	activityTimeRule = "activity_time"

	followRules = Rules{
		"target": "present",
	}

	feedQueryRules = Rules{
		ParamLimit:  "omitempty,integer",
		ParamOffset: "omitempty,integer",
	}

	feedQueryRangeRules = Rules{
		ParamLimit:  "min=1,max=100",
		ParamOffset: "min=0",
	}
)

// FeedService is the core domain service. Every operation checks the
// AccessGuard first, then validates input, then makes a single FeedStore
// call. Errors from the guard and the store are returned unchanged.
type FeedService struct {
	store     FeedStore
	guard     AccessGuard
	validator FieldValidator
	watcher   FeedWatcher
	now       func() time.Time
}

// NewFeedService creates a FeedService. watcher may be nil, in which case
// Watch always fails with ErrRealtimeDisabled.
func NewFeedService(store FeedStore, guard AccessGuard, validator FieldValidator, watcher FeedWatcher) *FeedService {
	return &FeedService{
		store:     store,
		guard:     guard,
		validator: validator,
		watcher:   watcher,
		now:       time.Now,
	}
}

// AddActivity validates body and appends it as an activity of key's feed.
// The returned activity carries the store id, the primary fields and the
// attribute bag: normalized time first, then every extra body field in the
// order it was sent.
func (s *FeedService) AddActivity(ctx context.Context, key FeedKey, body Attributes) (*Activity, error) {
	if err := s.guard.Authorize(ctx, key.Slug, key.UserID, ResourceFeed, ActionWrite); err != nil {
		return nil, err
	}

	rules := addActivityRules
	rawTime, timeSent := suppliedTime(body)
	if timeSent {
		rules = rules.With(AttrTime, activityTimeRule)
	}
	if verr := s.validator.Validate(body.Map(), rules); verr != nil {
		return nil, verr
	}

	actor, _ := body.Get(AttrActor)
	verb, _ := body.Get(AttrVerb)
	object, _ := body.Get(AttrObject)

	normalized, err := NormalizeTime(rawTime, s.now())
	if err != nil {
		verr := NewValidationFailedError()
		verr.Add(AttrTime, err.Error())
		return nil, verr
	}

	attrs := Attributes{{Key: AttrTime, Value: StringValue(normalized)}}
	attrs = append(attrs, body.Without(AttrActor, AttrVerb, AttrObject, AttrTime)...)

	activity := &Activity{
		Actor:      actor.String(),
		Verb:       verb.String(),
		Object:     object.String(),
		Attributes: attrs,
	}

	id, err := s.store.AddActivity(ctx, key.Slug, key.UserID, activity.Actor, activity.Verb, activity.Object, attrs)
	if err != nil {
		return nil, err
	}
	activity.ID = id

	return activity, nil
}

// Follow makes key's feed follow the feed named by the body's target field.
// The target is compared with key.String() as plain text; it is not parsed.
// Whether the target exists is left to the store.
func (s *FeedService) Follow(ctx context.Context, key FeedKey, body Attributes) (bool, error) {
	if err := s.guard.Authorize(ctx, key.Slug, key.UserID, ResourceFollower, ActionWrite); err != nil {
		return false, err
	}

	verr := s.validator.Validate(body.Map(), followRules)
	target, _ := body.Get("target")
	if verr == nil && target.String() == key.String() {
		verr = NewValidationFailedError()
		verr.Add("target", "target must not be the feed itself ("+key.String()+")")
	}
	if verr != nil {
		return false, verr
	}

	return s.store.Follow(ctx, key.String(), target.String())
}

// GetFeed returns one page of key's feed. query holds the raw query string
// values; limit and offset are optional.
func (s *FeedService) GetFeed(ctx context.Context, key FeedKey, query map[string]string) (*FeedPage, error) {
	if err := s.guard.Authorize(ctx, key.Slug, key.UserID, ResourceFeed, ActionRead); err != nil {
		return nil, err
	}

	q, verr := s.parseFeedQuery(key, query)
	if verr != nil {
		return nil, verr
	}

	activities, found, err := s.store.GetFeed(ctx, key.Slug, key.UserID, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	if !found {
		return &FeedPage{Found: false}, nil
	}
	if activities == nil {
		activities = []Activity{}
	}
	return &FeedPage{Found: true, Results: activities}, nil
}

// CheckAccess runs only the access check of an operation. Transports use it
// to refuse a request they cannot decode without revealing more to a caller
// who is not allowed in.
func (s *FeedService) CheckAccess(ctx context.Context, key FeedKey, resource, action string) error {
	return s.guard.Authorize(ctx, key.Slug, key.UserID, resource, action)
}

// Watch subscribes to activities appended to key's feed from now on.
func (s *FeedService) Watch(ctx context.Context, key FeedKey) (<-chan Activity, func(), error) {
	if err := s.guard.Authorize(ctx, key.Slug, key.UserID, ResourceFeed, ActionRead); err != nil {
		return nil, nil, err
	}
	if s.watcher == nil {
		return nil, nil, ErrRealtimeDisabled
	}
	ch, stop := s.watcher.Watch(key)
	return ch, stop, nil
}

// parseFeedQuery type-checks limit and offset, then range-checks the values
// that were present.
func (s *FeedService) parseFeedQuery(key FeedKey, query map[string]string) (FeedQuery, *ValidationFailedError) {
	q := FeedQuery{Key: key}

	first := make(map[string]any, 2)
	for _, p := range []string{ParamLimit, ParamOffset} {
		if v, ok := query[p]; ok {
			first[p] = v
		}
	}
	if verr := s.validator.Validate(first, feedQueryRules); verr != nil {
		return q, verr
	}

	second := make(map[string]any, 2)
	rules := make(Rules, 2)
	if raw, ok := query[ParamLimit]; ok {
		limit := atoi(raw)
		q.Limit = &limit
		second[ParamLimit] = limit
		rules[ParamLimit] = feedQueryRangeRules[ParamLimit]
	}
	if raw, ok := query[ParamOffset]; ok {
		q.Offset = atoi(raw)
		second[ParamOffset] = q.Offset
		rules[ParamOffset] = feedQueryRangeRules[ParamOffset]
	}
	if verr := s.validator.Validate(second, rules); verr != nil {
		return q, verr
	}

	return q, nil
}

// suppliedTime returns the caller's time value. Absent, null and blank
// strings count as not sent.
func suppliedTime(body Attributes) (string, bool) {
	v, ok := body.Get(AttrTime)
	if !ok || v.Kind() == KindNull {
		return "", false
	}
	if v.Kind() == KindString && strings.TrimSpace(v.String()) == "" {
		return "", false
	}
	return v.String(), true
}

// atoi converts an already type-checked query value; an empty value is 0.
func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
