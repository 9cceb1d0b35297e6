package domain

import "context"

// FeedStore defines persistence operations for activities and follow edges.
type FeedStore interface {
	// AddActivity appends an activity to the feed identified by slug and
	// userID and returns the identifier the store assigned to it.
	AddActivity(ctx context.Context, slug, userID, actor, verb, object string, attrs Attributes) (string, error)

	// Follow creates the edge source -> target, both in "slug:user_id" form.
	// It reports whether the store accepted the edge.
	Follow(ctx context.Context, source, target string) (bool, error)

	// GetFeed returns a page of activities. A nil limit asks for the store's
	// default page size. found is false when the feed does not exist, which
	// is distinct from an existing feed with no activities.
	GetFeed(ctx context.Context, slug, userID string, limit *int, offset int) (activities []Activity, found bool, err error)
}

// AccessGuard decides whether the caller carried by ctx may perform action on
// resource of the given feed. A refusal is returned as *AuthorizationError.
type AccessGuard interface {
	Authorize(ctx context.Context, slug, userID, resource, action string) error
}

// Rules maps a field name to a validator tag expression.
type Rules map[string]string

// With returns a copy of r with field checked by tag.
func (r Rules) With(field, tag string) Rules {
	out := make(Rules, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	out[field] = tag
	return out
}

// FieldValidator checks a decoded key/value mapping against per-call rules
// and returns every failing field at once, or nil.
type FieldValidator interface {
	Validate(data map[string]any, rules Rules) *ValidationFailedError
}

// FeedWatcher streams activities appended to a feed after the call.
type FeedWatcher interface {
	// Watch returns a channel of new activities and a function that stops the
	// subscription and closes the channel.
	Watch(key FeedKey) (<-chan Activity, func())
}
