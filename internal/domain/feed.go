package domain

import (
	"bytes"
	"encoding/json"
)

// Resource kinds and actions understood by the AccessGuard.
const (
	ResourceFeed     = "feed"
	ResourceFollower = "follower"

	ActionRead  = "read"
	ActionWrite = "write"
)

// FeedKey identifies a feed by its slug and owning user.
type FeedKey struct {
	Slug   string
	UserID string
}

// NewFeedKey builds a FeedKey from request path parameters.
func NewFeedKey(slug, userID string) FeedKey {
	return FeedKey{Slug: slug, UserID: userID}
}

// String renders the key the way follow edges reference feeds: "slug:user_id".
func (k FeedKey) String() string {
	return k.Slug + ":" + k.UserID
}

// Activity is a single actor/verb/object event recorded into a feed.
type Activity struct {
	// ID is assigned by the FeedStore on append. Empty before that.
	ID string

	Actor  string
	Verb   string
	Object string

	// Attributes holds "time" followed by every extra field the caller sent.
	Attributes Attributes
}

// Time returns the normalized timestamp stored in the attribute bag.
func (a Activity) Time() string {
	v, ok := a.Attributes.Get(AttrTime)
	if !ok {
		return ""
	}
	return v.String()
}

// MarshalJSON renders id, actor, verb, object and then the attribute bag in
// insertion order. Bag entries named like a primary field are left out, so
// the store id and the primary fields always win.
func (a Activity) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	fields := []struct {
		key   string
		value string
	}{
		{"id", a.ID},
		{AttrActor, a.Actor},
		{AttrVerb, a.Verb},
		{AttrObject, a.Object},
	}
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, f.key, StringValue(f.value)); err != nil {
			return nil, err
		}
	}

	for _, attr := range a.Attributes {
		if isPrimaryField(attr.Key) {
			continue
		}
		buf.WriteByte(',')
		if err := writeMember(&buf, attr.Key, attr.Value); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the shape produced by MarshalJSON. Keys other than id,
// actor, verb and object land in Attributes in document order.
func (a *Activity) UnmarshalJSON(data []byte) error {
	attrs, err := decodeObject(data)
	if err != nil {
		return err
	}

	var out Activity
	for _, attr := range attrs {
		switch attr.Key {
		case "id":
			out.ID = attr.Value.String()
		case AttrActor:
			out.Actor = attr.Value.String()
		case AttrVerb:
			out.Verb = attr.Value.String()
		case AttrObject:
			out.Object = attr.Value.String()
		default:
			out.Attributes = append(out.Attributes, attr)
		}
	}
	*a = out
	return nil
}

// FeedQuery is a single page request against a feed.
type FeedQuery struct {
	Key FeedKey

	// Limit is nil when the caller did not ask for a page size.
	Limit *int

	Offset int
}

// FeedPage is the outcome of a feed read. Found is false when the FeedStore
// does not know the feed at all, which is distinct from an empty page.
type FeedPage struct {
	Found   bool
	Results []Activity
}

func isPrimaryField(key string) bool {
	switch key {
	case "id", AttrActor, AttrVerb, AttrObject:
		return true
	}
	return false
}

func writeMember(buf *bytes.Buffer, key string, v Value) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	raw, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	buf.Write(raw)
	return nil
}
