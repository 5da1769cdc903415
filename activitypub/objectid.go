package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind knows how to read, verify and store one kind of federated object.
type Kind[T any] interface {
	// read returns the stored object and when it was last refreshed.
	// Missing and deleted rows are ErrNotFound.
	read(ctx context.Context, f *Federation, id string) (T, time.Time, error)
	// fresh reports whether a cached copy refreshed at the given time can be used as is.
	fresh(s Settings, refreshedAt time.Time) bool
	// fromJSON verifies a fetched object and upserts it.
	fromJSON(ctx context.Context, rc *RequestContext, id string, raw json.RawMessage) (T, error)
	markDeleted(ctx context.Context, f *Federation, id string) error
}

// ObjectID is the URL of a federated object together with the kind it is expected to be.
type ObjectID[T any] struct {
	url  string
	kind Kind[T]
}

func NewObjectID[T any](url string, kind Kind[T]) ObjectID[T] {
	return ObjectID[T]{url: url, kind: kind}
}

func (o ObjectID[T]) URL() string {
	return o.url
}

func (o ObjectID[T]) String() string {
	return o.url
}

// Dereference resolves the id. Local ids are read from storage only. Remote ids
// are served from the cache while it is fresh and fetched through rc otherwise.
func (o ObjectID[T]) Dereference(ctx context.Context, rc *RequestContext) (T, error) {
	var zero T

	cached, refreshedAt, err := o.kind.read(ctx, rc.Federation, o.url)
	if rc.IsLocal(o.url) {
		return cached, err
	}
	switch {
	case err == nil && o.kind.fresh(rc.Settings, refreshedAt):
		return cached, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return zero, err
	}
	hasCached := err == nil

	raw, err := rc.Fetch(ctx, o.url)
	if errors.Is(err, ErrObjectDeleted) {
		if markErr := o.kind.markDeleted(ctx, rc.Federation, o.url); markErr != nil {
			rc.Log.Warnw("ObjectID: failed to mark deleted", "url", o.url, "error", markErr)
		}
		return zero, err
	}
	if err != nil {
		// a stale copy beats nothing when the remote is unreachable
		if hasCached && errors.Is(err, ErrFetchFailed) {
			rc.Log.Debugw("ObjectID: using stale copy", "url", o.url, "error", err)
			return cached, nil
		}
		return zero, err
	}
	return o.kind.fromJSON(ctx, rc, o.url, raw)
}

// DereferenceLocal reads storage only and never touches the network.
func (o ObjectID[T]) DereferenceLocal(ctx context.Context, f *Federation) (T, error) {
	v, _, err := o.kind.read(ctx, f, o.url)
	return v, err
}
