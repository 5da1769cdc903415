package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MaxObjectSize bounds the body of a fetched object.
const MaxObjectSize = 1 << 20

// Fetch retrieves a remote object. The URL must not be local, its host must pass
// the instance policy and the chain must still have budget left. Fetch never retries.
func (rc *RequestContext) Fetch(ctx context.Context, rawURL string) (json.RawMessage, error) {
	if !isAbsoluteURL(rawURL) {
		return nil, fmt.Errorf("%w: %q is not an absolute url", ErrURLVerification, rawURL)
	}
	if rc.IsLocal(rawURL) {
		return nil, fmt.Errorf("%w: refusing to fetch local object %s", ErrURLVerification, rawURL)
	}

	host := hostOf(rawURL)
	if err := rc.Policy.Check(ctx, host); err != nil {
		return nil, err
	}

	rc.requests++
	if rc.requests > rc.limit {
		return nil, fmt.Errorf("%w: %d fetches in one chain", ErrRequestLimit, rc.limit)
	}

	ctx, span := rc.tracer.Start(ctx, "fetch")
	defer span.End()
	span.SetAttributes(attribute.String("url", rawURL), attribute.Int("request_count", rc.requests))

	body, err := rc.get(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("%w: %s is not a json object: %v", ErrFetchFailed, rawURL, err)
	}
	if head.ID == "" {
		return nil, fmt.Errorf("%w: %s has no id", ErrFetchFailed, rawURL)
	}
	if !sameDomain(head.ID, rawURL) {
		return nil, fmt.Errorf("%w: fetched %s but got %s", ErrDomainMismatch, rawURL, head.ID)
	}
	if head.Type == "Tombstone" {
		return nil, fmt.Errorf("%w: %s", ErrObjectDeleted, rawURL)
	}

	rc.Log.Debugw("Fetcher: fetched object", "url", rawURL, "requests", rc.requests)
	return body, nil
}

func (rc *RequestContext) get(ctx context.Context, rawURL string) ([]byte, error) {
	if rc.Settings.HTTPTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rc.Settings.HTTPTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", rc.Settings.UserAgent)

	resp, err := rc.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%w: %s", ErrObjectDeleted, rawURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrFetchFailed, rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFetchFailed, rawURL, err)
	}
	if len(body) > MaxObjectSize {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrFetchFailed, rawURL, MaxObjectSize)
	}
	return body, nil
}

// fetchInto fetches a remote object and decodes it into v.
func (rc *RequestContext) fetchInto(ctx context.Context, rawURL string, v any) error {
	body, err := rc.Fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeserialization, rawURL, err)
	}
	return nil
}
