package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Envelope is an outgoing activity with its outermost @context attached.
type Envelope struct {
	Context  Context
	Activity *Activity
}

// Wrap attaches the @context to an activity. Without an extended context the
// default single-element context is used. Any @context carried by embedded
// objects is stripped, so only the outermost object has one.
func Wrap(a *Activity, extended ...any) (*Envelope, error) {
	ctx := DefaultContext()
	if len(extended) > 0 {
		ctx = Context(extended)
	}
	if a.Object.Embedded() {
		stripped, err := stripContext(a.Object.Raw)
		if err != nil {
			return nil, fmt.Errorf("strip embedded context: %w", err)
		}
		a.Object.Raw = stripped
	}
	return &Envelope{Context: ctx, Activity: a}, nil
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(e.Activity)
	if err != nil {
		return nil, err
	}
	ctx, err := json.Marshal(e.Context)
	if err != nil {
		return nil, err
	}
	// body is a non-empty object, id and type are always present
	var buf bytes.Buffer
	buf.WriteString(`{"@context":`)
	buf.Write(ctx)
	buf.WriteByte(',')
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// stripContext removes @context from an embedded object and, recursively, from
// the object it embeds (an Undo of a Follow, an Announce of a Create).
func stripContext(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "@context")
	if inner, ok := fields["object"]; ok {
		if trimmed := bytes.TrimSpace(inner); len(trimmed) > 0 && trimmed[0] == '{' {
			stripped, err := stripContext(trimmed)
			if err != nil {
				return nil, err
			}
			fields["object"] = stripped
		}
	}
	return json.Marshal(fields)
}

type wireActivity struct {
	Context    Context      `json:"@context"`
	ID         string       `json:"id"`
	Type       ActivityType `json:"type"`
	Actor      ObjectOrLink `json:"actor"`
	Object     ObjectOrLink `json:"object"`
	Target     ObjectOrLink `json:"target"`
	To         Addresses    `json:"to"`
	Cc         Addresses    `json:"cc"`
	Audience   ObjectOrLink `json:"audience"`
	Summary    string       `json:"summary"`
	RemoveData bool         `json:"removeData"`
	Expires    *wireTime    `json:"expires"`
	Published  *wireTime    `json:"published"`
}

// Unwrap decodes a wire payload into an Activity. Any failure, including an
// unknown type or a missing id, actor or object, is an ErrDeserialization.
func Unwrap(data []byte) (*Activity, error) {
	var w wireActivity
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	if !w.Type.Known() {
		return nil, fmt.Errorf("%w: unknown activity type %q", ErrDeserialization, w.Type)
	}
	if !isAbsoluteURL(w.ID) {
		return nil, fmt.Errorf("%w: missing or invalid id %q", ErrDeserialization, w.ID)
	}
	if !isAbsoluteURL(w.Actor.IRI) {
		return nil, fmt.Errorf("%w: missing or invalid actor %q", ErrDeserialization, w.Actor.IRI)
	}
	if w.Object.IsEmpty() {
		return nil, fmt.Errorf("%w: %s %s has no object", ErrDeserialization, w.Type, w.ID)
	}

	return &Activity{
		ID:         w.ID,
		Type:       w.Type,
		Actor:      w.Actor.IRI,
		Object:     w.Object,
		Target:     w.Target.IRI,
		To:         w.To,
		Cc:         w.Cc,
		Audience:   w.Audience.IRI,
		Summary:    w.Summary,
		RemoveData: w.RemoveData,
		Expires:    w.Expires.value(),
		Published:  w.Published.value(),
		Raw:        append(json.RawMessage(nil), data...),
	}, nil
}

// wireTime tolerates timestamps that are not RFC 3339; those decode as unset.
type wireTime struct {
	t *time.Time
}

func (w *wireTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		w.t = &t
	}
	return nil
}

func (w *wireTime) value() *time.Time {
	if w == nil {
		return nil
	}
	return w.t
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// hostOf returns the lower-cased host (with port) of a URL, or "" when it does not parse.
func hostOf(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func sameDomain(a, b string) bool {
	ha := hostOf(a)
	return ha != "" && ha == hostOf(b)
}

// verifyDomainsMatch is the anti-spoofing rule: an id must live on its actor's instance.
func verifyDomainsMatch(id, actor string) error {
	if !sameDomain(id, actor) {
		return fmt.Errorf("%w: %s is not on the host of %s", ErrDomainMismatch, id, actor)
	}
	return nil
}
