package activitypub

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestWrapUsesDefaultContext(t *testing.T) {
	a := &Activity{
		ID:     "https://a.example/activities/like/1",
		Type:   TypeLike,
		Actor:  "https://a.example/u/alice",
		Object: Link("https://b.example/post/1"),
	}
	env, err := Wrap(a)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	ctx, ok := fields["@context"].([]any)
	if !ok || len(ctx) != 1 || ctx[0] != ActivityStreamsContext {
		t.Errorf("Expected default context, got %v", fields["@context"])
	}
	if fields["object"] != "https://b.example/post/1" {
		t.Errorf("Expected object link, got %v", fields["object"])
	}
}

func TestWrapStripsNestedContexts(t *testing.T) {
	follow := &Activity{
		ID:     "https://a.example/activities/follow/1",
		Type:   TypeFollow,
		Actor:  "https://a.example/u/alice",
		Object: Link("https://b.example/c/golang"),
	}
	inner, err := json.Marshal(&Envelope{Context: ExtendedContext(), Activity: follow})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	undo := &Activity{
		ID:     "https://a.example/activities/undo/1",
		Type:   TypeUndo,
		Actor:  "https://a.example/u/alice",
		Object: ObjectOrLink{IRI: follow.ID, Raw: inner},
	}

	env, err := Wrap(undo, ExtendedContext()...)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if n := strings.Count(string(data), "@context"); n != 1 {
		t.Errorf("Expected exactly one @context, found %d in %s", n, data)
	}

	decoded, err := Unwrap(data)
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if decoded.Object.IRI != follow.ID {
		t.Errorf("Expected embedded follow %s, got %s", follow.ID, decoded.Object.IRI)
	}
	if decoded.Object.ObjectType() != string(TypeFollow) {
		t.Errorf("Expected embedded type Follow, got %s", decoded.Object.ObjectType())
	}
}

func TestUnwrapAcceptsWireVariants(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		object  string
		to      int
	}{
		{
			name:    "string context and object",
			payload: `{"@context":"https://www.w3.org/ns/activitystreams","id":"https://a.example/a/1","type":"Like","actor":"https://a.example/u/alice","object":"https://b.example/post/1","to":"https://www.w3.org/ns/activitystreams#Public"}`,
			object:  "https://b.example/post/1",
			to:      1,
		},
		{
			name:    "object wrapped in an array",
			payload: `{"id":"https://a.example/a/2","type":"Create","actor":"https://a.example/u/alice","object":[{"id":"https://a.example/comment/1","type":"Note"}],"to":["a","b"]}`,
			object:  "https://a.example/comment/1",
			to:      2,
		},
		{
			name:    "actor as embedded object",
			payload: `{"id":"https://a.example/a/3","type":"Follow","actor":{"id":"https://a.example/u/alice","type":"Person"},"object":"https://b.example/c/golang"}`,
			object:  "https://b.example/c/golang",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Unwrap([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Unwrap failed: %v", err)
			}
			if a.Actor != "https://a.example/u/alice" {
				t.Errorf("Expected actor alice, got %s", a.Actor)
			}
			if a.Object.IRI != tt.object {
				t.Errorf("Expected object %s, got %s", tt.object, a.Object.IRI)
			}
			if len(a.To) != tt.to {
				t.Errorf("Expected %d to entries, got %d", tt.to, len(a.To))
			}
			if string(a.Raw) != tt.payload {
				t.Error("Expected Raw to keep the received bytes")
			}
		})
	}
}

func TestUnwrapRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{"id":`},
		{"unknown type", `{"id":"https://a.example/a/1","type":"Move","actor":"https://a.example/u/alice","object":"https://a.example/x"}`},
		{"missing id", `{"type":"Like","actor":"https://a.example/u/alice","object":"https://a.example/x"}`},
		{"relative actor", `{"id":"https://a.example/a/1","type":"Like","actor":"/u/alice","object":"https://a.example/x"}`},
		{"missing object", `{"id":"https://a.example/a/1","type":"Like","actor":"https://a.example/u/alice"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unwrap([]byte(tt.payload))
			if !errors.Is(err, ErrDeserialization) {
				t.Errorf("Expected ErrDeserialization, got %v", err)
			}
		})
	}
}

func TestUnwrapToleratesBadTimestamps(t *testing.T) {
	payload := `{"id":"https://a.example/a/1","type":"Block","actor":"https://a.example/c/golang","object":"https://a.example/u/bob","expires":"next tuesday","published":"2024-05-01T10:00:00Z"}`
	a, err := Unwrap([]byte(payload))
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if a.Expires != nil {
		t.Errorf("Expected unparseable expires to be unset, got %v", a.Expires)
	}
	if a.Published == nil || a.Published.Year() != 2024 {
		t.Errorf("Expected published to parse, got %v", a.Published)
	}
}

func TestVerifyDomainsMatch(t *testing.T) {
	tests := []struct {
		id, actor string
		wantErr   bool
	}{
		{"https://a.example/a/1", "https://a.example/u/alice", false},
		{"https://A.example/a/1", "https://a.example/u/alice", false},
		{"https://b.example/a/1", "https://a.example/u/alice", true},
		{"https://a.example:8443/a/1", "https://a.example/u/alice", true},
		{"not a url", "https://a.example/u/alice", true},
	}
	for _, tt := range tests {
		err := verifyDomainsMatch(tt.id, tt.actor)
		if tt.wantErr && !errors.Is(err, ErrDomainMismatch) {
			t.Errorf("verifyDomainsMatch(%s, %s): expected ErrDomainMismatch, got %v", tt.id, tt.actor, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("verifyDomainsMatch(%s, %s): unexpected error %v", tt.id, tt.actor, err)
		}
	}
}
