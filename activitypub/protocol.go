package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ContentType            = "application/activity+json"
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicAddress          = "https://www.w3.org/ns/activitystreams#Public"
)

type ActivityType string

const (
	TypeFollow   ActivityType = "Follow"
	TypeAccept   ActivityType = "Accept"
	TypeReject   ActivityType = "Reject"
	TypeCreate   ActivityType = "Create"
	TypeUpdate   ActivityType = "Update"
	TypeDelete   ActivityType = "Delete"
	TypeUndo     ActivityType = "Undo"
	TypeLike     ActivityType = "Like"
	TypeDislike  ActivityType = "Dislike"
	TypeAnnounce ActivityType = "Announce"
	TypeAdd      ActivityType = "Add"
	TypeRemove   ActivityType = "Remove"
	TypeBlock    ActivityType = "Block"
	TypeFlag     ActivityType = "Flag"
	TypeResolve  ActivityType = "Resolve"
	TypeLock     ActivityType = "Lock"
)

var knownTypes = map[ActivityType]bool{
	TypeFollow: true, TypeAccept: true, TypeReject: true, TypeCreate: true,
	TypeUpdate: true, TypeDelete: true, TypeUndo: true, TypeLike: true,
	TypeDislike: true, TypeAnnounce: true, TypeAdd: true, TypeRemove: true,
	TypeBlock: true, TypeFlag: true, TypeResolve: true, TypeLock: true,
}

func (t ActivityType) Known() bool {
	return knownTypes[t]
}

// Context is the JSON-LD @context. On the wire it is either a single string
// or an array mixing strings and objects.
type Context []any

func (c *Context) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []any
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*c = items
		return nil
	}
	var single any
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*c = Context{single}
	return nil
}

// DefaultContext is attached to every outgoing envelope unless a caller supplies its own.
func DefaultContext() Context {
	return Context{ActivityStreamsContext}
}

// ExtendedContext is used for actors and content, which carry keys and extension terms.
func ExtendedContext() Context {
	return Context{
		ActivityStreamsContext,
		SecurityContext,
		map[string]any{
			"sensitive":               "as:sensitive",
			"stickied":                "as:stickied",
			"moderators":              map[string]string{"@type": "@id", "@id": "as:moderators"},
			"featured":                map[string]string{"@type": "@id", "@id": "toot:featured"},
			"postingRestrictedToMods": "as:postingRestrictedToMods",
			"toot":                    "http://joinmastodon.org/ns#",
		},
	}
}

// Addresses is a to/cc field, which remotes send as a string or an array.
type Addresses []string

func (a *Addresses) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []string
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*a = items
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single != "" {
		*a = Addresses{single}
	}
	return nil
}

func (a Addresses) Contains(s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}

// ObjectOrLink is an object field that is either a bare IRI or an embedded object.
// For embedded objects IRI holds the object's id.
type ObjectOrLink struct {
	IRI string
	Raw json.RawMessage
}

// Link references an object by id only.
func Link(iri string) ObjectOrLink {
	return ObjectOrLink{IRI: iri}
}

// Embed marshals v as an embedded object.
func Embed(v any) (ObjectOrLink, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return ObjectOrLink{}, err
	}
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ObjectOrLink{}, err
	}
	return ObjectOrLink{IRI: head.ID, Raw: raw}, nil
}

func (o ObjectOrLink) IsEmpty() bool {
	return o.IRI == "" && len(o.Raw) == 0
}

func (o ObjectOrLink) Embedded() bool {
	return len(o.Raw) > 0
}

// Decode unmarshals the embedded object into v.
func (o ObjectOrLink) Decode(v any) error {
	if !o.Embedded() {
		return fmt.Errorf("%w: object %s is not embedded", ErrDeserialization, o.IRI)
	}
	if err := json.Unmarshal(o.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return nil
}

// ObjectType returns the type of an embedded object, or "" for links.
func (o ObjectOrLink) ObjectType() string {
	if !o.Embedded() {
		return ""
	}
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(o.Raw, &head)
	return head.Type
}

func (o ObjectOrLink) MarshalJSON() ([]byte, error) {
	if o.Embedded() {
		return o.Raw, nil
	}
	return json.Marshal(o.IRI)
}

func (o *ObjectOrLink) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*o = ObjectOrLink{}
	case data[0] == '"':
		var iri string
		if err := json.Unmarshal(data, &iri); err != nil {
			return err
		}
		*o = ObjectOrLink{IRI: iri}
	case data[0] == '{':
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return err
		}
		*o = ObjectOrLink{IRI: head.ID, Raw: append(json.RawMessage(nil), data...)}
	case data[0] == '[':
		// a few implementations wrap a single object in an array
		var items []ObjectOrLink
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		if len(items) != 1 {
			return fmt.Errorf("expected a single object, got %d", len(items))
		}
		*o = items[0]
	default:
		return fmt.Errorf("unexpected object value %s", string(data))
	}
	return nil
}

// Activity is the decoded form of every activity variant. Type selects the variant.
type Activity struct {
	ID         string       `json:"id"`
	Type       ActivityType `json:"type"`
	Actor      string       `json:"actor"`
	Object     ObjectOrLink `json:"object"`
	Target     string       `json:"target,omitempty"`
	To         Addresses    `json:"to,omitempty"`
	Cc         Addresses    `json:"cc,omitempty"`
	Audience   string       `json:"audience,omitempty"`
	Summary    string       `json:"summary,omitempty"`
	RemoveData bool         `json:"removeData,omitempty"`
	Expires    *time.Time   `json:"expires,omitempty"`
	Published  *time.Time   `json:"published,omitempty"`

	// Raw is the payload the activity was decoded from.
	Raw json.RawMessage `json:"-"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// ActorObject is the wire form of a Person or Group.
type ActorObject struct {
	Context                   Context    `json:"@context,omitempty"`
	ID                        string     `json:"id"`
	Type                      string     `json:"type"`
	PreferredUsername         string     `json:"preferredUsername"`
	Name                      string     `json:"name,omitempty"`
	Summary                   string     `json:"summary,omitempty"`
	Inbox                     string     `json:"inbox"`
	Outbox                    string     `json:"outbox,omitempty"`
	Followers                 string     `json:"followers,omitempty"`
	Moderators                string     `json:"attributedTo,omitempty"`
	Featured                  string     `json:"featured,omitempty"`
	Endpoints                 *Endpoints `json:"endpoints,omitempty"`
	PublicKey                 PublicKey  `json:"publicKey"`
	ManuallyApprovesFollowers bool       `json:"manuallyApprovesFollowers,omitempty"`
	PostingRestrictedToMods   bool       `json:"postingRestrictedToMods,omitempty"`
	Published                 *time.Time `json:"published,omitempty"`
}

// Page is the wire form of a post.
type Page struct {
	Context      Context    `json:"@context,omitempty"`
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	AttributedTo string     `json:"attributedTo"`
	Name         string     `json:"name"`
	Content      string     `json:"content,omitempty"`
	URL          string     `json:"url,omitempty"`
	To           Addresses  `json:"to,omitempty"`
	Cc           Addresses  `json:"cc,omitempty"`
	Audience     string     `json:"audience,omitempty"`
	Sensitive    bool       `json:"sensitive,omitempty"`
	Stickied     bool       `json:"stickied,omitempty"`
	Published    *time.Time `json:"published,omitempty"`
	Updated      *time.Time `json:"updated,omitempty"`
}

// Note is the wire form of a comment.
type Note struct {
	Context      Context    `json:"@context,omitempty"`
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	AttributedTo string     `json:"attributedTo"`
	Content      string     `json:"content"`
	InReplyTo    string     `json:"inReplyTo"`
	To           Addresses  `json:"to,omitempty"`
	Cc           Addresses  `json:"cc,omitempty"`
	Audience     string     `json:"audience,omitempty"`
	Published    *time.Time `json:"published,omitempty"`
	Updated      *time.Time `json:"updated,omitempty"`
}

// ChatMessage is a private message addressed to exactly one person.
type ChatMessage struct {
	Context      Context    `json:"@context,omitempty"`
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	AttributedTo string     `json:"attributedTo"`
	To           Addresses  `json:"to"`
	Content      string     `json:"content"`
	MediaType    string     `json:"mediaType,omitempty"`
	Published    *time.Time `json:"published,omitempty"`
	Updated      *time.Time `json:"updated,omitempty"`
}

type Tombstone struct {
	Context    Context    `json:"@context,omitempty"`
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	FormerType string     `json:"formerType,omitempty"`
	Deleted    *time.Time `json:"deleted,omitempty"`
}

type OrderedCollection struct {
	Context      Context        `json:"@context,omitempty"`
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	TotalItems   int            `json:"totalItems"`
	OrderedItems []ObjectOrLink `json:"orderedItems"`
}

func isPublic(addrs ...Addresses) bool {
	for _, a := range addrs {
		for _, v := range a {
			if v == PublicAddress || v == "as:Public" || v == "Public" {
				return true
			}
		}
	}
	return false
}
