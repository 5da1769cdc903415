package activitypub

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func (f *Federation) LocalURL(path string) string {
	return fmt.Sprintf("%s://%s%s", f.Settings.Scheme, f.Settings.Hostname, path)
}

// ActorURL is /u/{name} for persons and /c/{name} for communities.
func (f *Federation) ActorURL(name string, community bool) string {
	if community {
		return f.LocalURL("/c/" + name)
	}
	return f.LocalURL("/u/" + name)
}

func (f *Federation) PostURL(id uuid.UUID) string {
	return f.LocalURL("/post/" + id.String())
}

func (f *Federation) CommentURL(id uuid.UUID) string {
	return f.LocalURL("/comment/" + id.String())
}

func (f *Federation) PrivateMessageURL(id uuid.UUID) string {
	return f.LocalURL("/private_message/" + id.String())
}

func (f *Federation) SharedInboxURL() string {
	return f.LocalURL("/inbox")
}

// NewActivityID mints {scheme}://{host}/activities/{type}/{uuid}.
func (f *Federation) NewActivityID(t ActivityType) string {
	return f.LocalURL(fmt.Sprintf("/activities/%s/%s", strings.ToLower(string(t)), uuid.New()))
}
