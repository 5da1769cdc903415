package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/deemkeen/linkfed/activitypub"
	"github.com/deemkeen/linkfed/domain"
	"github.com/gin-gonic/gin"
)

const (
	webfingerContentType = "application/jrd+json; charset=utf-8"
	typeProperty         = "https://www.w3.org/ns/activitystreams#type"
)

type WebfingerLink struct {
	Rel        string            `json:"rel"`
	Type       string            `json:"type,omitempty"`
	Href       string            `json:"href"`
	Properties map[string]string `json:"properties,omitempty"`
}

type Webfinger struct {
	Subject string          `json:"subject"`
	Links   []WebfingerLink `json:"links"`
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}

// parseAcct splits acct:name@host. A missing host means the local one.
func parseAcct(resource, localHost string) (string, bool) {
	if !strings.HasPrefix(resource, "acct:") {
		return "", false
	}
	name, host, found := strings.Cut(strings.TrimPrefix(resource, "acct:"), "@")
	if name == "" || (found && !strings.EqualFold(host, localHost)) {
		return "", false
	}
	return name, true
}

// GetWebfinger resolves a local person or community. When both share the name,
// both are listed and told apart by their type property.
func (h *Handler) GetWebfinger(c *gin.Context) {
	host := h.fed.Settings.Hostname
	name, ok := parseAcct(c.Query("resource"), host)
	if !ok {
		c.Data(http.StatusNotFound, webfingerContentType, []byte(GetWebFingerNotFound()))
		return
	}

	ctx := c.Request.Context()
	var links []WebfingerLink
	for _, community := range []bool{false, true} {
		actor, err := h.fed.Store.ReadLocalActorByName(ctx, name, community)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			h.serverError(c, "failed to read actor for webfinger", err)
			return
		}
		if actor.Deleted {
			continue
		}
		links = append(links, WebfingerLink{
			Rel:        "self",
			Type:       activitypub.ContentType,
			Href:       actor.ActorURI,
			Properties: map[string]string{typeProperty: string(actor.Type)},
		})
	}
	if len(links) == 0 {
		c.Data(http.StatusNotFound, webfingerContentType, []byte(GetWebFingerNotFound()))
		return
	}

	c.Header("Content-Type", webfingerContentType)
	c.JSON(http.StatusOK, Webfinger{Subject: "acct:" + name + "@" + host, Links: links})
}
