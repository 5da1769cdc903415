package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/deemkeen/linkfed/activitypub"
	"github.com/deemkeen/linkfed/domain"
	"github.com/gin-gonic/gin"
)

const activityContentType = activitypub.ContentType + "; charset=utf-8"

// renderActivityJSON writes v as application/activity+json.
func (h *Handler) renderActivityJSON(c *gin.Context, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.log.Errorw("Http: failed to marshal object", "path", c.Request.URL.Path, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, activityContentType, body)
}

func (h *Handler) notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
}

func (h *Handler) serverError(c *gin.Context, what string, err error) {
	h.log.Errorw("Http: "+what, "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}

// localActor loads the local actor named in the route. It writes the response
// and returns nil when there is nothing to serve.
func (h *Handler) localActor(c *gin.Context, community bool) *domain.Actor {
	actor, err := h.fed.Store.ReadLocalActorByName(c.Request.Context(), c.Param("name"), community)
	if errors.Is(err, domain.ErrNotFound) {
		h.notFound(c)
		return nil
	}
	if err != nil {
		h.serverError(c, "failed to read actor", err)
		return nil
	}
	if actor.Deleted {
		formerType := string(actor.Type)
		h.renderActivityJSON(c, http.StatusGone, activitypub.NewTombstone(actor.ActorURI, formerType, actor.LastRefreshedAt))
		return nil
	}
	return actor
}

func (h *Handler) GetPerson(c *gin.Context) {
	if actor := h.localActor(c, false); actor != nil {
		h.renderActivityJSON(c, http.StatusOK, activitypub.ActorToObject(actor))
	}
}

func (h *Handler) GetCommunity(c *gin.Context) {
	if actor := h.localActor(c, true); actor != nil {
		h.renderActivityJSON(c, http.StatusOK, activitypub.ActorToObject(actor))
	}
}

type collectionFunc func(ctx context.Context, actor *domain.Actor) (*activitypub.OrderedCollection, error)

// collection serves one of an actor's collections.
func (h *Handler) collection(community bool, build collectionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := h.localActor(c, community)
		if actor == nil {
			return
		}
		coll, err := build(c.Request.Context(), actor)
		if err != nil {
			h.serverError(c, "failed to build collection", err)
			return
		}
		h.renderActivityJSON(c, http.StatusOK, coll)
	}
}
