package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/deemkeen/linkfed/activitypub"
	"github.com/deemkeen/linkfed/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// objectURI rebuilds the canonical id of a local object from the request path.
// It reports false when the id segment is not a uuid.
func (h *Handler) objectURI(c *gin.Context) (string, bool) {
	if _, err := uuid.Parse(c.Param("id")); err != nil {
		return "", false
	}
	return h.fed.LocalURL(c.Request.URL.Path), true
}

func (h *Handler) tombstone(c *gin.Context, id, formerType string, updated *time.Time, published time.Time) {
	deleted := published
	if updated != nil {
		deleted = *updated
	}
	h.renderActivityJSON(c, http.StatusGone, activitypub.NewTombstone(id, formerType, deleted))
}

func (h *Handler) GetPost(c *gin.Context) {
	uri, ok := h.objectURI(c)
	if !ok {
		h.notFound(c)
		return
	}
	post, err := h.fed.Store.ReadPostByURI(c.Request.Context(), uri)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !post.Local) {
		h.notFound(c)
		return
	}
	if err != nil {
		h.serverError(c, "failed to read post", err)
		return
	}
	if !post.Visible() {
		h.tombstone(c, post.ApID, "Page", post.Updated, post.Published)
		return
	}
	h.renderActivityJSON(c, http.StatusOK, activitypub.PostToPage(post))
}

func (h *Handler) GetComment(c *gin.Context) {
	uri, ok := h.objectURI(c)
	if !ok {
		h.notFound(c)
		return
	}
	comment, err := h.fed.Store.ReadCommentByURI(c.Request.Context(), uri)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !comment.Local) {
		h.notFound(c)
		return
	}
	if err != nil {
		h.serverError(c, "failed to read comment", err)
		return
	}
	if !comment.Visible() {
		h.tombstone(c, comment.ApID, "Note", comment.Updated, comment.Published)
		return
	}
	h.renderActivityJSON(c, http.StatusOK, activitypub.CommentToNote(comment))
}
