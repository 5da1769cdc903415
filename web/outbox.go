package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/deemkeen/linkfed/activitypub"
	"github.com/deemkeen/linkfed/domain"
	"github.com/gin-gonic/gin"
)

// privateActivity reports whether a logged activity is only for its recipients.
// Reports name the reporter and are never served publicly.
func privateActivity(typ string) bool {
	switch activitypub.ActivityType(typ) {
	case activitypub.TypeFlag, activitypub.TypeResolve:
		return true
	}
	return false
}

// GetActivity serves an activity from the outbound log by its id, exactly as it was sent.
func (h *Handler) GetActivity(c *gin.Context) {
	uri, ok := h.objectURI(c)
	if !ok {
		h.notFound(c)
		return
	}
	sent, err := h.fed.Store.ReadSentActivityByURI(c.Request.Context(), uri)
	if errors.Is(err, domain.ErrNotFound) {
		h.notFound(c)
		return
	}
	if err != nil {
		h.serverError(c, "failed to read activity", err)
		return
	}
	if privateActivity(sent.ActivityType) || !strings.EqualFold(c.Param("kind"), sent.ActivityType) {
		h.notFound(c)
		return
	}
	c.Data(http.StatusOK, activityContentType, []byte(sent.RawJSON))
}
