package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/linkfed/activitypub"
	"github.com/deemkeen/linkfed/domain"
	"github.com/gin-gonic/gin"
)

// QueueReporter exposes the delivery state of remote instances. *activitypub.Dispatcher implements it.
type QueueReporter interface {
	CurrentQueueState(ctx context.Context, host string) (*activitypub.QueueStatus, error)
	QueueStates(ctx context.Context) ([]activitypub.QueueStatus, error)
}

type QueueView struct {
	Domain                    string     `json:"domain"`
	LastSuccessfulID          int64      `json:"last_successful_id"`
	LastSuccessfulPublishedAt *time.Time `json:"last_successful_published_at,omitempty"`
	FailCount                 int        `json:"fail_count"`
	LastRetryAt               *time.Time `json:"last_retry_at,omitempty"`
	Degraded                  bool       `json:"degraded"`
	Active                    bool       `json:"active"`
}

func queueView(s activitypub.QueueStatus) QueueView {
	return QueueView{
		Domain:                    s.Domain,
		LastSuccessfulID:          s.LastSuccessfulId,
		LastSuccessfulPublishedAt: s.LastSuccessfulPublishedAt,
		FailCount:                 s.FailCount,
		LastRetryAt:               s.LastRetryAt,
		Degraded:                  s.Degraded,
		Active:                    s.Active,
	}
}

func (h *Handler) GetQueueStates(c *gin.Context) {
	states, err := h.queue.QueueStates(c.Request.Context())
	if err != nil {
		h.serverError(c, "failed to read queue states", err)
		return
	}
	views := make([]QueueView, 0, len(states))
	for _, s := range states {
		views = append(views, queueView(s))
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handler) GetQueueState(c *gin.Context) {
	state, err := h.queue.CurrentQueueState(c.Request.Context(), strings.ToLower(c.Param("domain")))
	if errors.Is(err, domain.ErrNotFound) {
		h.notFound(c)
		return
	}
	if err != nil {
		h.serverError(c, "failed to read queue state", err)
		return
	}
	c.JSON(http.StatusOK, queueView(*state))
}
