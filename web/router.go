package web

import (
	"github.com/deemkeen/linkfed/activitypub"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler serves the federation endpoints of one instance.
type Handler struct {
	fed   *activitypub.Federation
	queue QueueReporter
	log   *zap.SugaredLogger
}

func NewHandler(fed *activitypub.Federation, queue QueueReporter, log *zap.SugaredLogger) *Handler {
	return &Handler{fed: fed, queue: queue, log: log}
}

// Router mounts the inboxes, the object and collection endpoints, webfinger and
// the delivery queue dashboard.
func Router(h *Handler) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(h.log))

	// Object fetches: 20 requests per second per IP, burst of 40
	objects := g.Group("/", RateLimitMiddleware(NewRateLimiter(rate.Limit(20), 40)), gzip.Gzip(gzip.DefaultCompression))

	// Peers deliver in bursts after an outage, so inboxes get a larger bucket
	inboxLimiter := NewRateLimiter(rate.Limit(50), 200)
	inbox := []gin.HandlerFunc{
		RateLimitMiddleware(inboxLimiter),
		MaxBytesMiddleware(activitypub.MaxActivitySize),
		gin.WrapF(h.fed.HandleInbox),
	}
	g.POST("/inbox", inbox...)
	g.POST("/u/:name/inbox", inbox...)
	g.POST("/c/:name/inbox", inbox...)

	objects.GET("/u/:name", h.GetPerson)
	objects.GET("/u/:name/outbox", h.collection(false, h.fed.Outbox))
	objects.GET("/u/:name/followers", h.collection(false, h.fed.Followers))

	objects.GET("/c/:name", h.GetCommunity)
	objects.GET("/c/:name/outbox", h.collection(true, h.fed.Outbox))
	objects.GET("/c/:name/followers", h.collection(true, h.fed.Followers))
	objects.GET("/c/:name/moderators", h.collection(true, h.fed.Moderators))
	objects.GET("/c/:name/featured", h.collection(true, h.fed.Featured))

	objects.GET("/post/:id", h.GetPost)
	objects.GET("/comment/:id", h.GetComment)
	objects.GET("/activities/:kind/:id", h.GetActivity)

	objects.GET("/.well-known/webfinger", h.GetWebfinger)

	objects.GET("/federation/queue", h.GetQueueStates)
	objects.GET("/federation/queue/:domain", h.GetQueueState)

	return g
}
