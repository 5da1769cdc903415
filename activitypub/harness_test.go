package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/linkfed/db"
	"github.com/deemkeen/linkfed/domain"
	"go.uber.org/zap"
)

// testInstance is one federating server: an engine over an in-memory store,
// reachable through an httptest server that serves its actors, content and inboxes.
type testInstance struct {
	t    *testing.T
	fed  *Federation
	db   *db.DB
	srv  *httptest.Server
	host string

	mu       sync.Mutex
	docs     map[string][]byte
	forced   map[string]int
	statuses []int
}

func newTestInstance(t *testing.T) *testInstance {
	t.Helper()
	ti := &testInstance{t: t, docs: make(map[string][]byte), forced: make(map[string]int)}
	ti.srv = httptest.NewServer(http.HandlerFunc(ti.serve))
	t.Cleanup(ti.srv.Close)

	u, err := url.Parse(ti.srv.URL)
	if err != nil {
		t.Fatalf("Failed to parse server url: %v", err)
	}
	ti.host = u.Host

	database, err := db.Open(context.Background(), ":memory:", zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	ti.db = database

	policy := NewInstancePolicy(PolicyOptions{LocalHost: ti.host, Enabled: true, Source: database})
	settings := Settings{
		Hostname:            ti.host,
		Scheme:              "http",
		HTTPTimeout:         5 * time.Second,
		MaxRequestsPerChain: 20,
		EnableDownvotes:     true,
	}
	ti.fed = New(settings, database, policy, ti.srv.Client(), zap.NewNop().Sugar())
	return ti
}

func (ti *testInstance) url(path string) string {
	return "http://" + ti.host + path
}

// setDoc serves body verbatim at path.
func (ti *testInstance) setDoc(path string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ti.t.Fatalf("Failed to marshal document: %v", err)
	}
	ti.mu.Lock()
	ti.docs[path] = body
	ti.mu.Unlock()
}

// force answers every request to path with status.
func (ti *testInstance) force(path string, status int) {
	ti.mu.Lock()
	ti.forced[path] = status
	ti.mu.Unlock()
}

func (ti *testInstance) inboxStatuses() []int {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return append([]int(nil), ti.statuses...)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (ti *testInstance) serve(w http.ResponseWriter, r *http.Request) {
	ti.mu.Lock()
	status, forced := ti.forced[r.URL.Path]
	doc, hasDoc := ti.docs[r.URL.Path]
	ti.mu.Unlock()

	switch {
	case forced:
		w.WriteHeader(status)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/inbox"):
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ti.fed.HandleInbox(rec, r)
		ti.mu.Lock()
		ti.statuses = append(ti.statuses, rec.status)
		ti.mu.Unlock()
	case hasDoc:
		w.Header().Set("Content-Type", ContentType)
		w.Write(doc)
	default:
		ti.serveObject(w, r)
	}
}

func (ti *testInstance) serveObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uri := ti.url(r.URL.Path)
	var v any

	if strings.HasSuffix(uri, "/moderators") {
		if c, err := ti.db.ReadActorByURI(ctx, strings.TrimSuffix(uri, "/moderators")); err == nil {
			v, _ = ti.fed.Moderators(ctx, c)
		}
	} else if strings.HasSuffix(uri, "/outbox") {
		if c, err := ti.db.ReadActorByURI(ctx, strings.TrimSuffix(uri, "/outbox")); err == nil {
			v, _ = ti.fed.Outbox(ctx, c)
		}
	} else if a, err := ti.db.ReadActorByURI(ctx, uri); err == nil {
		if a.Deleted {
			w.WriteHeader(http.StatusGone)
			return
		}
		v = ActorToObject(a)
	} else if p, err := ti.db.ReadPostByURI(ctx, uri); err == nil {
		v = PostToPage(p)
	} else if c, err := ti.db.ReadCommentByURI(ctx, uri); err == nil {
		v = CommentToNote(c)
	} else if s, err := ti.db.ReadSentActivityByURI(ctx, uri); err == nil {
		w.Header().Set("Content-Type", ContentType)
		w.Write([]byte(s.RawJSON))
		return
	}

	if v == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	json.NewEncoder(w).Encode(v)
}

func (ti *testInstance) person(name string) *domain.Actor {
	ti.t.Helper()
	a, err := ti.fed.CreateLocalActor(context.Background(), name, domain.ActorPerson, strings.ToUpper(name[:1])+name[1:])
	if err != nil {
		ti.t.Fatalf("CreateLocalActor(%s) failed: %v", name, err)
	}
	return a
}

func (ti *testInstance) community(name string) *domain.Actor {
	ti.t.Helper()
	a, err := ti.fed.CreateLocalActor(context.Background(), name, domain.ActorGroup, name)
	if err != nil {
		ti.t.Fatalf("CreateLocalActor(%s) failed: %v", name, err)
	}
	return a
}

// post creates a local post in community by creator.
func (ti *testInstance) post(creator, community *domain.Actor, name string) *domain.Post {
	ti.t.Helper()
	p := &domain.Post{
		CommunityURI: community.ActorURI,
		CreatorURI:   creator.ActorURI,
		Name:         name,
		Body:         "body of " + name,
		Local:        true,
		Published:    time.Now().UTC().Truncate(time.Second),
	}
	p.ApID = ti.url("/post/" + strings.ReplaceAll(strings.ToLower(name), " ", "-"))
	if err := ti.db.UpsertPost(context.Background(), p); err != nil {
		ti.t.Fatalf("UpsertPost failed: %v", err)
	}
	return p
}

// activity wraps and marshals an activity the way the outbox does.
func activityBody(t *testing.T, a *Activity) []byte {
	t.Helper()
	env, err := Wrap(a, ExtendedContext()...)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return body
}

// postSigned signs body as actor and POSTs it to inbox, returning the status.
func postSigned(t *testing.T, actor *domain.Actor, inbox string, body []byte) int {
	t.Helper()
	key, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	return postSignedWith(t, key, actor.KeyID(), inbox, body)
}

// postSignedWith signs with an explicit key; a nil key sends the request unsigned.
func postSignedWith(t *testing.T, key *rsa.PrivateKey, keyID, inbox string, body []byte) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", ContentType)
	if key != nil {
		if err := SignRequest(req, key, keyID, body); err != nil {
			t.Fatalf("SignRequest failed: %v", err)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", inbox, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

// deliverPending synchronously delivers everything in ti's outbound log.
func deliverPending(t *testing.T, ti *testInstance) {
	t.Helper()
	ctx := context.Background()
	d := NewDispatcher(ti.fed, DeliverySettings{BaseRetryDelay: time.Millisecond, MaxAttempts: 1})
	d.sleep = func(context.Context, time.Duration) error { return nil }

	domains, err := ti.db.ReadPendingDomains(ctx)
	if err != nil {
		t.Fatalf("ReadPendingDomains failed: %v", err)
	}
	for _, host := range domains {
		w := &instanceWorker{domain: host, wake: make(chan struct{}, 1)}
		state, err := d.loadState(ctx, host)
		if err != nil {
			t.Fatalf("loadState failed: %v", err)
		}
		items, err := ti.db.ReadPendingDeliveries(ctx, state.InstanceId, state.LastSuccessfulId, 100)
		if err != nil {
			t.Fatalf("ReadPendingDeliveries failed: %v", err)
		}
		for i := range items {
			if err := d.deliverItem(ctx, w, state, &items[i]); err != nil {
				t.Fatalf("deliverItem failed: %v", err)
			}
		}
	}
}
