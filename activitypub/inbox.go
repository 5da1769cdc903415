package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MaxActivitySize bounds inbound request bodies.
const MaxActivitySize = 1 << 20

// HandleInbox processes incoming activities for the shared inbox and every actor inbox.
// It answers 202 once an activity is verified, whether it is new or a redelivery.
func (f *Federation) HandleInbox(w http.ResponseWriter, r *http.Request) {
	ctx, span := f.tracer.Start(r.Context(), "inbox.receive")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxActivitySize+1))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "Activity too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		f.Log.Warnw("Inbox: failed to read body", "error", err)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if len(body) > MaxActivitySize {
		http.Error(w, "Activity too large", http.StatusRequestEntityTooLarge)
		return
	}

	status, err := f.receive(ctx, r, body)
	span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if status >= http.StatusInternalServerError {
			f.Log.Errorw("Inbox: rejected", "status", status, "error", err)
		} else {
			f.Log.Infow("Inbox: rejected", "status", status, "error", err)
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.WriteHeader(status)
}

func (f *Federation) receive(ctx context.Context, r *http.Request, body []byte) (int, error) {
	a, err := Unwrap(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	f.Log.Debugw("Inbox: received", "type", a.Type, "id", a.ID, "actor", a.Actor)

	if err := f.Policy.Check(ctx, hostOf(a.Actor)); err != nil {
		return inboundStatus(err), err
	}

	// reject unsigned or foreign-key requests before spending a fetch on the actor
	keyID, err := SignatureKeyID(r)
	if err != nil {
		return http.StatusUnauthorized, err
	}
	if keyOwner(keyID) != a.Actor {
		return http.StatusUnauthorized, fmt.Errorf("%w: key %s does not belong to %s", ErrSignatureInvalid, keyID, a.Actor)
	}

	rc := f.NewRequestContext()
	actor, err := ActorID(a.Actor).Dereference(ctx, rc)
	if err != nil {
		if errors.Is(err, ErrObjectDeleted) && a.Type == TypeDelete {
			f.Log.Debugw("Inbox: delete from a gone actor ignored", "actor", a.Actor)
			return http.StatusAccepted, nil
		}
		return inboundStatus(err), fmt.Errorf("actor %s: %w", a.Actor, err)
	}
	if _, err := VerifyRequest(r, body, actor.PublicKeyPem, f.now()); err != nil {
		return http.StatusUnauthorized, err
	}

	applied, err := f.Store.ActivityApplied(ctx, a.ID)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if applied {
		f.Log.Debugw("Inbox: duplicate activity", "id", a.ID)
		return http.StatusAccepted, nil
	}

	if err := rc.Verify(ctx, a); err != nil {
		return inboundStatus(err), err
	}

	processed := true
	if err := rc.Receive(ctx, a); err != nil {
		processed = false
		f.Log.Errorw("Inbox: failed to apply activity", "id", a.ID, "type", a.Type,
			"error", fmt.Errorf("%w: %w", ErrApplyFailed, err))
	}
	if err := f.Store.RecordActivityApplied(ctx, ledgerEntry(a, processed)); err != nil {
		f.Log.Errorw("Inbox: failed to record activity", "id", a.ID, "error", err)
	}
	if processed {
		rc.forwardToCommunity(ctx, a)
	}
	f.Log.Infow("Inbox: accepted", "type", a.Type, "id", a.ID, "requests", rc.RequestCount())
	return http.StatusAccepted, nil
}
