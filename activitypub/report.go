package activitypub

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/linkfed/domain"
)

func (rc *RequestContext) verifyReport(ctx context.Context, a *Activity) error {
	content, err := ContentID(a.Object.IRI).Dereference(ctx, rc)
	if err != nil {
		return fmt.Errorf("reported object %s: %w", a.Object.IRI, err)
	}
	return rc.verifyNotBanned(ctx, content.CommunityURI(), a.Actor)
}

func (rc *RequestContext) receiveReport(ctx context.Context, a *Activity) error {
	content, err := ContentID(a.Object.IRI).Dereference(ctx, rc)
	if err != nil {
		return err
	}
	report := &domain.Report{
		ActivityURI:  a.ID,
		ReporterURI:  a.Actor,
		ObjectURI:    content.URI(),
		CommunityURI: content.CommunityURI(),
		Reason:       a.Summary,
	}
	if err := rc.Store.CreateReport(ctx, report); err != nil {
		return fmt.Errorf("store report: %w", err)
	}
	rc.Log.Infow("Inbox: report received", "object", report.ObjectURI, "reporter", report.ReporterURI)
	return nil
}

// resolvedReport returns the report a Resolve refers to, or nil when it was never received here.
func (rc *RequestContext) resolvedReport(ctx context.Context, a *Activity) (*domain.Report, error) {
	r, err := rc.Store.ReadReportByActivityURI(ctx, a.Object.IRI)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

func (rc *RequestContext) verifyResolveReport(ctx context.Context, a *Activity) error {
	r, err := rc.resolvedReport(ctx, a)
	if err != nil || r == nil {
		return err
	}
	return rc.verifyModerator(ctx, r.CommunityURI, a.Actor)
}

func (rc *RequestContext) receiveResolveReport(ctx context.Context, a *Activity) error {
	r, err := rc.resolvedReport(ctx, a)
	if err != nil || r == nil {
		return err
	}
	rc.Log.Infow("Inbox: report resolved", "report", r.ActivityURI, "resolver", a.Actor)
	return rc.Store.ResolveReport(ctx, r.ActivityURI, a.Actor, true)
}
