package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by the store when a row does not exist or has been deleted.
var ErrNotFound = errors.New("not found")

type ActorType string

const (
	ActorPerson      ActorType = "Person"
	ActorGroup       ActorType = "Group"
	ActorService     ActorType = "Service"
	ActorApplication ActorType = "Application"
)

// Actor is a person or community, local or a cached remote copy.
type Actor struct {
	Id                        uuid.UUID
	ActorURI                  string
	Type                      ActorType
	Username                  string
	Domain                    string
	DisplayName               string
	Summary                   string
	InboxURI                  string
	SharedInboxURI            string
	OutboxURI                 string
	FollowersURI              string
	ModeratorsURI             string
	FeaturedURI               string
	PublicKeyPem              string
	PrivateKeyPem             string // only set for local actors
	Local                     bool
	Deleted                   bool
	ManuallyApprovesFollowers bool
	PostingRestrictedToMods   bool
	LastRefreshedAt           time.Time
	CreatedAt                 time.Time
}

func (a *Actor) IsCommunity() bool {
	return a.Type == ActorGroup
}

// DeliveryInbox returns the shared inbox when the actor's instance publishes one.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

func (a *Actor) KeyID() string {
	return a.ActorURI + "#main-key"
}

func (a *Actor) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tActorURI: %s \n\tType: %s \n\tLocal: %t)", a.Id, a.ActorURI, a.Type, a.Local)
}
