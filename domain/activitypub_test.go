package domain

import (
	"testing"
	"time"
)

func TestInstanceBlockActive(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name     string
		expires  *time.Time
		expected bool
	}{
		{"no expiry", nil, true},
		{"expired", &past, false},
		{"not yet expired", &future, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := InstanceBlock{Domain: "bad.example", Expires: tt.expires}
			if got := b.Active(now); got != tt.expected {
				t.Errorf("Expected Active() = %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestActorDeliveryInbox(t *testing.T) {
	a := &Actor{InboxURI: "https://remote.example/u/bob/inbox"}
	if a.DeliveryInbox() != "https://remote.example/u/bob/inbox" {
		t.Errorf("Expected personal inbox, got %s", a.DeliveryInbox())
	}

	a.SharedInboxURI = "https://remote.example/inbox"
	if a.DeliveryInbox() != "https://remote.example/inbox" {
		t.Errorf("Expected shared inbox to be preferred, got %s", a.DeliveryInbox())
	}
}

func TestActorKeyID(t *testing.T) {
	a := &Actor{ActorURI: "https://local.example/u/alice"}
	if a.KeyID() != "https://local.example/u/alice#main-key" {
		t.Errorf("Expected key id with #main-key suffix, got %s", a.KeyID())
	}
}

func TestContentVisible(t *testing.T) {
	p := &Post{}
	if !p.Visible() {
		t.Error("Fresh post should be visible")
	}
	p.Removed = true
	if p.Visible() {
		t.Error("Removed post should not be visible")
	}

	c := &Comment{Deleted: true}
	if c.Visible() {
		t.Error("Deleted comment should not be visible")
	}
}
