package model

import (
	"testing"
	"time"
)

func TestNewSubscription_Defaults(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	sub := NewSubscription("http://cb.example.com/", "http://example.com/feed", "tok", "sec", 0, now)

	if sub.State != StateNotVerified {
		t.Errorf("State = %q, want %q", sub.State, StateNotVerified)
	}
	if sub.LeaseSeconds != DefaultLeaseSeconds {
		t.Errorf("LeaseSeconds = %d, want %d", sub.LeaseSeconds, DefaultLeaseSeconds)
	}
	wantExp := now.Add(5 * 24 * time.Hour)
	if !sub.ExpirationTime.Equal(wantExp) {
		t.Errorf("ExpirationTime = %v, want %v", sub.ExpirationTime, wantExp)
	}
	if sub.ID != SubscriptionKeyName("http://cb.example.com/", "http://example.com/feed") {
		t.Errorf("IDはコールバックとトピックの組から導出されるべき: %q", sub.ID)
	}
}

func TestNewSubscription_LeaseCap(t *testing.T) {
	now := time.Now()
	sub := NewSubscription("http://cb.example.com/", "http://example.com/feed", "", "", MaxLeaseSeconds*3, now)
	if sub.LeaseSeconds != MaxLeaseSeconds {
		t.Errorf("リース期間は上限に切り詰められるべき: %d, want %d", sub.LeaseSeconds, MaxLeaseSeconds)
	}
}

func TestNewSubscription_SamePairSameID(t *testing.T) {
	now := time.Now()
	a := NewSubscription("http://cb.example.com/", "http://example.com/feed", "t1", "s1", 100, now)
	b := NewSubscription("http://cb.example.com/", "http://example.com/feed", "t2", "s2", 200, now)
	if a.ID != b.ID {
		t.Error("同じ組の購読は同じIDに収束するべき")
	}
}
