package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestTraitsRetriesThenSucceeds(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"trait_type":"rarity","value":"legendary"},{"trait_type":"element","value":"fire"}]`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, zerolog.Nop())
	traits, err := c.Traits(context.Background(), "HEROES-def456", 7)
	if err != nil {
		t.Fatalf("traits: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2 (one 429, one success)", calls)
	}
	if len(traits) != 2 || traits[0].TraitType != "rarity" || traits[0].Value != "legendary" {
		t.Errorf("traits = %+v", traits)
	}
}

func TestTraitsGivesUpAfterRetryCeiling(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, zerolog.Nop())
	_, err := c.Traits(context.Background(), "HEROES-def456", 7)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := atomic.LoadInt32(&calls); got != int32(maxRetries)+1 {
		t.Errorf("calls = %d, want %d", got, maxRetries+1)
	}
}

func TestTraitsClientErrorDoesNotRetry(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, zerolog.Nop())
	_, err := c.Traits(context.Background(), "HEROES-def456", 7)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1 (4xx is terminal)", calls)
	}
}

func TestTraitsHonorsContextCancellation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(ts.URL, zerolog.Nop())
	_, err := c.Traits(ctx, "HEROES-def456", 7)
	if err == nil {
		t.Fatal("expected error with cancelled context")
	}
}
