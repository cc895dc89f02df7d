package redis

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilClientGuards(t *testing.T) {
	var c *Client
	ctx := context.Background()

	if _, err := c.SetNX(ctx, "k", 1, time.Second); !errors.Is(err, errNotInitialized) {
		t.Fatalf("SetNX on nil client: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil client: %v", err)
	}
}

func TestEmptyClientGuards(t *testing.T) {
	c := &Client{}
	if _, err := c.SetNX(context.Background(), "k", 1, time.Second); !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected not initialized error, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on empty client: %v", err)
	}
}
