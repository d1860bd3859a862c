package rdb

import (
	"context"
	"fmt"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestParseURL(t *testing.T) {
	opts, err := ParseURL("redis://:secret@cache.local:6380/3")
	if err != nil { t.Fatalf("ParseURL: %v", err) }
	if opts.Addr != "cache.local:6380" || opts.Password != "secret" || opts.DB != 3 {
		t.Fatalf("unexpected options: addr=%s pass=%s db=%d", opts.Addr, opts.Password, opts.DB)
	}
	if _, err := ParseURL("http://cache.local"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := ParseURL("redis://cache.local/x"); err == nil {
		t.Fatalf("expected invalid db error")
	}
}

func TestOpenPings(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil { t.Fatalf("miniredis: %v", err) }
	defer mr.Close()
	addr := mr.Addr()

	c, err := Open(context.Background(), fmt.Sprintf("redis://%s/0", addr))
	if err != nil { t.Fatalf("Open: %v", err) }
	defer c.Close()

	// Addr is unavailable once the server is closed
	mr.Close()
	if _, err := Open(context.Background(), fmt.Sprintf("redis://%s/0", addr)); err == nil {
		t.Fatalf("expected ping failure after server close")
	}
}
