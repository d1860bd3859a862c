package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/park285/gridmatch/internal/notify"
)

func main() {
	baseURL := os.Getenv("NOTIFY_BASE_URL")
	wsURL := os.Getenv("NOTIFY_WS_URL")
	token := os.Getenv("NOTIFY_TOKEN")
	target := os.Getenv("NOTIFY_TEST_PLAYER")

	if baseURL == "" && wsURL == "" {
		log.Fatal("NOTIFY_BASE_URL or NOTIFY_WS_URL is required")
	}

	headers := func() map[string]string {
		m := map[string]string{}
		if token != "" {
			m["X-Notify-Token"] = token
		}
		return m
	}

	if baseURL != "" {
		client := notify.NewClient(baseURL,
			notify.WithHeaderProvider(headers),
			notify.WithTimeout(8*time.Second),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Health(ctx); err != nil {
			log.Printf("/health error: %v", err)
		} else {
			log.Printf("/health ok: %s", baseURL)
		}
		cancel()
	}

	if wsURL == "" {
		log.Println("NOTIFY_WS_URL not set; skipping WS check")
		return
	}

	ws := notify.NewWebSocket(wsURL, 5, time.Second)
	ws.SetHeaderProvider(headers)
	ws.OnStateChange(func(state notify.State) {
		log.Printf("WS state: %s", state)
	})

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := ws.Connect(cctx); err != nil {
		log.Printf("WS connect error: %v", err)
		return
	}
	if target != "" {
		ev := notify.Event{Type: notify.EventQueueUpdate, Message: "connectivity check", Payload: map[string]any{"status": "check"}}
		if err := ws.Notify(cctx, target, ev); err != nil {
			log.Printf("WS test event error: %v", err)
		} else {
			log.Printf("WS test event sent to %s", target)
		}
	}

	// watch state changes for a short window
	t := time.NewTimer(10 * time.Second)
	<-t.C

	_ = ws.Close(context.Background())
}
