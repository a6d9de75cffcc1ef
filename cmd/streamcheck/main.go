package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/park285/cheese-lichess-bot/internal/lichess"
)

func main() {
	baseURL := os.Getenv("LICHESS_URL")
	token := os.Getenv("BOT_TOKEN")
	if baseURL == "" {
		baseURL = lichess.DefaultBaseURL
	}
	if token == "" {
		log.Fatal("BOT_TOKEN is required")
	}
	window := 10 * time.Second
	if v := os.Getenv("STREAMCHECK_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("bad STREAMCHECK_WINDOW: %v", err)
		}
		window = d
	}

	client := lichess.NewClient(baseURL, token, lichess.WithTimeout(8*time.Second), lichess.WithRetry(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	acc, err := client.Account(ctx)
	cancel()
	if err != nil {
		log.Printf("/api/account error: %v", err)
	} else {
		log.Printf("/api/account ok: id=%s username=%s title=%s", acc.ID, acc.Username, acc.Title)
	}

	// Observe for a short window
	sctx, scancel := context.WithTimeout(context.Background(), window)
	defer scancel()
	streamer := lichess.NewStreamer(baseURL, token, lichess.WithStreamRetry(1, nil))
	events, errc := streamer.StreamAccount(sctx)
	for ev := range events {
		switch {
		case ev.Challenge != nil:
			fmt.Printf("event %s id=%s from=%s variant=%s\n", ev.Type, ev.Challenge.ID, ev.Challenge.Challenger.Display(), ev.Challenge.Variant.Key)
		case ev.Game != nil:
			fmt.Printf("event %s game=%s\n", ev.Type, ev.Game.Key())
		default:
			fmt.Printf("event %s\n", ev.Type)
		}
	}
	if err := <-errc; err != nil {
		log.Printf("stream error: %v", err)
		return
	}
	log.Println("observation window closed")
}
