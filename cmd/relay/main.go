package main

import (
	"context"
	"log"

	"github.com/plagzap/meetkit/internal/relay"
)

func main() {
	cfg := relay.LoadConfig()

	var store relay.RoomStore
	if cfg.RedisAddr != "" {
		rs, err := relay.NewRedisStore(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.MeetingTTL)
		if err != nil {
			log.Fatalf("relay: %v", err)
		}
		store = rs
		log.Printf("relay: using redis meeting store at %s", cfg.RedisAddr)
	} else {
		store = relay.NewMemoryStore(cfg.MeetingTTL)
		log.Printf("relay: using in-memory meeting store")
	}
	defer store.Close()

	srv := relay.NewServer(cfg, store)
	if err := srv.Run(); err != nil {
		log.Fatalf("relay: server exited: %v", err)
	}
}
