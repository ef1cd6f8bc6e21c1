package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"fleet-monitor/cleaning/internal/config"
	"fleet-monitor/cleaning/internal/store"
)

// defaultKeys bind API keys to the inspector or device that uses them.
var defaultKeys = map[string]string{
	"depot_north_tablet_key": "tablet-depot-north",
	"depot_south_tablet_key": "tablet-depot-south",
	"edge_camera_key":        "edge-camera",
	"test_key":               "test-inspector",
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	fmt.Println("Connecting to Redis...")
	rs, err := store.NewRedisStore(ctx, store.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		FleetID:  cfg.FleetID,
	})
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	defer rs.Close()
	fmt.Println("✓ Connected")

	keys := parseKeys(os.Getenv("SEED_API_KEYS"))
	if len(keys) == 0 {
		keys = defaultKeys
	}

	seedKeys(ctx, rs, keys)
	verify(ctx, rs, keys)

	fmt.Println("\n✅ Redis seeded successfully")
}

// parseKeys reads "key=subject,key2=subject2".
func parseKeys(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, subject, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" || subject == "" {
			continue
		}
		out[key] = subject
	}
	return out
}

func seedKeys(ctx context.Context, rs *store.RedisStore, keys map[string]string) {
	fmt.Println("\n── Step 1: Seeding API keys ────────────────────")
	for key, subject := range keys {
		if err := rs.SetAPIKey(ctx, key, subject); err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ %-30s -> %s\n", key, subject)
	}
}

func verify(ctx context.Context, rs *store.RedisStore, keys map[string]string) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")
	for key, want := range keys {
		got, err := rs.GetAPIKey(ctx, key)
		if err != nil || got != want {
			log.Fatalf("Spot check failed for %s: got %q, err %v", key, got, err)
		}
	}
	fmt.Printf("  ✓ %d API keys resolve\n", len(keys))
}
