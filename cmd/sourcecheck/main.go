package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"carbonrecycling-backend/internal/config"
	"carbonrecycling-backend/internal/logger"
	"carbonrecycling-backend/internal/metricsource"
	"carbonrecycling-backend/internal/secrets"
	"carbonrecycling-backend/internal/storage"
	"carbonrecycling-backend/internal/warehouse"
)

const sampleLimit = 10

// sourcecheck pings an organization's configured metric source and
// prints a sample window, for connection troubleshooting.
func main() {
	org := flag.String("org", "", "organization id")
	field := flag.String("field", "emissions.total", "metric field path")
	since := flag.Duration("since", 24*time.Hour, "window to fetch")
	flag.Parse()
	if *org == "" {
		fmt.Fprintln(os.Stderr, "-org is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, cfgErr := config.Load(os.Getenv("CONFIG_PATH"))
	logger.Init("sourcecheck", "warn")
	if cfgErr != nil {
		fail("failed to load configuration: %v", cfgErr)
	}
	if len(cfg.Database.EncryptionKey) != 32 {
		fail("ENCRYPTION_KEY must be 32 bytes")
	}
	cipher, err := secrets.NewAesGcmCipher([]byte(cfg.Database.EncryptionKey))
	if err != nil {
		fail("failed to init cipher: %v", err)
	}

	ctx := context.Background()
	store, err := storage.NewStore(ctx, cfg.Database.URL)
	if err != nil {
		fail("failed to connect to db: %v", err)
	}
	defer store.Close()
	repo := storage.NewRepository(store, cipher)

	settings, configured, err := repo.OrgSourceSettings(ctx, *org)
	if err != nil {
		fail("failed to load source settings: %v", err)
	}
	if configured {
		conn := settings.Connection
		fmt.Printf("warehouse: %s %s:%d/%s\n", conn.Driver, conn.Host, conn.Port, conn.Database)
		pingWarehouse(ctx, conn)
		if _, mapped := settings.Mappings[*field]; !mapped {
			fmt.Printf("field %s is not mapped, fetch will use the platform api\n", *field)
		}
	} else {
		fmt.Println("no metric source configured, fetch will use the platform api")
	}

	var fallback metricsource.Source
	if cfg.Sources.MetricsAPIURL != "" {
		fallback = metricsource.NewHTTPSource(cfg.Sources.MetricsAPIURL, cfg.Sources.MetricsAPIToken)
	}
	resolver := metricsource.NewResolver(repo, fallback, logger.WithComponent("resolver"))
	defer resolver.Close()

	until := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	samples, err := resolver.FetchSeries(fetchCtx, *org, *field, until.Add(-*since), until)
	if err != nil {
		fail("fetch failed: %v", err)
	}

	fmt.Printf("%d samples for %s in the last %s\n", len(samples), *field, *since)
	for i, s := range samples {
		if i == sampleLimit {
			fmt.Printf("  ... %d more\n", len(samples)-sampleLimit)
			break
		}
		if s.Text != "" {
			fmt.Printf("  %s  %g  %q\n", s.Timestamp.Format(time.RFC3339), s.Value, s.Text)
			continue
		}
		fmt.Printf("  %s  %g\n", s.Timestamp.Format(time.RFC3339), s.Value)
	}
}

func pingWarehouse(ctx context.Context, conn warehouse.ConnectionConfig) {
	reader, err := warehouse.NewReader(conn)
	if err != nil {
		fail("failed to open warehouse: %v", err)
	}
	defer reader.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := reader.Ping(pingCtx); err != nil {
		fail("warehouse ping failed: %v", err)
	}
	fmt.Println("ping: ok")
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
