package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/golang/glog"

	"github.com/faanross/pixelvault/internal/chunker"
	"github.com/faanross/pixelvault/internal/config"
	"github.com/faanross/pixelvault/internal/relay"
)

var (
	configFile    string
	dnsAddr       string
	httpAddr      string
	domain        string
	storageFile   string
	zoneFile      string
	cleanInterval time.Duration
	ttl           time.Duration
)

func init() {
	def := config.Default().Relay

	flag.StringVar(&configFile, "c", "", "configuration file path")
	flag.StringVar(&dnsAddr, "dns", def.DNSListen, "DNS listen address (UDP)")
	flag.StringVar(&httpAddr, "http", def.HTTPListen, "HTTP upload API listen address, empty to disable")
	flag.StringVar(&domain, "domain", def.Domain, "Domain to serve")
	flag.StringVar(&storageFile, "storage", def.StorageFile, "Persist messages to this JSON file")
	flag.StringVar(&zoneFile, "zone", "", "Zone file to publish at startup")
	flag.DurationVar(&cleanInterval, "clean", def.CleanupInterval, "Cleanup interval for old messages")
	flag.DurationVar(&ttl, "ttl", def.TTL, "How long messages are kept")

	flag.Parse()
	flag.Set("logtostderr", "true")

	if configFile != "" {
		log.Infof("Configuration file specified, ignoring other flags")
		cfg, err := config.Load(configFile)
		if err != nil {
			log.Fatalf("%v", err)
		}
		dnsAddr = cfg.Relay.DNSListen
		httpAddr = cfg.Relay.HTTPListen
		domain = cfg.Relay.Domain
		storageFile = cfg.Relay.StorageFile
		cleanInterval = cfg.Relay.CleanupInterval
		ttl = cfg.Relay.TTL
	}
}

func openStorage() relay.Storage {
	if storageFile == "" {
		log.Infof("💾 Using in-memory storage")
		return relay.NewMemoryStorage()
	}

	log.Infof("📁 Using persistent storage (%s)", storageFile)
	fs, err := relay.NewFileStorage(storageFile)
	if err != nil {
		log.Fatalf("Failed to create file storage: %v", err)
	}
	return fs
}

func loadZone(qm *relay.QueueManager) {
	f, err := os.Open(zoneFile)
	if err != nil {
		log.Fatalf("Failed to read zone file: %v", err)
	}
	defer f.Close()

	records, err := chunker.ParseZoneFile(f, domain)
	if err != nil {
		log.Fatalf("Failed to parse zone file: %v", err)
	}

	ids, err := qm.PublishRecords(records, domain)
	for _, id := range ids {
		log.Infof("✅ Loaded message %s from zone file", id)
	}
	if err != nil {
		log.Errorf("Failed to load zone file: %v", err)
	}
}

func printStats(storage relay.Storage) {
	stats := storage.GetStats()
	fmt.Printf("\n📊 Storage Statistics:\n")
	fmt.Printf("   Total messages: %d\n", stats.TotalMessages)
	fmt.Printf("   New (undelivered): %d\n", stats.NewMessages)
	fmt.Printf("   Delivered: %d\n", stats.Delivered)
	fmt.Printf("   Consumed: %d\n", stats.Consumed)
	fmt.Printf("   Total chunks: %d\n", stats.TotalChunks)

	messages, err := storage.ListMessages()
	if err != nil || len(messages) == 0 {
		return
	}
	fmt.Println("\n📬 Stored Messages:")
	for _, m := range messages {
		fmt.Printf("   %s: %d chunks, status=%s, consumers=%d\n",
			m.ID, m.TotalChunks, m.State, len(m.Consumers))
	}
}

func main() {
	defer log.Flush()

	storage := openStorage()
	server := relay.NewServer(relay.ServerConfig{
		Domain:          domain,
		DNSAddr:         dnsAddr,
		HTTPAddr:        httpAddr,
		TTL:             ttl,
		CleanupInterval: cleanInterval,
	}, storage)

	if zoneFile != "" {
		loadZone(server.Queue())
	}

	printStats(storage)

	fmt.Printf("\n🌐 Relay starting\n")
	fmt.Printf("📍 Domain: %s\n", domain)
	fmt.Printf("📡 DNS: %s (udp)\n", dnsAddr)
	if httpAddr != "" {
		fmt.Printf("📤 Upload API: http://%s/upload\n", httpAddr)
	}
	fmt.Printf("🧹 Cleanup: every %v, keeping messages for %v\n", cleanInterval, ttl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}

	fmt.Println("\n🛑 Shutting down...")
	printStats(storage)

	if fs, ok := storage.(*relay.FileStorage); ok {
		if err := fs.Save(); err != nil {
			log.Errorf("Failed to save state: %v", err)
		} else {
			log.Infof("💾 State saved to %s", storageFile)
		}
	}
}
