package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/golang/glog"

	"github.com/faanross/pixelvault/internal/chunker"
	"github.com/faanross/pixelvault/internal/config"
	"github.com/faanross/pixelvault/internal/imageio"
	"github.com/faanross/pixelvault/internal/relay"
)

var (
	configFile string
	endpoint   string
	domain     string
	input      string
	encoding   string
	zoneFile   string
)

func init() {
	def := config.Default().Client

	flag.StringVar(&configFile, "c", "", "configuration file path")
	flag.StringVar(&endpoint, "endpoint", def.HTTPEndpoint, "Relay HTTP API")
	flag.StringVar(&domain, "domain", def.Domain, "Relay domain")
	flag.StringVar(&input, "input", "", "Stego image to send")
	flag.StringVar(&encoding, "encoding", def.Encoding, "Chunk encoding (base32 or hex)")
	flag.StringVar(&zoneFile, "zone", "", "Write a zone file instead of uploading")

	flag.Parse()
	flag.Set("logtostderr", "true")

	if configFile != "" {
		log.Infof("Configuration file specified, ignoring other flags")
		cfg, err := config.Load(configFile)
		if err != nil {
			log.Fatalf("%v", err)
		}
		endpoint = cfg.Client.HTTPEndpoint
		domain = cfg.Client.Domain
		encoding = cfg.Client.Encoding
	}

	if input == "" {
		log.Fatal("Please provide -input (stego image)")
	}
}

func main() {
	defer log.Flush()

	data, err := os.ReadFile(input)
	if err != nil {
		log.Fatalf("Failed to read image: %v", err)
	}
	// only images that survive the trip intact are worth sending
	if _, format, err := imageio.Decode(bytes.NewReader(data)); err != nil {
		log.Fatalf("%s is not a readable image: %v", input, err)
	} else if format != imageio.FORMAT_PNG && format != imageio.FORMAT_BMP {
		log.Warningf("%s is %s; a lossy image cannot carry a hidden message", input, format)
	}

	fmt.Println("\n🚀 DNS RELAY UPLOADER")
	fmt.Printf("📷 Image: %s (%d bytes)\n", input, len(data))

	uploader := relay.NewUploader(endpoint, domain, encoding)
	up, err := uploader.Prepare(data)
	if err != nil {
		log.Fatalf("Failed to chunk: %v", err)
	}

	totalEncoded := 0
	for _, chunk := range up.Message.Chunks {
		totalEncoded += len(chunk.Encoded)
	}
	fmt.Printf("🧩 Chunks: %d (%s)\n", len(up.Message.Chunks), strings.ToUpper(up.Message.Encoding))
	fmt.Printf("   Encoded size: %d chars (%.2fx expansion)\n",
		totalEncoded, float64(totalEncoded)/float64(max(len(data), 1)))
	fmt.Printf("📋 Message ID: %s\n", up.ID())

	if zoneFile != "" {
		zone := chunker.NewDNSEncoder(domain).GenerateZoneFile(up.Records)
		if err := os.WriteFile(zoneFile, []byte(zone), 0644); err != nil {
			log.Fatalf("Failed to write zone file: %v", err)
		}
		fmt.Printf("\n✅ Zone file saved to: %s (%d records)\n", zoneFile, len(up.Records))
		fmt.Printf("   Publish it with: stego-relay -domain %s -zone %s\n", domain, zoneFile)
		return
	}

	fmt.Printf("\n📤 Uploading to %s ...\n", endpoint)
	start := time.Now()
	if err := uploader.Send(context.Background(), up); err != nil {
		log.Fatalf("Upload failed: %v", err)
	}

	fmt.Printf("\n🎉 Upload complete in %v\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("Receiver should query for message: %s\n", up.ID())
	fmt.Printf("\nExample receiver command:\n")
	fmt.Printf("  stego-receive -domain %s -msg %s\n", domain, up.ID())
}
