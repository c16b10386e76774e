package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/golang/glog"

	"github.com/faanross/pixelvault/internal/carrier"
	"github.com/faanross/pixelvault/internal/config"
	"github.com/faanross/pixelvault/internal/decoder"
	"github.com/faanross/pixelvault/internal/imageio"
	"github.com/faanross/pixelvault/internal/relay"
	"github.com/faanross/pixelvault/internal/scrypto"
)

var (
	configFile string
	server     string
	domain     string
	msgID      string
	poll       bool
	clientID   string
	decode     bool
	password   string
	outputDir  string

	pollInterval time.Duration
	parallelism  int
	retries      int
)

func init() {
	def := config.Default().Client

	flag.StringVar(&configFile, "c", "", "configuration file path")
	flag.StringVar(&server, "server", def.DNSServer, "Relay DNS server")
	flag.StringVar(&domain, "domain", def.Domain, "Relay domain")
	flag.StringVar(&msgID, "msg", "", "Message ID to retrieve")
	flag.BoolVar(&poll, "poll", false, "Poll for new messages")
	flag.StringVar(&clientID, "client", def.ClientID, "Client ID for polling")
	flag.BoolVar(&decode, "decode", false, "Decode the hidden message after retrieval")
	flag.StringVar(&password, "password", "", "Password for decoding (prompt if not provided)")
	flag.StringVar(&outputDir, "output", ".", "Output directory")

	flag.Parse()
	flag.Set("logtostderr", "true")

	pollInterval = def.PollInterval
	parallelism = def.Parallelism
	retries = def.Retries

	if configFile != "" {
		log.Infof("Configuration file specified, ignoring other flags")
		cfg, err := config.Load(configFile)
		if err != nil {
			log.Fatalf("%v", err)
		}
		server = cfg.Client.DNSServer
		domain = cfg.Client.Domain
		clientID = cfg.Client.ClientID
		pollInterval = cfg.Client.PollInterval
		parallelism = cfg.Client.Parallelism
		retries = cfg.Client.Retries
	}
}

// ProgressBar for visual feedback
type ProgressBar struct {
	total   int
	current int
}

func NewProgressBar(total int) *ProgressBar {
	return &ProgressBar{total: total}
}

func (pb *ProgressBar) Update(current int) {
	pb.current = current
	percent := float64(pb.current) / float64(pb.total) * 100
	barWidth := 30
	filled := int(float64(barWidth) * percent / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	fmt.Printf("\r   [%s] %d/%d (%.1f%%)", bar, pb.current, pb.total, percent)
	if pb.current == pb.total {
		fmt.Println()
	}
}

// saveImage writes retrieved bytes under an extension matching their format.
// The bytes are written unchanged.
func saveImage(id string, data []byte) (string, *carrier.Carrier, error) {
	img, format, err := imageio.Decode(bytes.NewReader(data))
	if err != nil {
		path := filepath.Join(outputDir, fmt.Sprintf("received_%s.bin", id))
		if werr := os.WriteFile(path, data, 0644); werr != nil {
			return "", nil, werr
		}
		return path, nil, fmt.Errorf("saved %s but it is not an image: %w", path, err)
	}

	path := filepath.Join(outputDir, fmt.Sprintf("received_%s.%s", id, format))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", nil, err
	}
	return path, carrier.FromImage(img), nil
}

func reveal(id string, c *carrier.Carrier, pass string) error {
	message, err := decoder.Reveal(c, pass)
	if err != nil {
		return err
	}
	path := filepath.Join(outputDir, fmt.Sprintf("decoded_%s.txt", id))
	if err := os.WriteFile(path, message, 0600); err != nil {
		return err
	}
	fmt.Printf("🔓 Decoded message (%d bytes) saved to: %s\n", len(message), path)
	return nil
}

func main() {
	defer log.Flush()

	if !poll && msgID == "" {
		fmt.Println("Please specify -msg ID or -poll")
		flag.Usage()
		os.Exit(2)
	}

	var pass string
	if decode {
		pass = password
		if pass == "" {
			var err error
			if pass, err = scrypto.ReadPassword("🔑 Enter password: "); err != nil {
				log.Fatalf("Password error: %v", err)
			}
		}
	}

	var bar *ProgressBar
	receiver, err := relay.NewReceiver(relay.ReceiverConfig{
		Server:       server,
		Domain:       domain,
		ClientID:     clientID,
		Retries:      retries,
		Parallelism:  parallelism,
		PollInterval: pollInterval,
		Progress: func(done, total int) {
			if bar == nil || bar.total != total {
				bar = NewProgressBar(total)
			}
			bar.Update(done)
		},
	})
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("\n📡 DNS RELAY RECEIVER")
	fmt.Printf("   Server: %s\n", server)
	fmt.Printf("   Domain: %s\n", domain)

	if poll {
		fmt.Printf("\n👁️ POLLING MODE\n")
		fmt.Printf("   Client ID: %s\n", clientID)
		fmt.Printf("   Poll interval: %v\n", pollInterval)
		fmt.Println("\nWaiting for messages... (Press Ctrl+C to stop)")

		err := receiver.Poll(ctx, func(id string, data []byte) error {
			bar = nil
			path, c, err := saveImage(id, data)
			if err != nil {
				return err
			}
			fmt.Printf("💾 Saved to: %s\n", path)
			if decode {
				if err := reveal(id, c, pass); err != nil {
					// the image is kept; a wrong password should not refetch it
					log.Errorf("Decode of %s failed: %v", id, err)
				}
			}
			return nil
		})
		if err != nil {
			log.Fatalf("Polling failed: %v", err)
		}
		fmt.Println("\n🛑 Polling stopped")
		return
	}

	fmt.Printf("\n📥 RETRIEVING MESSAGE: %s\n", msgID)
	startTime := time.Now()

	data, err := receiver.Retrieve(ctx, msgID)
	if err != nil {
		log.Fatalf("Retrieval failed: %v", err)
	}
	elapsed := time.Since(startTime)

	path, c, err := saveImage(msgID, data)
	if err != nil {
		log.Fatalf("Failed to save: %v", err)
	}

	fmt.Printf("\n📊 RETRIEVAL SUMMARY:\n")
	fmt.Printf("   Message ID: %s\n", msgID)
	fmt.Printf("   Size: %d bytes\n", len(data))
	fmt.Printf("   Time: %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("   Rate: %.2f KB/s\n", float64(len(data))/1024/elapsed.Seconds())
	fmt.Printf("   Saved to: %s\n", path)

	if decode {
		fmt.Printf("\n🔓 Decoding steganographic image...\n")
		if err := reveal(msgID, c, pass); err != nil {
			log.Fatalf("Decode failed: %v", err)
		}
	}

	if err := receiver.Acknowledge(ctx, msgID); err != nil {
		log.Warningf("Failed to acknowledge %s: %v", msgID, err)
	}

	fmt.Println("\n✅ RETRIEVAL COMPLETE!")
}
