package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	log "github.com/golang/glog"

	"github.com/faanross/pixelvault/internal/config"
	"github.com/faanross/pixelvault/internal/encoder"
	"github.com/faanross/pixelvault/internal/imageio"
	"github.com/faanross/pixelvault/internal/params"
	"github.com/faanross/pixelvault/internal/scrypto"
)

func printAnalysis(title string, r encoder.SecurityReport) {
	fmt.Printf("\n🔍 %s:\n", title)
	fmt.Printf("   Dimensions: %dx%d\n", r.Width, r.Height)
	fmt.Printf("   LSB entropy: %.4f bits/byte (max 8.0)\n", r.LSBEntropy)
	fmt.Printf("   LSB zeros: %.1f%%\n", r.ZeroRatio)
	fmt.Printf("   Verdict: %s\n", r.Verdict())
}

// choosePassword returns the -password value as given, warning when it is
// short, or prompts for a new one. The minimum length applies to prompted
// passwords only.
func choosePassword(given string) (string, error) {
	if given == "" {
		return scrypto.ConfirmPassword()
	}
	if err := scrypto.CheckPassword(given); err != nil {
		log.Warningf("⚠️  Weak password: %v", err)
	}
	return given, nil
}

func main() {
	configFile := flag.String("c", "", "configuration file path")
	inputFile := flag.String("input", "", "Path to input message file")
	message := flag.String("message", "", "Message text (instead of -input)")
	carrierFile := flag.String("carrier", "", "Cover image (PNG, BMP, GIF or JPEG)")
	outputFile := flag.String("output", "", "Output stego image (.png or .bmp)")
	password := flag.String("password", "", "Password (prompt if not provided)")
	analyze := flag.Bool("analyze", false, "Show security analysis")

	flag.Parse()
	flag.Set("logtostderr", "true")
	defer log.Flush()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if *outputFile == "" {
		*outputFile = cfg.Embed.Output
	}

	if *carrierFile == "" {
		log.Fatal("❌ Please provide a cover image with -carrier flag")
	}
	if (*inputFile == "") == (*message == "") {
		log.Fatal("❌ Please provide exactly one of -input or -message")
	}
	// fail before the password prompt when the output would be unusable
	if _, err := imageio.FormatFromPath(*outputFile); err != nil {
		log.Fatalf("❌ Output %s: %v", *outputFile, err)
	}

	fmt.Println("\n🔐 Secure Steganography Encoder")
	fmt.Println("=" + strings.Repeat("=", 40))

	plaintext := []byte(*message)
	if *inputFile != "" {
		var err error
		plaintext, err = os.ReadFile(*inputFile)
		if err != nil {
			log.Fatalf("❌ Error reading file: %v", err)
		}
		fmt.Printf("\n📄 Input file: %s (%d bytes)\n", *inputFile, len(plaintext))
	} else {
		fmt.Printf("\n📄 Message: %d bytes\n", len(plaintext))
	}

	cover, format, err := imageio.LoadCarrier(*carrierFile)
	if err != nil {
		log.Fatalf("❌ Error loading cover image: %v", err)
	}

	maxLen, ok := encoder.MaxPlaintext(cover)
	fmt.Printf("\n📷 Cover image:\n")
	fmt.Printf("   File: %s\n", *carrierFile)
	fmt.Printf("   Format: %s\n", format)
	fmt.Printf("   Dimensions: %dx%d\n", cover.Width(), cover.Height())
	fmt.Printf("   Capacity: %d bits\n", cover.CapacityBits())
	if !ok {
		log.Fatal("❌ Cover image is too small to hold any message")
	}
	fmt.Printf("   Max message: %d bytes\n", maxLen)
	if len(plaintext) > maxLen {
		log.Fatalf("❌ Message of %d bytes does not fit (max %d)", len(plaintext), maxLen)
	}

	pass, err := choosePassword(*password)
	if err != nil {
		log.Fatalf("❌ Password error: %v", err)
	}

	if *analyze {
		printAnalysis("Cover analysis", encoder.Analyze(cover))
	}

	stego, frame, err := encoder.NewSecureStegoEncoder(plaintext, pass).Hide(cover)
	if err != nil {
		log.Fatalf("❌ Encoding failed: %v", err)
	}

	if *analyze {
		printAnalysis("Stego analysis", encoder.Analyze(stego))
	}

	if err := imageio.Save(*outputFile, stego.Image()); err != nil {
		log.Fatalf("❌ Saving failed: %v", err)
	}

	fmt.Printf("\n✅ Secure steganography complete!\n")
	fmt.Printf("   Output: %s\n", *outputFile)
	fmt.Printf("   Frame: %d bytes (%.1f%% of capacity)\n",
		len(frame), float64(len(frame)*params.BITS_PER_BYTE)*100/float64(cover.CapacityBits()))
	fmt.Printf("   Security: AES-256-CBC + HMAC-SHA256, PBKDF2-%d\n", params.PBKDF2_ITERS)
	fmt.Printf("\n🔓 To decode: stego-extract -input %s\n", *outputFile)
}
