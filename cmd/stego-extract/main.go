package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	log "github.com/golang/glog"

	"github.com/faanross/pixelvault/internal/blob"
	"github.com/faanross/pixelvault/internal/decoder"
	"github.com/faanross/pixelvault/internal/encoder"
	"github.com/faanross/pixelvault/internal/imageio"
	"github.com/faanross/pixelvault/internal/scrypto"
)

func main() {
	inputFile := flag.String("input", "", "Path to stego image")
	outputFile := flag.String("output", "", "Save extracted message to file")
	password := flag.String("password", "", "Password (prompt if not provided)")
	analyze := flag.Bool("analyze", false, "Perform security analysis only")
	tryList := flag.String("trylist", "", "Comma-separated passwords to try")
	verbose := flag.Bool("verbose", false, "Show full extracted message")

	flag.Parse()
	flag.Set("logtostderr", "true")
	defer log.Flush()

	if *inputFile == "" {
		log.Fatal("❌ Please provide input image with -input flag")
	}

	fmt.Println("\n🔓 Secure Steganography Decoder")
	fmt.Println("=" + strings.Repeat("=", 40))

	stego, format, err := imageio.LoadCarrier(*inputFile)
	if err != nil {
		log.Fatalf("❌ Error loading image: %v", err)
	}

	fmt.Printf("\n📷 Image loaded:\n")
	fmt.Printf("   File: %s\n", *inputFile)
	fmt.Printf("   Format: %s\n", format)
	fmt.Printf("   Dimensions: %dx%d\n", stego.Width(), stego.Height())

	if *analyze {
		r := encoder.Analyze(stego)
		fmt.Printf("\n🔍 Security analysis:\n")
		fmt.Printf("   LSB entropy: %.4f bits/byte (max 8.0)\n", r.LSBEntropy)
		fmt.Printf("   LSB zeros: %.1f%%\n", r.ZeroRatio)
		fmt.Printf("   Verdict: %s\n", r.Verdict())
		return
	}

	var result *decoder.ExtractedMessage
	if *tryList != "" {
		passwords := strings.Split(*tryList, ",")
		fmt.Printf("\n🔑 Trying %d passwords...\n", len(passwords))
		var idx int
		result, idx, err = decoder.TryPasswords(stego, passwords)
		if err == nil {
			fmt.Printf("   ✅ Password #%d worked\n", idx+1)
		}
	} else {
		pass := *password
		if pass == "" {
			pass, err = scrypto.ReadPassword("\n🔑 Enter password: ")
			if err != nil {
				log.Fatalf("❌ Password error: %v", err)
			}
		}
		result, err = decoder.NewSecureStegoDecoder(stego, pass).Reveal()
	}

	switch {
	case errors.Is(err, blob.ErrInvalidFormat):
		log.Fatalf("❌ No hidden message found in %s", *inputFile)
	case err != nil:
		log.Fatalf("❌ Extraction failed: %v", err)
	}

	fmt.Printf("\n✅ MESSAGE SUCCESSFULLY DECRYPTED\n")
	fmt.Println("=" + strings.Repeat("=", 40))

	fmt.Printf("\n📊 Extraction Statistics:\n")
	fmt.Printf("   Frame size: %d bytes\n", result.FrameSize)
	fmt.Printf("   Encrypted size: %d bytes\n", result.EncryptedSize)
	fmt.Printf("   Decrypted size: %d bytes\n", result.DecryptedSize)

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("📝 DECRYPTED MESSAGE:")
	fmt.Println(strings.Repeat("=", 60))

	message := string(result.Message)
	if *verbose || len(message) <= 500 {
		fmt.Println(message)
	} else {
		fmt.Printf("%s\n... [%d more characters] ...\n%s\n",
			message[:200],
			len(message)-400,
			message[len(message)-200:])
		fmt.Printf("\n(Use -verbose flag to see full message)\n")
	}

	fmt.Println(strings.Repeat("=", 60))

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, result.Message, 0600); err != nil {
			log.Fatalf("❌ Error saving output: %v", err)
		}
		fmt.Printf("\n💾 Message saved to: %s\n", *outputFile)
	}
}
