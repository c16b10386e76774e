// Package config reads the INI file shared by the pixelvault commands.
//
//	[relay]
//	dns_listen       = :5353
//	http_listen      = :8080
//	domain           = relay.example.com
//	storage_file     =            ; empty keeps messages in memory
//	cleanup_interval = 1h
//	ttl              = 24h
//
//	[client]
//	dns_server    = localhost:5353
//	http_endpoint = http://localhost:8080
//	domain        = relay.example.com
//	client_id     = receiver1
//	poll_interval = 5s
//	parallelism   = 8
//	retries       = 3
//	encoding      = base32
//
//	[embed]
//	output = secure_stego.png
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	"github.com/faanross/pixelvault/internal/imageio"
)

const DEFAULT_DOMAIN = "relay.example.com"

type Relay struct {
	DNSListen       string
	HTTPListen      string
	Domain          string
	StorageFile     string
	CleanupInterval time.Duration
	TTL             time.Duration
}

type Client struct {
	DNSServer    string
	HTTPEndpoint string
	Domain       string
	ClientID     string
	PollInterval time.Duration
	Parallelism  int
	Retries      int
	Encoding     string
}

type Embed struct {
	Output string
}

// Config is the parsed configuration file.
type Config struct {
	Relay  Relay
	Client Client
	Embed  Embed
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, _ := parse(ini.Empty())
	return cfg
}

// Load reads an INI file. Missing sections and keys take their defaults.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return parse(f)
}

// LoadBytes parses INI content held in memory.
func LoadBytes(data []byte) (*Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return parse(f)
}

func parse(f *ini.File) (*Config, error) {
	relay := f.Section("relay")
	client := f.Section("client")
	embed := f.Section("embed")

	cfg := &Config{
		Relay: Relay{
			DNSListen:       relay.Key("dns_listen").MustString(":5353"),
			HTTPListen:      relay.Key("http_listen").MustString(":8080"),
			Domain:          relay.Key("domain").MustString(DEFAULT_DOMAIN),
			StorageFile:     relay.Key("storage_file").String(),
			CleanupInterval: relay.Key("cleanup_interval").MustDuration(time.Hour),
			TTL:             relay.Key("ttl").MustDuration(24 * time.Hour),
		},
		Client: Client{
			DNSServer:    client.Key("dns_server").MustString("localhost:5353"),
			HTTPEndpoint: client.Key("http_endpoint").MustString("http://localhost:8080"),
			Domain:       client.Key("domain").MustString(DEFAULT_DOMAIN),
			ClientID:     client.Key("client_id").MustString("receiver1"),
			PollInterval: client.Key("poll_interval").MustDuration(5 * time.Second),
			Parallelism:  client.Key("parallelism").MustInt(8),
			Retries:      client.Key("retries").MustInt(3),
			Encoding:     client.Key("encoding").In("base32", []string{"base32", "hex"}),
		},
		Embed: Embed{
			Output: embed.Key("output").MustString("secure_stego.png"),
		},
	}

	if cfg.Client.Parallelism < 1 {
		return nil, fmt.Errorf("client.parallelism must be positive, got %d", cfg.Client.Parallelism)
	}
	if cfg.Client.Retries < 0 {
		return nil, fmt.Errorf("client.retries must not be negative, got %d", cfg.Client.Retries)
	}
	if _, err := imageio.FormatFromPath(cfg.Embed.Output); err != nil {
		return nil, fmt.Errorf("embed.output: %w", err)
	}
	return cfg, nil
}
