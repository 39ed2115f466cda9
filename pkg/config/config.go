// Package config loads the deployment configuration from the environment.
// A deployment serves exactly one asset/network pair; everything about that
// pair lives here.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Defaults target the Base Sepolia USDC deployment the service was built
// against.
const (
	DefaultPort          = "8787"
	DefaultNetwork       = "base-sepolia"
	DefaultChainID       = 84532
	DefaultRelayURL      = "https://base-sepolia.rpc.ithaca.xyz"
	DefaultAsset         = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	DefaultAssetName     = "USDC"
	DefaultAssetVersion  = "2"
	DefaultAssetDecimals = 6
	DefaultPrice         = "0.00075"
	DefaultDescription   = "Access to fortune"
	DefaultMimeType      = "application/json"

	DefaultMaxTimeoutSeconds = 60
	DefaultSettleTimeout     = 20 * time.Second
	DefaultPollInterval      = time.Second
)

// Config holds everything the process needs: the HTTP surface, the
// asset/network pair, the merchant identity, and settlement timing.
// Use Load to build one from the environment; Validate fills defaults and
// checks required fields.
type Config struct {
	// Port the HTTP server listens on.
	Port string
	// BaseURL is the fallback used to derive the challenge resource URL
	// when the inbound request carries no Host.
	BaseURL string

	// Network is the protocol network identifier (e.g. "base-sepolia").
	Network string
	// ChainID of the target network.
	ChainID uint64
	// RelayURL is the meta-transaction relay RPC endpoint.
	RelayURL string

	// MerchantAddress is the relay account the custodial key controls.
	MerchantAddress common.Address
	// MerchantPrivateKey is the hex-encoded custodial signing key.
	MerchantPrivateKey string
	// PayTo receives settled payments. Defaults to the merchant address.
	PayTo common.Address

	// Asset is the settlement token contract.
	Asset common.Address
	// AssetName and AssetVersion are the token's EIP-712 domain fields.
	AssetName    string
	AssetVersion string
	// AssetDecimals converts the human-unit price to smallest units.
	AssetDecimals int

	// Price in human units (e.g. "0.00075" USDC).
	Price decimal.Decimal
	// Description and MimeType appear in issued challenges.
	Description string
	MimeType    string

	// MaxTimeoutSeconds is advertised in challenges as the authorization
	// validity bound.
	MaxTimeoutSeconds int
	// SettleTimeout bounds the settlement watch.
	SettleTimeout time.Duration
	// PollInterval is the settlement status poll delay.
	PollInterval time.Duration

	// AllowedOrigins may receive credentialed cross-origin responses.
	AllowedOrigins []string

	// LocalVerify enables signer recovery before relay submission. The
	// on-chain check remains authoritative either way.
	LocalVerify bool
}

// Load reads the configuration from the environment. A .env file is
// honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               os.Getenv("PORT"),
		BaseURL:            os.Getenv("BASE_URL"),
		Network:            os.Getenv("NETWORK"),
		RelayURL:           os.Getenv("RELAY_URL"),
		MerchantPrivateKey: os.Getenv("MERCHANT_PRIVATE_KEY"),
		AssetName:          os.Getenv("ASSET_NAME"),
		AssetVersion:       os.Getenv("ASSET_VERSION"),
		Description:        os.Getenv("DESCRIPTION"),
		MimeType:           os.Getenv("MIME_TYPE"),
		LocalVerify:        parseBool(os.Getenv("LOCAL_VERIFY")),
	}

	merchant := os.Getenv("MERCHANT_ADDRESS")
	if merchant != "" {
		if !common.IsHexAddress(merchant) {
			return nil, fmt.Errorf("MERCHANT_ADDRESS is not a valid address: %s", merchant)
		}
		cfg.MerchantAddress = common.HexToAddress(merchant)
	}
	if payTo := os.Getenv("PAY_TO"); payTo != "" {
		if !common.IsHexAddress(payTo) {
			return nil, fmt.Errorf("PAY_TO is not a valid address: %s", payTo)
		}
		cfg.PayTo = common.HexToAddress(payTo)
	}
	if asset := os.Getenv("ASSET_ADDRESS"); asset != "" {
		if !common.IsHexAddress(asset) {
			return nil, fmt.Errorf("ASSET_ADDRESS is not a valid address: %s", asset)
		}
		cfg.Asset = common.HexToAddress(asset)
	}

	var err error
	if cfg.ChainID, err = parseUint(os.Getenv("CHAIN_ID")); err != nil {
		return nil, fmt.Errorf("invalid CHAIN_ID: %w", err)
	}
	decimals, err := parseUint(os.Getenv("ASSET_DECIMALS"))
	if err != nil {
		return nil, fmt.Errorf("invalid ASSET_DECIMALS: %w", err)
	}
	cfg.AssetDecimals = int(decimals)

	if price := os.Getenv("PRICE"); price != "" {
		cfg.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("invalid PRICE: %w", err)
		}
	}

	timeoutSeconds, err := parseUint(os.Getenv("MAX_TIMEOUT_SECONDS"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_TIMEOUT_SECONDS: %w", err)
	}
	cfg.MaxTimeoutSeconds = int(timeoutSeconds)

	if cfg.SettleTimeout, err = parseDuration(os.Getenv("SETTLE_TIMEOUT")); err != nil {
		return nil, fmt.Errorf("invalid SETTLE_TIMEOUT: %w", err)
	}
	if cfg.PollInterval, err = parseDuration(os.Getenv("POLL_INTERVAL")); err != nil {
		return nil, fmt.Errorf("invalid POLL_INTERVAL: %w", err)
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies defaults for anything unset and checks required fields.
func (c *Config) Validate() error {
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.ChainID == 0 {
		c.ChainID = DefaultChainID
	}
	if c.RelayURL == "" {
		c.RelayURL = DefaultRelayURL
	}
	if c.Asset == (common.Address{}) {
		c.Asset = common.HexToAddress(DefaultAsset)
	}
	if c.AssetName == "" {
		c.AssetName = DefaultAssetName
	}
	if c.AssetVersion == "" {
		c.AssetVersion = DefaultAssetVersion
	}
	if c.AssetDecimals == 0 {
		c.AssetDecimals = DefaultAssetDecimals
	}
	if c.Price.IsZero() {
		c.Price = decimal.RequireFromString(DefaultPrice)
	}
	if c.Description == "" {
		c.Description = DefaultDescription
	}
	if c.MimeType == "" {
		c.MimeType = DefaultMimeType
	}
	if c.MaxTimeoutSeconds <= 0 {
		c.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = DefaultSettleTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:" + c.Port
	}

	if c.MerchantPrivateKey == "" {
		return fmt.Errorf("MERCHANT_PRIVATE_KEY is required")
	}
	if c.MerchantAddress == (common.Address{}) {
		return fmt.Errorf("MERCHANT_ADDRESS is required")
	}
	if c.PayTo == (common.Address{}) {
		c.PayTo = c.MerchantAddress
	}
	if c.Price.Sign() <= 0 {
		return fmt.Errorf("PRICE must be positive")
	}

	if _, err := c.AtomicPrice(); err != nil {
		return err
	}
	return nil
}

// AtomicPrice converts the human-unit price into the asset's smallest
// unit. The price must be representable exactly at the asset's precision.
func (c *Config) AtomicPrice() (*big.Int, error) {
	scaled := c.Price.Shift(int32(c.AssetDecimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("PRICE %s has more precision than the asset's %d decimals", c.Price, c.AssetDecimals)
	}
	return scaled.BigInt(), nil
}

// PriceFloat returns the human-unit price for display in the resource
// payload.
func (c *Config) PriceFloat() float64 {
	f, _ := c.Price.Float64()
	return f
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	return err == nil && v
}

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
