package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/smsrelay/internal/carrier"
	"github.com/MarkoPoloResearchLab/smsrelay/internal/httpapi"
	"github.com/MarkoPoloResearchLab/smsrelay/internal/store/redisstore"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "SMSRELAY"

	flagEnvFile             = "env-file"
	flagListenAddr          = "listen-addr"
	flagGRPCHealthAddr      = "grpc-health-addr"
	flagStoreBackend        = "store-backend"
	flagStorePath           = "store-path"
	flagDatabaseURL         = "database-url"
	flagDocumentID          = "document-id"
	flagRedisAddr           = "redis-addr"
	flagRedisPassword       = "redis-password"
	flagRedisDB             = "redis-db"
	flagRedisKey            = "redis-key"
	flagCarrierBaseURL      = "carrier-base-url"
	flagCarrierAPIKey       = "carrier-api-key"
	flagCarrierTimeout      = "carrier-timeout"
	flagDefaultRouteID      = "default-route-id"
	flagAdminUser           = "admin-user"
	flagAdminPassword       = "admin-password"
	flagUserUser            = "user-user"
	flagUserPassword        = "user-password"
	flagAPIKey              = "api-key"
	flagTokenSigningKey     = "token-signing-key"
	flagTokenTTL            = "token-ttl"
	flagAllowedOrigins      = "allowed-origins"
	flagPhoneRegime         = "phone-regime"
	flagCountryCode         = "country-code"
	flagSurchargeSenders    = "surcharge-senders"
	flagSenderSurcharge     = "sender-surcharge"
	flagDeductSingleSend    = "deduct-single-send"
	flagDispatchConcurrency = "dispatch-concurrency"
	flagDispatchRate        = "dispatch-rate"

	defaultEnvFile      = ".env"
	defaultListenAddr   = ":8080"
	defaultStoreBackend = backendFile
	defaultStorePath    = "./data/ledger.json"
	defaultDatabaseURL  = "sqlite:///tmp/smsrelay.db"
	defaultRedisAddr    = "localhost:6379"
	defaultTokenTTL     = 12 * time.Hour
	defaultCountryCode  = "972"
	defaultSurcharge    = 3
	defaultSurchargeFor = "cal"
)

type runtimeConfig struct {
	HTTP                httpapi.Config
	GRPCHealthAddr      string
	StoreBackend        string
	StorePath           string
	DatabaseURL         string
	DocumentID          string
	Redis               redisstore.Config
	Carrier             carrier.Config
	PhoneRegime         string
	CountryCode         string
	SurchargeSenders    []string
	SenderSurcharge     int64
	DeductSingleSend    bool
	DispatchConcurrency int
	DispatchRate        float64
}

func registerFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagEnvFile, defaultEnvFile, "optional dotenv file loaded before reading the environment")
	flags.String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(flagGRPCHealthAddr, "", "gRPC health listen address (empty disables it)")
	flags.String(flagStoreBackend, defaultStoreBackend, "ledger backend: file, gorm, pgx or redis")
	flags.String(flagStorePath, defaultStorePath, "ledger file for the file backend")
	flags.String(flagDatabaseURL, defaultDatabaseURL, "database URL for the gorm and pgx backends")
	flags.String(flagDocumentID, "", "ledger document id for database backends")
	flags.String(flagRedisAddr, defaultRedisAddr, "redis address for the redis backend")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Int(flagRedisDB, 0, "redis database number")
	flags.String(flagRedisKey, redisstore.DefaultKey, "redis key holding the ledger")
	flags.String(flagCarrierBaseURL, carrier.DefaultBaseURL, "carrier API base URL")
	flags.String(flagCarrierAPIKey, "", "carrier API key")
	flags.Duration(flagCarrierTimeout, carrier.DefaultTimeout, "carrier call timeout")
	flags.String(flagDefaultRouteID, "", "carrier route used when a request names none")
	flags.String(flagAdminUser, "", "admin user name")
	flags.String(flagAdminPassword, "", "admin password")
	flags.String(flagUserUser, "", "standard user name")
	flags.String(flagUserPassword, "", "standard user password")
	flags.String(flagAPIKey, "", "static API key accepted on send endpoints")
	flags.String(flagTokenSigningKey, "", "HMAC key for bearer tokens (empty disables token issuing)")
	flags.Duration(flagTokenTTL, defaultTokenTTL, "bearer token lifetime")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagPhoneRegime, "international", "recipient regime: international or local")
	flags.String(flagCountryCode, defaultCountryCode, "country code for the local regime")
	flags.String(flagSurchargeSenders, defaultSurchargeFor, "comma-separated senders charged a surcharge")
	flags.Int64(flagSenderSurcharge, defaultSurcharge, "surcharge in credits per message")
	flags.Bool(flagDeductSingleSend, false, "deduct credits on single sends")
	flags.Int(flagDispatchConcurrency, 1, "carrier calls in flight per batch")
	flags.Float64(flagDispatchRate, 0, "carrier calls per second per batch (0 is unlimited)")
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if err := loadEnvFile(v.GetString(flagEnvFile)); err != nil {
		return err
	}

	cfg.HTTP = httpapi.Config{
		ListenAddr:      strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:  httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		AdminUser:       strings.TrimSpace(v.GetString(flagAdminUser)),
		AdminPassword:   v.GetString(flagAdminPassword),
		UserUser:        strings.TrimSpace(v.GetString(flagUserUser)),
		UserPassword:    v.GetString(flagUserPassword),
		APIKey:          v.GetString(flagAPIKey),
		TokenSigningKey: v.GetString(flagTokenSigningKey),
		TokenTTL:        v.GetDuration(flagTokenTTL),
	}
	cfg.GRPCHealthAddr = strings.TrimSpace(v.GetString(flagGRPCHealthAddr))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreBackend)))
	cfg.StorePath = strings.TrimSpace(v.GetString(flagStorePath))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.DocumentID = strings.TrimSpace(v.GetString(flagDocumentID))
	cfg.Redis = redisstore.Config{
		Address:  strings.TrimSpace(v.GetString(flagRedisAddr)),
		Password: v.GetString(flagRedisPassword),
		DB:       v.GetInt(flagRedisDB),
		Key:      strings.TrimSpace(v.GetString(flagRedisKey)),
	}
	cfg.Carrier = carrier.Config{
		BaseURL:        strings.TrimSpace(v.GetString(flagCarrierBaseURL)),
		APIKey:         strings.TrimSpace(v.GetString(flagCarrierAPIKey)),
		Timeout:        v.GetDuration(flagCarrierTimeout),
		DefaultRouteID: strings.TrimSpace(v.GetString(flagDefaultRouteID)),
	}
	cfg.PhoneRegime = strings.ToLower(strings.TrimSpace(v.GetString(flagPhoneRegime)))
	cfg.CountryCode = strings.TrimSpace(v.GetString(flagCountryCode))
	cfg.SurchargeSenders = splitList(v.GetString(flagSurchargeSenders))
	cfg.SenderSurcharge = v.GetInt64(flagSenderSurcharge)
	cfg.DeductSingleSend = v.GetBool(flagDeductSingleSend)
	cfg.DispatchConcurrency = v.GetInt(flagDispatchConcurrency)
	cfg.DispatchRate = v.GetFloat64(flagDispatchRate)

	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultStoreBackend
	}
	if cfg.DispatchConcurrency < 1 {
		return fmt.Errorf("%s must be at least 1", flagDispatchConcurrency)
	}
	if cfg.DispatchRate < 0 {
		return fmt.Errorf("%s must not be negative", flagDispatchRate)
	}
	if cfg.SenderSurcharge < 0 {
		return fmt.Errorf("%s must not be negative", flagSenderSurcharge)
	}
	return nil
}

// loadEnvFile loads path into the process environment without overriding variables already set.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(character rune) bool {
		return character == ',' || character == ' '
	})
}
