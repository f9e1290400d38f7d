package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/staysession/pkg/authclient"
	"go.uber.org/zap"
)

const (
	configCodeInvalidBaseURL        = "config.invalid_api_base_url"
	configCodeInvalidRequestTimeout = "config.invalid_request_timeout"
	configCodeInvalidRefreshLeeway  = "config.invalid_refresh_leeway"
	configCodeUninitializedClient   = "config.uninitialized_client_config"
	configCodeMissingSigningKey     = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL      = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL     = "config.invalid_refresh_ttl"
	configCodeUninitializedIssuer   = "config.uninitialized_issuer_config"
	configCodeMissingCredentials    = "config.missing_credentials"
)

const defaultStateURL = "file://.staysession-state.json"

type contextKey string

const (
	clientConfigContextKey contextKey = "clientConfig"
	issuerConfigContextKey contextKey = "issuerConfig"
)

var newLogger = func(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "staysession",
		Short:         "Authenticated client and dev token issuer for the hospital-stay dashboard API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("api_base_url", authclient.DefaultBaseURL, "Base URL of the dashboard API")
	rootCmd.PersistentFlags().String("state_url", defaultStateURL, "Where the session is persisted (file://, memory://, sqlite://, postgres://, pgx://)")
	rootCmd.PersistentFlags().Duration("request_timeout", authclient.DefaultRequestTimeout, "Upper bound for each HTTP exchange")
	rootCmd.PersistentFlags().Duration("refresh_leeway", 0, "Refresh JWT access tokens this long before they expire (0 disables)")
	rootCmd.PersistentFlags().Bool("debug", false, "Human-readable debug logging")

	_ = viper.BindPFlag("api_base_url", rootCmd.PersistentFlags().Lookup("api_base_url"))
	_ = viper.BindPFlag("state_url", rootCmd.PersistentFlags().Lookup("state_url"))
	_ = viper.BindPFlag("request_timeout", rootCmd.PersistentFlags().Lookup("request_timeout"))
	_ = viper.BindPFlag("refresh_leeway", rootCmd.PersistentFlags().Lookup("refresh_leeway"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newLoginCommand(),
		newRegisterCommand(),
		newLogoutCommand(),
		newRefreshCommand(),
		newWhoAmICommand(),
		newStatusCommand(),
		newFetchCommand(),
		newServeIssuerCommand(),
	)
	return rootCmd
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// ClientConfig is the resolved configuration of client subcommands.
type ClientConfig struct {
	BaseURL        string
	StateURL       string
	RequestTimeout time.Duration
	RefreshLeeway  time.Duration
	Debug          bool
}

// LoadClientConfig reads client settings from viper.
func LoadClientConfig() (ClientConfig, error) {
	baseURL := viper.GetString("api_base_url")
	if baseURL == "" {
		baseURL = authclient.DefaultBaseURL
	}
	if err := validateBaseURL(baseURL); err != nil {
		return ClientConfig{}, configError(configCodeInvalidBaseURL, err.Error())
	}
	requestTimeout := viper.GetDuration("request_timeout")
	if requestTimeout < 0 {
		return ClientConfig{}, configError(configCodeInvalidRequestTimeout, "request_timeout must not be negative")
	}
	if requestTimeout == 0 {
		requestTimeout = authclient.DefaultRequestTimeout
	}
	refreshLeeway := viper.GetDuration("refresh_leeway")
	if refreshLeeway < 0 {
		return ClientConfig{}, configError(configCodeInvalidRefreshLeeway, "refresh_leeway must not be negative")
	}
	stateURL := viper.GetString("state_url")
	if stateURL == "" {
		stateURL = defaultStateURL
	}
	return ClientConfig{
		BaseURL:        baseURL,
		StateURL:       stateURL,
		RequestTimeout: requestTimeout,
		RefreshLeeway:  refreshLeeway,
		Debug:          viper.GetBool("debug"),
	}, nil
}

func prepareClientConfig(command *cobra.Command, arguments []string) error {
	clientConfig, loadErr := LoadClientConfig()
	if loadErr != nil {
		return loadErr
	}
	command.SetContext(context.WithValue(commandContext(command), clientConfigContextKey, clientConfig))
	return nil
}

func commandContext(command *cobra.Command) context.Context {
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	return existingContext
}

func validateBaseURL(baseURL string) error {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("host must be provided")
	}
	return nil
}
