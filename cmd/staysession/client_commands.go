package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/staysession/pkg/authclient"
	"go.uber.org/zap"
)

// clientSession bundles what a client subcommand needs and how to release it.
type clientSession struct {
	client *authclient.Client
	logger *zap.Logger
	close  func()
}

var openClientSession = func(command *cobra.Command) (*clientSession, error) {
	var contextValue any
	if existingContext := command.Context(); existingContext != nil {
		contextValue = existingContext.Value(clientConfigContextKey)
	}
	clientConfig, ok := contextValue.(ClientConfig)
	if !ok {
		return nil, configError(configCodeUninitializedClient, "client configuration not prepared; PreRunE must execute before RunE")
	}
	logger, loggerErr := newLogger(clientConfig.Debug)
	if loggerErr != nil {
		return nil, loggerErr
	}
	store, closeStore, storeErr := OpenStateStore(commandContext(command), clientConfig.StateURL)
	if storeErr != nil {
		_ = logger.Sync()
		return nil, storeErr
	}
	client, clientErr := authclient.New(commandContext(command), authclient.Config{
		BaseURL:        clientConfig.BaseURL,
		Store:          store,
		Logger:         logger,
		RequestTimeout: clientConfig.RequestTimeout,
		RefreshLeeway:  clientConfig.RefreshLeeway,
	})
	if clientErr != nil {
		closeStore()
		_ = logger.Sync()
		return nil, clientErr
	}
	return &clientSession{
		client: client,
		logger: logger,
		close: func() {
			closeStore()
			_ = logger.Sync()
		},
	}, nil
}

// flagOrEnv prefers an explicit flag and falls back to the APP_-prefixed environment.
func flagOrEnv(command *cobra.Command, name string) string {
	if flag := command.Flags().Lookup(name); flag != nil && flag.Changed {
		return flag.Value.String()
	}
	return viper.GetString(name)
}

func writeJSON(output io.Writer, value any) error {
	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func newLoginCommand() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:     "login",
		Short:   "Exchange email and password for a persisted session",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			email := strings.TrimSpace(flagOrEnv(command, "email"))
			password := flagOrEnv(command, "password")
			if email == "" || password == "" {
				return configError(configCodeMissingCredentials, "email and password must be provided")
			}
			session, err := openClientSession(command)
			if err != nil {
				return err
			}
			defer session.close()
			state, loginErr := session.client.Login(command.Context(), email, password)
			if loginErr != nil {
				return loginErr
			}
			return writeJSON(command.OutOrStdout(), state.User)
		},
	}
	loginCmd.Flags().String("email", "", "Account email")
	loginCmd.Flags().String("password", "", "Account password (prefer APP_PASSWORD)")
	return loginCmd
}

func newRegisterCommand() *cobra.Command {
	registerCmd := &cobra.Command{
		Use:     "register",
		Short:   "Create an account and persist the returned session",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			password := flagOrEnv(command, "password")
			confirmation, _ := command.Flags().GetString("password_confirm")
			if confirmation == "" {
				confirmation = password
			}
			nombre, _ := command.Flags().GetString("nombre")
			apellido, _ := command.Flags().GetString("apellido")
			rol, _ := command.Flags().GetString("rol")
			registration := authclient.Registration{
				Email:           strings.TrimSpace(flagOrEnv(command, "email")),
				Password:        password,
				PasswordConfirm: confirmation,
				Nombre:          nombre,
				Apellido:        apellido,
				Rol:             rol,
			}
			session, err := openClientSession(command)
			if err != nil {
				return err
			}
			defer session.close()
			state, registerErr := session.client.Register(command.Context(), registration)
			if registerErr != nil {
				return registerErr
			}
			return writeJSON(command.OutOrStdout(), state.User)
		},
	}
	registerCmd.Flags().String("email", "", "Account email")
	registerCmd.Flags().String("password", "", "Account password (prefer APP_PASSWORD)")
	registerCmd.Flags().String("password_confirm", "", "Password confirmation; defaults to the password")
	registerCmd.Flags().String("nombre", "", "Given name")
	registerCmd.Flags().String("apellido", "", "Family name")
	registerCmd.Flags().String("rol", "", "Role (admin, medico, enfermeria, gestor, coordinador)")
	return registerCmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "logout",
		Short:   "Revoke the refresh token and clear the persisted session",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			session, err := openClientSession(command)
			if err != nil {
				return err
			}
			defer session.close()
			session.client.Logout(command.Context())
			_, writeErr := fmt.Fprintln(command.OutOrStdout(), "logged out")
			return writeErr
		},
	}
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "refresh",
		Short:   "Obtain a new access token with the stored refresh token",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			session, err := openClientSession(command)
			if err != nil {
				return err
			}
			defer session.close()
			accessToken, refreshErr := session.client.Refresh(command.Context())
			if refreshErr != nil {
				return refreshErr
			}
			return writeJSON(command.OutOrStdout(), tokenSummary(accessToken))
		},
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:     "whoami",
		Aliases: []string{"profile"},
		Short:   "Fetch the current user from the profile endpoint",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			session, err := openClientSession(command)
			if err != nil {
				return err
			}
			defer session.close()
			user, profileErr := session.client.Profile(command.Context())
			if profileErr != nil {
				return profileErr
			}
			return writeJSON(command.OutOrStdout(), user)
		},
	}
}

type statusReport struct {
	Authenticated bool                    `json:"authenticated"`
	BaseURL       string                  `json:"base_url"`
	User          *authclient.SessionUser `json:"user,omitempty"`
	HasRefresh    bool                    `json:"has_refresh_token"`
	AccessExpiry  *time.Time              `json:"access_expires_at,omitempty"`
}

func tokenSummary(accessToken string) statusReport {
	report := statusReport{Authenticated: accessToken != ""}
	if expiresAt, ok := authclient.AccessTokenExpiry(accessToken); ok {
		report.AccessExpiry = &expiresAt
	}
	return report
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Report the persisted session without contacting the server",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			session, err := openClientSession(command)
			if err != nil {
				return err
			}
			defer session.close()
			state, authenticated := session.client.Session()
			report := tokenSummary(state.Credentials.AccessToken)
			report.Authenticated = authenticated
			report.BaseURL = session.client.BaseURL()
			report.User = state.User
			report.HasRefresh = state.Credentials.RefreshToken != ""
			return writeJSON(command.OutOrStdout(), report)
		},
	}
}

func newFetchCommand() *cobra.Command {
	fetchCmd := &cobra.Command{
		Use:     "fetch <path>",
		Short:   "Send an authenticated request and print the response body",
		Args:    cobra.ExactArgs(1),
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			method, _ := command.Flags().GetString("method")
			data, _ := command.Flags().GetString("data")
			session, err := openClientSession(command)
			if err != nil {
				return err
			}
			defer session.close()

			var body io.Reader
			if data != "" {
				body = strings.NewReader(data)
			}
			request, requestErr := session.client.NewRequest(command.Context(), strings.ToUpper(method), arguments[0], body)
			if requestErr != nil {
				return requestErr
			}
			request.Header.Set("Accept", "application/json")
			if data != "" {
				request.Header.Set("Content-Type", "application/json")
			}
			response, doErr := session.client.Do(request)
			if doErr != nil {
				if errors.Is(doErr, authclient.ErrSessionExpired) {
					fmt.Fprintln(command.ErrOrStderr(), "session expired; log in again")
				}
				return doErr
			}
			defer response.Body.Close()
			if _, copyErr := io.Copy(command.OutOrStdout(), response.Body); copyErr != nil {
				return copyErr
			}
			if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
				return fmt.Errorf("fetch: %w: status %d", authclient.ErrUnexpectedStatus, response.StatusCode)
			}
			return nil
		},
	}
	fetchCmd.Flags().StringP("method", "X", http.MethodGet, "HTTP method")
	fetchCmd.Flags().StringP("data", "d", "", "JSON request body")
	return fetchCmd
}
