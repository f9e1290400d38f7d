package issuer

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/staysession/pkg/authclient"
	"github.com/tyemirov/staysession/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = sessionvalidator.DefaultContextKey

// MountRoutes registers /auth/login/, /auth/register/, /auth/refresh/, /auth/logout/, /auth/profile/,
// and the bearer-protected /echo/* resource.
func MountRoutes(router gin.IRouter, configuration Config, dependencies Dependencies) error {
	dependencies = dependencies.withDefaults()
	if dependencies.Users == nil || dependencies.RefreshTokens == nil {
		return errors.New("issuer.mount: user and refresh token stores are required")
	}
	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.SigningKey,
		Issuer:     configuration.Issuer,
		Clock:      dependencies.Clock,
	})
	if validatorErr != nil {
		return validatorErr
	}
	handlers := &routeHandlers{
		configuration: configuration,
		users:         dependencies.Users,
		refreshTokens: dependencies.RefreshTokens,
		clock:         dependencies.Clock,
		logger:        dependencies.Logger,
	}

	router.POST("/auth/login/", handlers.login)
	router.POST("/auth/register/", handlers.register)
	router.POST("/auth/refresh/", handlers.refresh)
	router.POST("/auth/logout/", handlers.logout)

	protected := router.Group("/")
	protected.Use(validator.GinMiddleware(claimsContextKey))
	protected.GET("/auth/profile/", handlers.profile)
	protected.Any("/echo/*resource", handlers.echo)
	return nil
}

type routeHandlers struct {
	configuration Config
	users         UserStore
	refreshTokens RefreshTokenStore
	clock         Clock
	logger        *zap.Logger
}

type issuedTokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (handlers *routeHandlers) login(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	user, authErr := handlers.users.Authenticate(contextGin, inbound.Email, inbound.Password)
	if authErr != nil {
		if errors.Is(authErr, ErrInvalidCredentials) {
			handlers.logger.Info("login rejected",
				zap.String("code", "issuer.login.invalid_credentials"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid email or password."})
			return
		}
		handlers.logger.Error("login lookup failed",
			zap.String("code", "issuer.login.lookup_failed"),
			zap.Error(authErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	tokens, issueErr := handlers.issueSession(contextGin, user, "")
	if issueErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"access":  tokens.Access,
		"refresh": tokens.Refresh,
		"user":    user.Profile(),
	})
}

func (handlers *routeHandlers) register(contextGin *gin.Context) {
	var registration authclient.Registration
	if err := contextGin.ShouldBindJSON(&registration); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	user, createErr := handlers.users.Create(contextGin, registration)
	if createErr != nil {
		var problems FieldErrors
		if errors.As(createErr, &problems) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, problems)
			return
		}
		handlers.logger.Error("registration failed",
			zap.String("code", "issuer.register.store_failed"),
			zap.Error(createErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	tokens, issueErr := handlers.issueSession(contextGin, user, "")
	if issueErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusCreated, gin.H{
		"message": "User registered successfully",
		"user":    user.Profile(),
		"tokens":  tokens,
	})
}

func (handlers *routeHandlers) refresh(contextGin *gin.Context) {
	var inbound struct {
		Refresh string `json:"refresh"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Refresh) == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "refresh token required"})
		return
	}
	applicationUserID, currentTokenID, _, validateErr := handlers.refreshTokens.Validate(contextGin, inbound.Refresh)
	if validateErr != nil {
		handlers.logger.Info("refresh rejected",
			zap.String("code", "issuer.refresh.invalid"),
			zap.Error(validateErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Token is invalid or expired"})
		return
	}
	user, userErr := handlers.users.Get(contextGin, applicationUserID)
	if userErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Token is invalid or expired"})
		return
	}
	if !handlers.configuration.RotateRefreshTokens {
		accessToken, _, mintErr := MintAccessToken(handlers.clock, user, handlers.configuration.Issuer, handlers.configuration.SigningKey, handlers.configuration.AccessTTL)
		if mintErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"access": accessToken})
		return
	}
	// Revoking claims the presented token; only the caller that wins the claim gets a successor.
	if revokeErr := handlers.refreshTokens.Revoke(contextGin, currentTokenID); revokeErr != nil {
		if errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked) || errors.Is(revokeErr, ErrRefreshTokenNotFound) {
			handlers.logger.Info("refresh token replayed",
				zap.String("code", "issuer.refresh.replayed"),
				zap.String("user_id", applicationUserID))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Token is invalid or expired"})
			return
		}
		handlers.logger.Error("revoking rotated refresh token failed",
			zap.String("code", "issuer.refresh.revoke_failed"),
			zap.Error(revokeErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	tokens, issueErr := handlers.issueSession(contextGin, user, currentTokenID)
	if issueErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, tokens)
}

func (handlers *routeHandlers) logout(contextGin *gin.Context) {
	var inbound struct {
		Refresh string `json:"refresh"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err == nil && strings.TrimSpace(inbound.Refresh) != "" {
		_, tokenID, _, validateErr := handlers.refreshTokens.Validate(contextGin, inbound.Refresh)
		if validateErr == nil && tokenID != "" {
			_ = handlers.refreshTokens.Revoke(contextGin, tokenID)
		}
	}
	contextGin.JSON(http.StatusOK, gin.H{"message": "Logout successful"})
}

func (handlers *routeHandlers) profile(contextGin *gin.Context) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, claimsContextKey)
	if !ok || claims.GetUserID() == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid token"})
		return
	}
	user, userErr := handlers.users.Get(contextGin, claims.GetUserID())
	if userErr != nil {
		if errors.Is(userErr, ErrUserNotFound) {
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "user not found"})
			return
		}
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, user.Profile())
}

func (handlers *routeHandlers) echo(contextGin *gin.Context) {
	claims, _ := sessionvalidator.ClaimsFromContext(contextGin, claimsContextKey)
	body, _ := io.ReadAll(contextGin.Request.Body)
	contextGin.JSON(http.StatusOK, gin.H{
		"user_id":  claims.GetUserID(),
		"method":   contextGin.Request.Method,
		"resource": contextGin.Param("resource"),
		"body":     string(body),
	})
}

func (handlers *routeHandlers) issueSession(contextGin *gin.Context, user UserRecord, previousTokenID string) (issuedTokens, error) {
	accessToken, _, mintErr := MintAccessToken(handlers.clock, user, handlers.configuration.Issuer, handlers.configuration.SigningKey, handlers.configuration.AccessTTL)
	if mintErr != nil {
		handlers.logger.Error("minting access token failed",
			zap.String("code", "issuer.session.mint_failed"),
			zap.Error(mintErr))
		return issuedTokens{}, mintErr
	}
	expiresUnix := handlers.clock.Now().UTC().Add(handlers.configuration.RefreshTTL).Unix()
	_, refreshOpaque, issueErr := handlers.refreshTokens.Issue(contextGin, user.ID, expiresUnix, previousTokenID)
	if issueErr != nil || strings.TrimSpace(refreshOpaque) == "" {
		handlers.logger.Error("issuing refresh token failed",
			zap.String("code", "issuer.session.refresh_issue_failed"),
			zap.Error(issueErr))
		if issueErr == nil {
			issueErr = ErrRefreshTokenEmptyOpaque
		}
		return issuedTokens{}, issueErr
	}
	return issuedTokens{Access: accessToken, Refresh: refreshOpaque}, nil
}
