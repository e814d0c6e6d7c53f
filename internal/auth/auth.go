package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/blineit-api/pkg/apperr"
	"github.com/ksred/blineit-api/pkg/response"
)

var (
	ErrInvalidCredentials = apperr.New(apperr.KindUnauthorized, "invalid API credentials")
	ErrInvalidToken       = apperr.New(apperr.KindUnauthorized, "invalid token")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// ContextUserID is the gin context key holding the authenticated user id
const ContextUserID = "userID"

// Test credentials used by the simulation and local development
var (
	TestAPIKey    = "test-api-key"
	TestAPISecret = "test-api-secret"
	TestUserID    = "00000000-0000-4000-8000-000000000001"

	// A second investor, so the simulation has a counterparty for trades
	TestBuyerAPIKey    = "test-buyer-api-key"
	TestBuyerAPISecret = "test-buyer-api-secret"
	TestBuyerUserID    = "00000000-0000-4000-8000-000000000002"
)

const tokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"access_token"`
	TokenType  string    `json:"token_type"`
	Expiration time.Time `json:"expires_at"`
	UserID     string    `json:"user_id"`
}

// Claims represents the JWT claims structure. Subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

type apiCredential struct {
	secret string
	userID string
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte
	issuer    string

	mu             sync.RWMutex
	apiCredentials map[string]apiCredential // keyed by API key
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret, issuer string) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		issuer:         issuer,
		apiCredentials: make(map[string]apiCredential),
	}
}

// GenerateToken exchanges registered API credentials for a bearer token
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	cred, ok := s.apiCredentials[creds.APIKey]
	s.mu.RUnlock()
	if !ok || cred.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}
	return s.IssueToken(cred.userID, "")
}

// IssueToken signs an HS256 token for the given user
func (s *Service) IssueToken(userID, email string) (*TokenResponse, error) {
	now := time.Now()
	expiration := now.Add(tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Email: email,
		Role:  "authenticated",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		TokenType:  "bearer",
		Expiration: expiration,
		UserID:     userID,
	}, nil
}

// ValidateToken verifies signature, expiry and subject and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RegisterAPICredentials registers API credentials bound to a user (for testing/demo purposes)
func (s *Service) RegisterAPICredentials(apiKey, apiSecret, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCredentials[apiKey] = apiCredential{secret: apiSecret, userID: userID}
}

// UserID returns the authenticated user id stored by the JWT middleware
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		response.Handle(c, token, err)
	}
}
