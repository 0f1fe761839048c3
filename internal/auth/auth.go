// Package auth issues and validates household access tokens and provides
// the gin middleware that binds each request to a household.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/uuid"
)

const householdKey = "householdID"

// Claims identifies the caller of an authenticated request.
type Claims struct {
	UserID      string
	HouseholdID models.UUID
}

// Issuer signs and validates HS256 bearer tokens.
type Issuer struct {
	secret []byte
	expiry time.Duration
}

// NewIssuer creates an Issuer.
func NewIssuer(secret string, expiry time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), expiry: expiry}
}

// IssueToken returns a signed token granting userID access to householdID.
func (i *Issuer) IssueToken(userID string, householdID models.UUID) (string, error) {
	if err := uuid.ValidateID(householdID); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid household id", err)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id":      userID,
		"household_id": string(householdID),
		"exp":          now.Add(i.expiry).Unix(),
		"iat":          now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// ValidateToken parses tokenString and returns its claims.
func (i *Issuer) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "invalid token", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperrors.New(apperrors.ErrUnauthorized, "invalid token claims")
	}

	householdID, _ := claims["household_id"].(string)
	if !uuid.IsValid(householdID) {
		return nil, apperrors.New(apperrors.ErrUnauthorized, "token has no household")
	}
	userID, _ := claims["user_id"].(string)

	return &Claims{UserID: userID, HouseholdID: models.UUID(householdID)}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's household on the context.
func Middleware(issuer *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, "authorization header required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abort(c, "invalid authorization header format")
			return
		}

		claims, err := issuer.ValidateToken(parts[1])
		if err != nil {
			abort(c, "invalid or expired token")
			return
		}

		c.Set(householdKey, claims.HouseholdID)
		c.Set("userID", claims.UserID)
		c.Next()
	}
}

// HouseholdID returns the household bound to the request by Middleware.
func HouseholdID(c *gin.Context) models.UUID {
	if v, ok := c.Get(householdKey); ok {
		if id, ok := v.(models.UUID); ok {
			return id
		}
	}
	return ""
}

func abort(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": message,
		"code":  apperrors.ErrUnauthorized,
	})
}
