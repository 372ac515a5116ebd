package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"finetune-backend/pkg/store"
	"finetune-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// accountKey gin上下文中账户对象的键
const accountKey = "account"

// Claims JWT载荷
type Claims struct {
	AccountID uint   `json:"account_id"`
	Username  string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator 账户认证器
type Authenticator struct {
	secret []byte
	store  store.Store
	logger zerolog.Logger
}

// NewAuthenticator 创建账户认证器
func NewAuthenticator(secret string, store store.Store, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		store:  store,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// GenerateToken 为账户签发JWT
func (a *Authenticator) GenerateToken(account *types.Account) (string, error) {
	claims := &Claims{
		AccountID: account.ID,
		Username:  account.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// parseToken 校验并解析JWT
func (a *Authenticator) parseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// AccountAuth 账户认证中间件，解析Bearer token并把账户放入请求上下文
func (a *Authenticator) AccountAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Bearer token is required"})
			c.Abort()
			return
		}

		claims, err := a.parseToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		account, err := a.store.GetAccount(c.Request.Context(), claims.AccountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Account no longer exists"})
			} else {
				a.logger.Error().Err(err).Msg("Failed to load account")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			}
			c.Abort()
			return
		}

		c.Set(accountKey, account)
		c.Next()
	}
}

// AccountFrom 从gin上下文取出认证后的账户
func AccountFrom(c *gin.Context) *types.Account {
	if v, ok := c.Get(accountKey); ok {
		if account, ok := v.(*types.Account); ok {
			return account
		}
	}
	return nil
}
