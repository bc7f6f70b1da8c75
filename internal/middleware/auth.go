// Package middleware содержит HTTP middleware POS-сервиса.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

type contextKey string

const (
	userIDKey  contextKey = "userID"
	storeIDKey contextKey = "storeID"
)

const (
	authCookieName = "auth_token"
	tokenTTL       = 24 * time.Hour
)

// Claims содержит полезную нагрузку токена: сотрудник и его точка.
type Claims struct {
	UserID  string `json:"uid"`
	StoreID string `json:"sid"`
	jwt.RegisteredClaims
}

// AuthMiddleware выполняет проверку аутентификации по JWT из заголовка
// Authorization или из cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secretKey: []byte(secret)}
}

// GenerateToken выпускает подписанный токен для сотрудника точки.
func (a *AuthMiddleware) GenerateToken(userID, storeID uuid.UUID) (string, error) {
	claims := Claims{
		UserID:  userID.String(),
		StoreID: storeID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secretKey)
}

// SetAuthCookie устанавливает cookie с токеном сотрудника.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(tokenTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Middleware проверяет токен и добавляет идентификаторы сотрудника и точки
// в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractToken(r)
		if tokenString == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		userID, storeID, err := a.parseToken(tokenString)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, storeIDKey, storeID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AuthMiddleware) parseToken(tokenString string) (uuid.UUID, uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secretKey, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, uuid.Nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return uuid.Nil, uuid.Nil, errors.New("invalid claims")
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, uuid.Nil, errors.New("invalid user id")
	}
	storeID, err := uuid.Parse(claims.StoreID)
	if err != nil {
		return uuid.Nil, uuid.Nil, errors.New("invalid store id")
	}

	return userID, storeID, nil
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	if cookie, err := r.Cookie(authCookieName); err == nil {
		return cookie.Value
	}

	return ""
}

// GetUserIDFromContext извлекает идентификатор сотрудника из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// GetStoreIDFromContext извлекает идентификатор точки из контекста запроса.
func GetStoreIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(storeIDKey).(uuid.UUID)
	return id, ok
}
