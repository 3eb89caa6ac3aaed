package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rentmarket/internal/domain"
)

var (
	// ErrInvalidToken возвращается при некорректной подписи или структуре токена.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken возвращается для просроченного токена.
	ErrExpiredToken = errors.New("token has expired")
)

type contextKey string

const authContextKey contextKey = "authContext"

// Claims — полезная нагрузка bearer-токена. Выпуск токенов остаётся за внешней
// подсистемой аутентификации, движок только проверяет подпись и читает роли.
type Claims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator проверяет bearer-токены и кладёт AuthContext в контекст запроса.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator создаёт Authenticator с общим секретом HS256.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Middleware отклоняет запросы без валидного bearer-токена.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		auth, err := a.Parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey, auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Parse проверяет подпись токена и извлекает AuthContext.
func (a *Authenticator) Parse(tokenString string) (domain.AuthContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.AuthContext{}, ErrExpiredToken
		}
		return domain.AuthContext{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return domain.AuthContext{}, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return domain.AuthContext{}, ErrInvalidToken
	}

	roles := make([]domain.Role, 0, len(claims.Roles))
	for _, role := range claims.Roles {
		roles = append(roles, domain.Role(role))
	}

	return domain.AuthContext{UserID: claims.UserID, Roles: roles}, nil
}

// IssueToken подписывает токен для пользователя с набором ролей. Используется
// инструментами разработки и тестами; боевые токены выпускает внешний сервис.
func (a *Authenticator) IssueToken(userID string, roles []domain.Role, ttl time.Duration) (string, error) {
	rawRoles := make([]string, 0, len(roles))
	for _, role := range roles {
		rawRoles = append(rawRoles, string(role))
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		Roles:  rawRoles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// AuthFromContext извлекает AuthContext запроса, положенный middleware.
func AuthFromContext(ctx context.Context) (domain.AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey).(domain.AuthContext)
	return auth, ok
}
