package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/topup/pkg/wallet"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextKeyUser = "auth_user"

var errNoBearerToken = errors.New("no bearer token")

// authenticator validates HS256 bearer tokens and resolves the wallet owner
// from the subject claim.
type authenticator struct {
	signingKey []byte
}

func newAuthenticator(signingKey string) *authenticator {
	return &authenticator{signingKey: []byte(signingKey)}
}

// RequireUser rejects requests without a valid bearer token.
func (auth *authenticator) RequireUser() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID, err := auth.userFromRequest(ctx)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "valid bearer token required"))
			return
		}
		ctx.Set(contextKeyUser, userID)
		ctx.Next()
	}
}

// OptionalUser resolves the caller when a token is present and lets anonymous
// requests through. A token that is present but invalid is still rejected.
func (auth *authenticator) OptionalUser() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID, err := auth.userFromRequest(ctx)
		if errors.Is(err, errNoBearerToken) {
			ctx.Next()
			return
		}
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "bearer token rejected"))
			return
		}
		ctx.Set(contextKeyUser, userID)
		ctx.Next()
	}
}

func (auth *authenticator) userFromRequest(ctx *gin.Context) (wallet.UserID, error) {
	header := ctx.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return wallet.UserID{}, errNoBearerToken
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return wallet.UserID{}, errNoBearerToken
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return auth.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return wallet.UserID{}, jwt.ErrSignatureInvalid
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return wallet.UserID{}, err
	}
	return wallet.NewUserID(subject)
}

func currentUser(ctx *gin.Context) (wallet.UserID, bool) {
	value, ok := ctx.Get(contextKeyUser)
	if !ok {
		return wallet.UserID{}, false
	}
	userID, ok := value.(wallet.UserID)
	return userID, ok
}
