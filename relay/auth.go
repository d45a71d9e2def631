package relay

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// RelayClaims are the claims a relay token must carry.
type RelayClaims struct {
	PeerID string `json:"peer_id"`
	jwt.RegisteredClaims
}

// JWTAuth validates bearer tokens on protected endpoints. Websocket clients
// that cannot set headers may pass the token as a query parameter instead.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authorization required",
			})
			return
		}

		token, err := jwt.ParseWithClaims(tokenString, &RelayClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			return
		}

		if claims, ok := token.Claims.(*RelayClaims); ok {
			c.Set("peer_id", claims.PeerID)
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.Split(header, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}

// IssueToken mints a token for one peer, for deployments that front the
// relay with their own account system.
func IssueToken(secret, peerID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, RelayClaims{PeerID: peerID})
	return token.SignedString([]byte(secret))
}
