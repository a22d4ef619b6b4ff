package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware resolves the Bearer token into tenant + user context keys.
// Requests without a token pass through untouched; handlers that need an
// identity use RequireStaff.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")

		if auth == "" {
			c.Next()
			return
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		auth = auth[len(bearer):]

		validate, err := utils.JwtValidate(auth)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		claim, _ := validate.Claims.(*utils.JwtCustomClaim)

		ctx := c.Request.Context()
		ctx = utils.SetTokenInContext(ctx, auth)
		ctx = utils.SetBusinessIdInContext(ctx, claim.BusinessId)
		ctx = utils.SetUserIdInContext(ctx, claim.ID)
		ctx = utils.SetUserNameInContext(ctx, claim.UserName)
		ctx = utils.SetUserRoleInContext(ctx, claim.Role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireStaff aborts any request that did not authenticate as tenant staff.
func RequireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
		if !ok || businessId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
