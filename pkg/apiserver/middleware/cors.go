package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS allows browser clients to send the tenant key header.
func CORS(apiKeyHeader string) gin.HandlerFunc {
	allowed := strings.Join([]string{"Authorization", "Content-Type", RequestIDHeader, apiKeyHeader}, ", ")
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Headers", allowed)
		header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		header.Set("Access-Control-Expose-Headers", RequestIDHeader)
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
