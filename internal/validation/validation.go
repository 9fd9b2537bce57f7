// Package validation provides input validation middleware for the relay API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). The API is
// read-only; anything beyond header-sized requests is abuse.
const MaxRequestSize = 64 << 10

// MaxQueryLength is the maximum length accepted for any single query
// parameter value.
const MaxQueryLength = 256

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// QueryLengthMiddleware rejects requests carrying oversized query values
// before any handler parses them.
func QueryLengthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for key, vals := range c.Request.URL.Query() {
			for _, v := range vals {
				if len(v) > MaxQueryLength {
					c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
						"error":   "invalid_query",
						"message": "query parameter " + key + " is too long",
					})
					return
				}
			}
		}
		c.Next()
	}
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}
