// Package validation provides input validation middleware for the Charity Coin API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 1000

var (
	// identityRegex validates platform identity ids (buyers and agents)
	identityRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]{0,127}$`)
	// transactionIDRegex validates escrow transaction ids
	transactionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentity checks if a string is a well-formed identity id
func IsValidIdentity(id string) bool {
	return identityRegex.MatchString(id)
}

// IsValidTransactionID checks if a string is a well-formed transaction id
func IsValidTransactionID(id string) bool {
	return transactionIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// SanitizeIdentity normalizes an identity id. Ids are case-insensitive.
func SanitizeIdentity(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidIdentity checks if a field is a well-formed identity id
func ValidIdentity(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidIdentity(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, '_', '.', ':' or '-'"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// QuantityRange checks that a coin quantity lies within [min, max].
func QuantityRange(field string, value, min, max int64) func() *ValidationError {
	return func() *ValidationError {
		if value < min || value > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", min, max)}
		}
		return nil
	}
}

// PositiveQuantity checks that a coin quantity is greater than zero
func PositiveQuantity(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// ValidPrice checks that a value is a positive decimal price
func ValidPrice(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid price format"}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "price must be greater than zero"}
		}
		return nil
	}
}

// OneOf checks that a field holds one of the allowed values
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of: " + strings.Join(allowed, ", ")}
	}
}

// IDParamMiddleware validates an identity URL parameter on routes that use it.
// Apply to route groups that include the param to reject malformed ids early.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && !IsValidIdentity(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": param + " must be a valid identity id",
			})
			return
		}
		c.Next()
	}
}
