// Package validation checks gift request fields before they reach the ledger.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (64KB).
const MaxRequestSize = 64 << 10

// MaxMessageLength bounds the optional note attached to a gift.
const MaxMessageLength = 500

var (
	userIDRegex   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,63}$`)
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	escrowIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

func IsValidEscrowID(id string) bool {
	return escrowIDRegex.MatchString(id)
}

// SanitizeString trims, strips NUL bytes and caps s at maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + " " + e[0].Message
}

// Validate runs validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidUserID checks the shape of a user id. Empty values pass; use Required.
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be a valid user id"}
		}
		return nil
	}
}

// Distinct rejects a gift to oneself.
func Distinct(field, sender, recipient string) func() *ValidationError {
	return func() *ValidationError {
		if sender != "" && sender == recipient {
			return &ValidationError{Field: field, Message: "cannot be yourself"}
		}
		return nil
	}
}

// ValidAmount checks a positive amount with at most two decimal places.
func ValidAmount(field string, value decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if !value.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		if value.Exponent() < -2 && !value.Equal(value.Round(2)) {
			return &ValidationError{Field: field, Message: "must have at most two decimal places"}
		}
		return nil
	}
}

// ValidCurrency checks an ISO 4217 style code. Empty values pass.
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !currencyRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a three-letter currency code"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// EscrowIDParamMiddleware rejects malformed :id parameters early.
func EscrowIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidEscrowID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "validation",
				"message": "escrow id is malformed",
			})
			return
		}
		c.Next()
	}
}
