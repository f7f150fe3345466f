// Package validation provides request validation and error responses for
// the gin handlers.
package validation

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/pagination"
	"github.com/payrollx/escrowrecon/internal/token"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
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

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// ValidAddress checks a chain address. Empty values pass; use Required.
func ValidAddress(field, value string) func() *ValidationError {
	return fromDomain(field, value, func(v string) error {
		_, err := domain.NormalizeAddress(field, v)
		return err
	})
}

// ValidTxHash checks a transaction hash. Empty values pass.
func ValidTxHash(field, value string) func() *ValidationError {
	return fromDomain(field, value, func(v string) error {
		_, err := domain.NormalizeTxHash(field, v)
		return err
	})
}

// ValidAmount checks a positive decimal amount in units of tok.
func ValidAmount(field, value string, tok token.Type) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		v, err := token.Parse(tok, value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if v.Sign() == 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

func fromDomain(field, value string, check func(string) error) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if err := check(value); err != nil {
			var de *domain.Error
			if errors.As(err, &de) {
				return &ValidationError{Field: field, Message: de.Msg}
			}
			return &ValidationError{Field: field, Message: err.Error()}
		}
		return nil
	}
}

// AddressParamMiddleware rejects malformed :address params and rewrites
// valid ones to lowercase so handlers see one spelling per address.
func AddressParamMiddleware() gin.HandlerFunc {
	return paramMiddleware("address", "invalid_address", func(v string) (string, error) {
		return domain.NormalizeAddress("address", v)
	})
}

// EscrowIDParamMiddleware does the same for :escrowId params.
func EscrowIDParamMiddleware() gin.HandlerFunc {
	return paramMiddleware("escrowId", "invalid_escrow_id", domain.NormalizeEscrowID)
}

func paramMiddleware(name, code string, normalize func(string) (string, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Param(name)
		if raw == "" {
			c.Next()
			return
		}
		norm, err := normalize(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   code,
				"message": err.Error(),
			})
			return
		}
		for i := range c.Params {
			if c.Params[i].Key == name {
				c.Params[i].Value = norm
			}
		}
		c.Next()
	}
}

// QueryLimit reads ?limit= clamped to the pagination bounds.
func QueryLimit(c *gin.Context) int {
	n, _ := strconv.Atoi(c.Query("limit"))
	return pagination.ClampLimit(n)
}

// RespondError writes err with the status its kind maps to. notFound
// errors, if given, map to 404.
func RespondError(c *gin.Context, err error, notFound ...error) {
	for _, nf := range notFound {
		if errors.Is(err, nf) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
	}
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": err.Error()})
		return
	}

	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrSourceUnavailable), errors.Is(err, domain.ErrStorageUnavailable):
		status, msg = http.StatusServiceUnavailable, err.Error()
	}
	c.JSON(status, gin.H{"error": kind, "message": msg})
}
