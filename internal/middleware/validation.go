package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	resourceID   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]{0,252}$`)
)

func init() {
	validate = validator.New()
	validate.RegisterValidation("resource_id", func(fl validator.FieldLevel) bool {
		return ValidResourceID(fl.Field().String())
	})
}

// SanitizeString removes control characters except newlines and tabs and
// trims whitespace.
func SanitizeString(input string) string {
	return strings.TrimSpace(controlChars.ReplaceAllString(input, ""))
}

// ValidResourceID reports whether id can name a watched resource. Slashes are
// allowed for namespace/pod style ids; ".." segments are not.
func ValidResourceID(id string) bool {
	if !resourceID.MatchString(id) || strings.Contains(id, "..") || strings.HasSuffix(id, "/") {
		return false
	}
	return true
}

// Validate runs struct tag validation on v.
func Validate(v interface{}) error {
	return validate.Struct(v)
}

// BindJSON decodes the request body into v and validates it. On failure it
// writes a 400 response and returns false. An empty body is accepted when
// allowEmpty is set.
func BindJSON(c *gin.Context, v interface{}, allowEmpty bool) bool {
	if c.Request.ContentLength == 0 && allowEmpty {
		if err := validate.Struct(v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "details": err.Error()})
			return false
		}
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid JSON format",
			"details": err.Error(),
		})
		return false
	}
	if err := validate.Struct(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "Validation failed",
			"details": err.Error(),
		})
		return false
	}
	return true
}
