// Package validation checks inbound identifiers and message bodies.
//
// Request structs declare their rules with `validate` tags. Besides the
// validator built-ins two tags are registered here:
//
//	chatid  an opaque platform identifier (see IsValidID)
//	utf8    well-formed UTF-8 text
package validation

import (
	"errors"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxIDLength bounds user and message identifiers.
const MaxIDLength = 128

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]*$`)

const idRule = "must be 1-128 characters of letters, digits, '_', '.', ':' or '-'"

// IsValidID reports whether id is an acceptable user or message id.
func IsValidID(id string) bool {
	return len(id) > 0 && len(id) <= MaxIDLength && idRegex.MatchString(id)
}

var (
	once     sync.Once
	validate *validator.Validate
)

func engine() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their JSON names.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("chatid", func(fl validator.FieldLevel) bool {
			return IsValidID(fl.Field().String())
		})
		_ = validate.RegisterValidation("utf8", func(fl validator.FieldLevel) bool {
			return utf8.ValidString(fl.Field().String())
		})
	})
	return validate
}

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors lists rejected fields in declaration order.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Struct checks v against its validate tags. It returns nil when v passes.
func Struct(v any) ValidationErrors {
	return convert("", engine().Struct(v))
}

// Var checks a single value against tag, reporting failures under field.
// Use it for limits only known at runtime, such as "max=280".
func Var(field string, value any, tag string) ValidationErrors {
	return convert(field, engine().Var(value, tag))
}

func convert(field string, err error) ValidationErrors {
	if err == nil {
		return nil
	}
	var fes validator.ValidationErrors
	if !errors.As(err, &fes) {
		return ValidationErrors{{Field: field, Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(fes))
	for _, fe := range fes {
		name := field
		if name == "" {
			name = fe.Field()
		}
		out = append(out, ValidationError{Field: name, Message: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "chatid":
		return idRule
	case "utf8":
		return "must be valid UTF-8"
	case "max":
		return "exceeds maximum length of " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IDParamMiddleware rejects requests whose path parameter is not a valid id.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param(param); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": param + ": " + idRule,
				"details": ValidationErrors{{Field: param, Message: idRule}},
			})
			return
		}
		c.Next()
	}
}
