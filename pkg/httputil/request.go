package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json field names rather than Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseJSON decodes a single JSON object from the request body, rejecting unknown fields
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// Validate checks dest's `validate` struct tags. The returned map is keyed
// by json field name and is nil when dest is valid.
func Validate(dest interface{}) (map[string]string, error) {
	err := validate.Struct(dest)
	if err == nil {
		return nil, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, err
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = validationMessage(fe)
	}
	return details, nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// DecodeAndValidate parses the JSON body into dest and validates it. On
// failure a 400 is written and false returned.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if !ParseJSONOrError(w, r, dest) {
		return false
	}
	details, err := Validate(dest)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	if details != nil {
		WriteDetailedError(w, http.StatusBadRequest, errors.New("validation failed"), details)
		return false
	}
	return true
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	val := mux.Vars(r)[key]
	if val == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return val, nil
}

// ParsePathStringOrError extracts a string path parameter and writes error on failure
func ParsePathStringOrError(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	val, err := ParsePathString(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return "", false
	}
	return val, true
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}

// ParseQueryString extracts a string query parameter
func ParseQueryString(r *http.Request, key string, defaultVal string) string {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// ParseQueryTime parses an RFC 3339 timestamp or a YYYY-MM-DD date (UTC
// midnight). A missing parameter yields the zero time.
func ParseQueryTime(r *http.Request, key string) (time.Time, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, str); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", str); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time for query param %s: %s", key, str)
}

// ParseQueryList collects a repeated or comma-separated query parameter
func ParseQueryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
