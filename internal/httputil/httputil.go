package httputil

import (
	"net/http"
	"reflect"
	"strconv"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-chi/chi/v5"

	"github.com/neboloop/webpilot/internal/errs"
)

// Parse parses the request into the given struct.
// Supports:
// - JSON body (for POST/PUT/PATCH)
// - Path parameters via `path:"name"` struct tag (using chi.URLParam)
// - Query parameters via `form:"name"` struct tag
// Unknown JSON members are rejected.
func Parse(r *http.Request, v any) error {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return nil
	}
	val = val.Elem()
	if val.Kind() != reflect.Struct {
		return nil
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		if !field.CanSet() {
			continue
		}
		structField := typ.Field(i)

		if pathTag := structField.Tag.Get("path"); pathTag != "" {
			if pathVal := chi.URLParam(r, pathTag); pathVal != "" {
				setFieldValue(field, pathVal)
			}
		}
		if formTag := structField.Tag.Get("form"); formTag != "" {
			if queryVal := r.URL.Query().Get(formTag); queryVal != "" {
				setFieldValue(field, queryVal)
			}
		}
	}

	if r.Body != nil && r.ContentLength != 0 {
		contentType := r.Header.Get("Content-Type")
		if strings.HasPrefix(contentType, "application/json") || contentType == "" {
			if err := jsonv2.UnmarshalRead(r.Body, v, jsonv2.RejectUnknownMembers(true)); err != nil {
				return err
			}
		}
	}
	return nil
}

// setFieldValue sets a struct field value from a string
func setFieldValue(field reflect.Value, value string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			field.SetInt(i)
		}
	case reflect.Bool:
		if b, err := strconv.ParseBool(value); err == nil {
			field.SetBool(b)
		}
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			field.SetFloat(f)
		}
	}
}

// QueryInt returns a query parameter as int with a default value
func QueryInt(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	if i, err := strconv.Atoi(val); err == nil {
		return i
	}
	return defaultVal
}

// OkJSON writes a JSON response with 200 OK status
func OkJSON(w http.ResponseWriter, v any) {
	WriteJSON(w, http.StatusOK, v)
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = jsonv2.MarshalWrite(w, v)
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Error writes err with the status its code maps to.
func Error(w http.ResponseWriter, err error) {
	code := errs.Code(err)
	WriteJSON(w, StatusFor(code), ErrorResponse{Status: StatusFor(code), Code: code, Message: err.Error()})
}

// ErrorWithCode writes an error response with a specific status code
func ErrorWithCode(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Status: status, Message: message})
}

// StatusFor maps an errs code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case "step_validation":
		return http.StatusBadRequest
	case "element_not_found":
		return http.StatusNotFound
	case "not_actionable", "not_editable", "stale_element":
		return http.StatusConflict
	case "assertion_failed":
		return http.StatusUnprocessableEntity
	case "timeout":
		return http.StatusGatewayTimeout
	case "navigation", "navigation_aborted", "protocol":
		return http.StatusBadGateway
	case "page_crashed", "session_closed", "connection":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Unauthorized writes a 401 unauthorized response
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "unauthorized"
	}
	ErrorWithCode(w, http.StatusUnauthorized, message)
}

// NotFound writes a 404 not found response
func NotFound(w http.ResponseWriter, message string) {
	if message == "" {
		message = "not found"
	}
	ErrorWithCode(w, http.StatusNotFound, message)
}

// BadRequest writes a 400 response
func BadRequest(w http.ResponseWriter, message string) {
	ErrorWithCode(w, http.StatusBadRequest, message)
}
