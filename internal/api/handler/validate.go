package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	mw "github.com/tollgate-ai/tollgate/internal/api/middleware"
	"github.com/tollgate-ai/tollgate/internal/api/response"
)

// validate is shared by all handlers. Field names in validation errors come
// from the json tag so details match the wire format.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bindJSON decodes and validates the request body into dst. It renders the
// 400 itself and returns false when the body is malformed or invalid.
func bindJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest,
			"INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = validationMessage(fe)
			}
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "Request validation failed", details)
			return false
		}
		response.Error(w, http.StatusBadRequest,
			"INVALID_REQUEST", "Invalid request", nil)
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "uuid":
		return "must be a valid UUID"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "min":
		return "must not be empty"
	}
	return "is invalid"
}

// identity returns the caller resolved by the auth stage. Handlers behind the
// protected group always have one; the guard keeps them safe to mount bare.
func identity(w http.ResponseWriter, r *http.Request) (*mw.RequestContext, bool) {
	rc, ok := mw.FromRequest(r)
	if !ok || !rc.Authenticated() {
		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Missing authentication", nil)
		return nil, false
	}
	return rc, true
}

// pathID parses the named chi URL parameter as a UUID.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest,
			"INVALID_REQUEST", name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
