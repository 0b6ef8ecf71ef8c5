package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/internal/api/response"
)

const maxJSONBody = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("bbox", func(fl validator.FieldLevel) bool {
		bbox, ok := fl.Field().Interface().([]float64)
		return ok && ValidBBox(bbox)
	})
	return v
}

// ValidBBox reports whether b is [minLon, minLat, maxLon, maxLat] with
// min < max and coordinates inside WGS84 bounds.
func ValidBBox(b []float64) bool {
	if len(b) != 4 {
		return false
	}
	minLon, minLat, maxLon, maxLat := b[0], b[1], b[2], b[3]
	if minLon < -180 || maxLon > 180 || minLat < -90 || maxLat > 90 {
		return false
	}
	return minLon < maxLon && minLat < maxLat
}

// decodeJSON reads a JSON body into dst and validates it. On failure the
// error response has been written and false is returned.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		validationError(w, err)
		return false
	}
	return true
}

func validationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = failedRule(fe)
	}
	response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", details)
}

func failedRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// pathUUID parses a UUID URL parameter, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, raw, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
