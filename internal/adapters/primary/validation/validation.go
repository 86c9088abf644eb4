package validation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
	apperrors "github.com/lorrc/opsgraph-realtime/internal/core/errors"
)

// maxBodyBytes bounds request bodies on the ingestion endpoints.
const maxBodyBytes = 1 << 20

// Validator validates request data
type Validator struct {
	errors *apperrors.ValidationErrors
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		errors: apperrors.NewValidationErrors(),
	}
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return v.errors.HasErrors()
}

// Err returns the collected errors, or nil if there are none.
func (v *Validator) Err() error {
	if !v.errors.HasErrors() {
		return nil
	}
	return v.errors
}

// PositiveIDs validates that every id is greater than zero
func (v *Validator) PositiveIDs(field string, ids ...int64) *Validator {
	for _, id := range ids {
		if id <= 0 {
			v.errors.Add(field, "Must be a positive integer")
			return v
		}
	}
	return v
}

// FilterPatch rejects non-positive ids in any dimension of p.
func FilterPatch(p domain.FilterPatch) error {
	v := NewValidator()
	v.PositiveIDs("ticketIds", append(deref(p.TicketID), p.TicketIDs...)...)
	v.PositiveIDs("siteIds", append(deref(p.SiteID), p.SiteIDs...)...)
	v.PositiveIDs("assetIds", append(deref(p.AssetID), p.AssetIDs...)...)
	return v.Err()
}

func deref(id *int64) []int64 {
	if id == nil {
		return nil
	}
	return []int64{*id}
}

// DecodeJSON decodes a JSON request body into T. An empty body decodes to
// the zero value.
func DecodeJSON[T any](r *http.Request) (*T, error) {
	var req T

	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return nil, apperrors.NewBadRequestError(err, "Invalid request body")
	}

	return &req, nil
}

// ParseIDQueryParam parses an optional positive integer id from the query
// string. A missing parameter yields nil.
func ParseIDQueryParam(r *http.Request, key string) (*int64, error) {
	valueStr := r.URL.Query().Get(key)
	if valueStr == "" {
		return nil, nil
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil || value <= 0 {
		return nil, apperrors.NewBadRequestError(apperrors.ErrInvalidFilter, "Invalid "+key+" parameter")
	}

	return &value, nil
}
