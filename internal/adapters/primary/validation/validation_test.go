package validation

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
	apperrors "github.com/lorrc/opsgraph-realtime/internal/core/errors"
)

func TestParseIDQueryParam(t *testing.T) {
	tests := []struct {
		query   string
		want    *int64
		wantErr bool
	}{
		{query: "", want: nil},
		{query: "?ticketId=42", want: domain.Int64(42)},
		{query: "?ticketId=abc", wantErr: true},
		{query: "?ticketId=0", wantErr: true},
		{query: "?ticketId=-3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/kg/events"+tt.query, nil)
			got, err := ParseIDQueryParam(r, "ticketId")
			if tt.wantErr {
				var appErr *apperrors.AppError
				require.True(t, errors.As(err, &appErr))
				assert.Equal(t, http.StatusBadRequest, appErr.StatusCode)
				assert.ErrorIs(t, err, apperrors.ErrInvalidFilter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Type string `json:"type"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"type":"x"}`))
	got, err := DecodeJSON[body](r)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Type)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	got, err = DecodeJSON[body](r)
	require.NoError(t, err)
	assert.Empty(t, got.Type)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"type":`))
	_, err = DecodeJSON[body](r)
	assert.Error(t, err)
}

func TestFilterPatch(t *testing.T) {
	assert.NoError(t, FilterPatch(domain.FilterPatch{TicketIDs: []int64{1, 2}, SiteID: domain.Int64(3)}))
	assert.NoError(t, FilterPatch(domain.FilterPatch{}))

	err := FilterPatch(domain.FilterPatch{AssetIDs: []int64{5, -1}})
	var verrs *apperrors.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Contains(t, verrs.Errors, "assetIds")
}
