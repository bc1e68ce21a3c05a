package apierr

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	w := httptest.NewRecorder()
	Write(w, RateLimited, "quota exceeded")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	body, err := Decode(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "rate_limited", body.Code)
	assert.Equal(t, "quota exceeded", body.Message)
}

func TestKindsAreDistinct(t *testing.T) {
	kinds := []Kind{
		AccessDenied, RateLimited, TenantNotFound, AmbiguousSignal,
		InvalidRequest, NotFound, InferenceUnavailable, InferenceRejected, Internal,
	}
	seen := make(map[string]bool)
	for _, k := range kinds {
		assert.False(t, seen[k.Code], "duplicate code %s", k.Code)
		seen[k.Code] = true
	}
	assert.NotEqual(t, AccessDenied.Status, RateLimited.Status)
	assert.NotEqual(t, RateLimited.Status, InferenceUnavailable.Status)
}
