package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"not found", NotFound("listing", "l1"), http.StatusNotFound},
		{"insufficient", InsufficientCredits(10, 100), http.StatusPaymentRequired},
		{"subscription", SubscriptionRequired("security"), http.StatusPaymentRequired},
		{"validation", Validation("amount", "must be positive"), http.StatusBadRequest},
		{"forbidden", Forbidden("admin scope required"), http.StatusForbidden},
		{"conflict", Conflict(errors.New("serialization failure")), http.StatusConflict},
		{"wrapped", eris.Wrap(NotFound("subscription", "s1"), "registry: cancel"), http.StatusNotFound},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestInsufficientCredits_CarriesAmounts(t *testing.T) {
	err := eris.Wrap(InsufficientCredits(40, 100), "marketplace: purchase")

	var ic *InsufficientCreditsError
	assert.True(t, errors.As(err, &ic))
	assert.Equal(t, int64(40), ic.Balance)
	assert.Equal(t, int64(100), ic.Required)
}

func TestConflict_Unwraps(t *testing.T) {
	base := errors.New("deadlock detected")
	err := Conflict(base)

	assert.True(t, IsConflict(err))
	assert.ErrorIs(t, err, base)
	assert.Nil(t, Conflict(nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("agent", "a1")))
	assert.False(t, IsNotFound(errors.New("other")))
	assert.Equal(t, "agent not found: a1", NotFound("agent", "a1").Error())
}
