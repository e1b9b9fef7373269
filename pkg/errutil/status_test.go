package errutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestBaseErrorIsMatchesReason(t *testing.T) {
	sentinel := BadRequest("insufficient points", nil, WithReason("INSUFFICIENT_POINTS"))
	other := BadRequest("insufficient points", nil, WithReason("OUT_OF_STOCK"))

	wrapped := fmt.Errorf("redeem: %w", sentinel.With(WithErr(errors.New("need 10"))))

	require.ErrorIs(t, wrapped, sentinel)
	require.NotErrorIs(t, wrapped, other)

	var be BaseError
	require.True(t, errors.As(wrapped, &be))
	require.Equal(t, http.StatusBadRequest, be.Code.HTTPStatus())
}

func TestBaseErrorWithoutReasonNeverMatches(t *testing.T) {
	a := NotFound("missing", nil)
	b := NotFound("missing", nil)
	require.False(t, errors.Is(a, b))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[CoreStatus]int{
		StatusBadRequest: http.StatusBadRequest,
		StatusForbidden:  http.StatusForbidden,
		StatusNotFound:   http.StatusNotFound,
		StatusConflict:   http.StatusConflict,
		StatusInternal:   http.StatusInternalServerError,
		CoreStatus("?"):  http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, code.HTTPStatus(), string(code))
	}
}

func TestToGRPCError(t *testing.T) {
	require.NoError(t, ToGRPCError(nil))

	err := ToGRPCError(Conflict("referral already used", nil))
	require.Equal(t, codes.AlreadyExists, status.Code(err))

	err = ToGRPCError(errors.New("boom"))
	require.Equal(t, codes.Internal, status.Code(err))
}
