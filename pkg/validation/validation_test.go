package validation

import (
	"errors"
	"testing"

	"competition-engine/pkg/errutil"

	"github.com/stretchr/testify/require"
)

type payload struct {
	ID     string `validate:"required"`
	Volume string `validate:"nonneg_decimal"`
	Amount string `validate:"positive_decimal"`
	Side   string `validate:"omitempty,oneof=BUY SELL"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(payload{ID: "1", Volume: "0", Amount: "1.5"}))

	err := Struct(payload{Volume: "-1", Amount: "abc", Side: "HOLD"})
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusValidationFailed, be.Code)
	require.Len(t, be.Details, 4)
	require.Equal(t, "ID", be.Details[0].Field)
	require.Equal(t, "is required", be.Details[0].Message)
}
