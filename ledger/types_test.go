package ledger_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/shared-ledger/ledger"
)

func TestParseAmount_Valid(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"30", "30"},
		{"30.5", "30.5"},
		{"30,5", "30.5"},
		{"  12.25 ", "12.25"},
		{"0.01", "0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ledger.ParseAmount(tt.input)
			require.NoError(t, err)
			assert.True(t, got.Equal(dec(tt.want)), "got %s", got)
		})
	}
}

func TestParseAmount_Invalid(t *testing.T) {
	for _, input := range []string{"", "   ", "abc", "0", "0.00", "-5", "NaN", "Inf", "12abc"} {
		t.Run(input, func(t *testing.T) {
			_, err := ledger.ParseAmount(input)
			assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
			assert.True(t, ledger.IsValidation(err))

			var ve *ledger.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "amount", ve.Field)
		})
	}
}

func TestAmountFromFloat(t *testing.T) {
	d, err := ledger.AmountFromFloat(12.5)
	require.NoError(t, err)
	assert.True(t, d.Equal(dec("12.5")))

	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0, -1} {
		_, err := ledger.AmountFromFloat(f)
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount, "%v", f)
	}
}

func TestNewEvent_Validate(t *testing.T) {
	valid := ledger.NewEvent{Amount: dec("10"), Participant: "Tomi", Kind: ledger.KindShared, Timestamp: t0}
	require.NoError(t, valid.Validate())

	noTime := valid
	noTime.Timestamp = time.Time{}
	assert.ErrorIs(t, noTime.Validate(), ledger.ErrMissingTimestamp)

	noOwner := valid
	noOwner.Participant = ""
	assert.ErrorIs(t, noOwner.Validate(), ledger.ErrUnknownParticipant)

	badKind := valid
	badKind.Kind = "loan"
	assert.ErrorIs(t, badKind.Validate(), ledger.ErrUnclassifiable)

	negative := valid
	negative.Amount = dec("-1")
	assert.ErrorIs(t, negative.Validate(), ledger.ErrInvalidAmount)
}

func TestPair_Other(t *testing.T) {
	p := ledger.DefaultPair
	assert.Equal(t, ledger.Participant("Damien"), p.Other("Tomi"))
	assert.Equal(t, ledger.Participant("Tomi"), p.Other("Damien"))
	assert.True(t, p.Has("Tomi"))
	assert.False(t, p.Has("tomi"))
}
