package settlement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AzimPower/investpro-sub001/settlement"
)

func TestIdempotencyGuard_CanClaim(t *testing.T) {
	guard := settlement.IdempotencyGuard{Location: time.UTC}
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	today := settlement.NewDay(2025, time.March, 10)

	tests := []struct {
		name       string
		pos        settlement.LotPosition
		wantOK     bool
		wantReason settlement.DeclineReason
	}{
		{
			name:   "never claimed",
			pos:    settlement.LotPosition{Active: true},
			wantOK: true,
		},
		{
			name:   "claimed yesterday",
			pos:    settlement.LotPosition{Active: true, LastEarningDate: today.AddDays(-1)},
			wantOK: true,
		},
		{
			name:       "claimed today",
			pos:        settlement.LotPosition{Active: true, LastEarningDate: today},
			wantReason: settlement.DeclineAlreadyClaimedToday,
		},
		{
			name:       "date ahead of server clock",
			pos:        settlement.LotPosition{Active: true, LastEarningDate: today.AddDays(1)},
			wantReason: settlement.DeclineAlreadyClaimedToday,
		},
		{
			name:       "inactive",
			pos:        settlement.LotPosition{LastEarningDate: today.AddDays(-3)},
			wantReason: settlement.DeclineLotInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := guard.CanClaim(tt.pos, now)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestIdempotencyGuard_UsesServerLocation(t *testing.T) {
	// 23:30 UTC on the 9th is already the 10th in UTC+2.
	now := time.Date(2025, time.March, 9, 23, 30, 0, 0, time.UTC)
	pos := settlement.LotPosition{Active: true, LastEarningDate: settlement.NewDay(2025, time.March, 9)}

	ok, _ := settlement.IdempotencyGuard{Location: time.UTC}.CanClaim(pos, now)
	assert.False(t, ok)

	ok, _ = settlement.IdempotencyGuard{Location: time.FixedZone("UTC+2", 2*60*60)}.CanClaim(pos, now)
	assert.True(t, ok)
}

func TestDay(t *testing.T) {
	d, err := settlement.ParseDay("2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-10", d.String())
	assert.True(t, d.Equal(settlement.NewDay(2025, time.March, 10)))
	assert.True(t, d.AddDays(-1).Before(d))
	assert.True(t, d.AddDays(1).After(d))
	assert.Equal(t, "2025-03-01", settlement.NewDay(2025, time.February, 28).AddDays(1).String())

	zero, err := settlement.ParseDay("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
	assert.Equal(t, "", zero.String())
	assert.True(t, zero.Before(d))

	_, err = settlement.ParseDay("10/03/2025")
	assert.Error(t, err)

	late := time.Date(2025, time.March, 10, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-03-11", settlement.DayOf(late, time.FixedZone("UTC+3", 3*60*60)).String())
	assert.Equal(t, "2025-03-10", settlement.DayOf(late, nil).String())
}
