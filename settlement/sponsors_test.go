package settlement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AzimPower/investpro-sub001/settlement"
	"github.com/AzimPower/investpro-sub001/settlement/store"
)

func TestSponsorResolver_Resolve(t *testing.T) {
	tests := []struct {
		name  string
		users []settlement.User
		depth int
		want  []settlement.UserID
	}{
		{
			name: "full chain capped at depth",
			users: []settlement.User{
				{ID: "U", ReferredBy: "S1"},
				{ID: "S1", ReferredBy: "S2"},
				{ID: "S2", ReferredBy: "S3"},
				{ID: "S3"},
			},
			depth: 2,
			want:  []settlement.UserID{"S1", "S2"},
		},
		{
			name:  "no referrer",
			users: []settlement.User{{ID: "U"}},
			depth: 2,
			want:  nil,
		},
		{
			name:  "self reference",
			users: []settlement.User{{ID: "U", ReferredBy: "U"}},
			depth: 2,
			want:  nil,
		},
		{
			name: "cycle",
			users: []settlement.User{
				{ID: "U", ReferredBy: "S1"},
				{ID: "S1", ReferredBy: "U"},
			},
			depth: 2,
			want:  []settlement.UserID{"S1"},
		},
		{
			name:  "missing sponsor",
			users: []settlement.User{{ID: "U", ReferredBy: "ghost"}},
			depth: 2,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := store.NewMemory()
			for _, u := range tt.users {
				m.PutUser(u)
			}
			r := &settlement.SponsorResolver{Store: m, Retry: fastRetry()}

			got, err := r.Resolve(context.Background(), tt.users[0], tt.depth)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSponsorResolver_TransientFailureReturnsPartialChain(t *testing.T) {
	m := store.NewMemory()
	m.PutUser(settlement.User{ID: "U", ReferredBy: "S1"})
	m.PutUser(settlement.User{ID: "S1", ReferredBy: "S2"})
	m.PutUser(settlement.User{ID: "S2"})
	fs := newFailingUsers(m)
	fs.failReads["S2"] = 3

	r := &settlement.SponsorResolver{Store: fs, Retry: fastRetry()}
	got, err := r.Resolve(context.Background(), settlement.User{ID: "U", ReferredBy: "S1"}, 2)

	assert.ErrorIs(t, err, settlement.ErrStoreUnavailable)
	assert.Equal(t, []settlement.UserID{"S1"}, got)
}
