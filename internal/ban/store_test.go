package ban

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to a local Redis (DB 15) and clears test keys. It
// skips when Redis is unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		for _, pattern := range []string{BanPrefix + "test_*", ReportsPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client)
}

func TestDuration(t *testing.T) {
	tests := []struct {
		reports int
		want    time.Duration
	}{
		{3, Ban15Min},
		{4, Ban1Hour},
		{5, Ban24Hour},
		{12, Ban24Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Duration(tt.reports), "reports=%d", tt.reports)
	}
}

func TestIsBanned_NotBanned(t *testing.T) {
	store := newTestStore(t)

	banned, remaining, reason, err := store.IsBanned(context.Background(), "test_no_ban")
	require.NoError(t, err)
	assert.False(t, banned)
	assert.Zero(t, remaining)
	assert.Empty(t, reason)
}

func TestBanAndUnban(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Ban(ctx, "test_ban", 30*time.Second, ReasonMinorSuspected))

	st, err := store.Lookup(ctx, "test_ban")
	require.NoError(t, err)
	assert.True(t, st.Banned)
	assert.Equal(t, ReasonMinorSuspected, st.Reason)
	assert.InDelta(t, 30, st.Remaining.Seconds(), 2)

	require.NoError(t, store.Unban(ctx, "test_ban"))
	st, err = store.Lookup(ctx, "test_ban")
	require.NoError(t, err)
	assert.False(t, st.Banned)
}

func TestBanKeepsLongerBan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Ban(ctx, "test_long", Ban24Hour, ReasonMinorSuspected))
	require.NoError(t, store.Ban(ctx, "test_long", Ban15Min, ReasonMultipleReports))

	st, err := store.Lookup(ctx, "test_long")
	require.NoError(t, err)
	assert.Equal(t, ReasonMinorSuspected, st.Reason)
	assert.Greater(t, st.Remaining, time.Hour)
}

func TestReportAndCheckEscalates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	const user = "test_escalate"

	want := []time.Duration{0, 0, Ban15Min, Ban1Hour, Ban24Hour}
	for i, w := range want {
		d, err := store.ReportAndCheck(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, w, d, "report #%d", i+1)
	}

	n, err := store.ReportCount(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)

	banned, _, reason, err := store.IsBanned(ctx, user)
	require.NoError(t, err)
	assert.True(t, banned)
	assert.Equal(t, ReasonMultipleReports, reason)
}
