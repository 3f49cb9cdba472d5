package abuse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	g := New(3, 5*time.Minute, []string{"bad_signature", "invalid_token", "replay"})

	assert.NotNil(t, g)
	assert.Equal(t, 3, g.maxAttempts)
	assert.Equal(t, 5*time.Minute, g.banDuration)
	assert.True(t, g.reasons["bad_signature"])
	assert.True(t, g.reasons["invalid_token"])
	assert.False(t, g.reasons["unknown_reason"])
}

func TestRecordOutcome_Success(t *testing.T) {
	g := New(3, 0, []string{"bad_signature"})

	g.RecordOutcome("node-1", "10.0.0.1", "")

	assert.Equal(t, 0, g.GetFailureCount("node-1", "10.0.0.1"))
	assert.False(t, g.IsBanned("node-1", "10.0.0.1"))
}

func TestRecordOutcome_Failure(t *testing.T) {
	g := New(3, 0, []string{"bad_signature"})

	g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")

	assert.Equal(t, 1, g.GetFailureCount("node-1", "10.0.0.1"))
	assert.False(t, g.IsBanned("node-1", "10.0.0.1"))
}

func TestRecordOutcome_NonTrackedReason(t *testing.T) {
	g := New(3, 0, []string{"bad_signature"})

	g.RecordOutcome("node-1", "10.0.0.1", "clock_skew")

	assert.Equal(t, 0, g.GetFailureCount("node-1", "10.0.0.1"))
	assert.False(t, g.IsBanned("node-1", "10.0.0.1"))
}

func TestRecordOutcome_BanAfterMaxAttempts(t *testing.T) {
	g := New(3, 0, []string{"bad_signature"})

	g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")
	g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")
	assert.False(t, g.IsBanned("node-1", "10.0.0.1"))
	assert.Equal(t, 2, g.GetFailureCount("node-1", "10.0.0.1"))

	g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")
	assert.True(t, g.IsBanned("node-1", "10.0.0.1"))
	assert.Equal(t, 3, g.GetFailureCount("node-1", "10.0.0.1"))
}

func TestRecordOutcome_SuccessResetsCounter(t *testing.T) {
	g := New(3, 0, []string{"bad_signature", "invalid_token"})

	g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")
	g.RecordOutcome("node-1", "10.0.0.1", "invalid_token")
	assert.Equal(t, 2, g.GetFailureCount("node-1", "10.0.0.1"))

	g.RecordOutcome("node-1", "10.0.0.1", "")
	assert.Equal(t, 0, g.GetFailureCount("node-1", "10.0.0.1"))
	assert.False(t, g.IsBanned("node-1", "10.0.0.1"))
}

func TestIsBanned_NotBanned(t *testing.T) {
	g := New(3, 0, []string{"bad_signature"})

	assert.False(t, g.IsBanned("unknown-node", "10.0.0.1"))

	g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")
	assert.False(t, g.IsBanned("node-1", "10.0.0.1"))
}

func TestIsBanned_PermanentBan(t *testing.T) {
	g := New(3, 0, []string{"bad_signature"})

	for i := 0; i < 3; i++ {
		g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")
	}

	assert.True(t, g.IsBanned("node-1", "10.0.0.1"))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, g.IsBanned("node-1", "10.0.0.1"))
}

func TestIsBanned_TemporaryBanExpires(t *testing.T) {
	g := New(3, 100*time.Millisecond, []string{"bad_signature"})

	for i := 0; i < 3; i++ {
		g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")
	}

	assert.True(t, g.IsBanned("node-1", "10.0.0.1"))

	time.Sleep(150 * time.Millisecond)
	assert.False(t, g.IsBanned("node-1", "10.0.0.1"))
	assert.Equal(t, 0, g.GetFailureCount("node-1", "10.0.0.1"))
}

func TestNewWithRules_PerReasonThresholds(t *testing.T) {
	g := NewWithRules(5, time.Minute, []string{"bad_signature", "invalid_token"}, []ReasonRule{
		{Reason: "bad_signature", MaxAttempts: 1, BanDuration: 0},
	})

	// bad_signature bans immediately
	g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")
	assert.True(t, g.IsBanned("node-1", "10.0.0.1"))

	// invalid_token uses the default 5-attempt rule
	g.RecordOutcome("node-2", "10.0.0.2", "invalid_token")
	assert.False(t, g.IsBanned("node-2", "10.0.0.2"))
}

func TestUnban(t *testing.T) {
	g := New(1, 0, []string{"bad_signature"})

	g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")
	assert.True(t, g.IsBanned("node-1", "10.0.0.1"))

	g.Unban("node-1", "10.0.0.1")
	assert.False(t, g.IsBanned("node-1", "10.0.0.1"))
}

func TestUnbanIdentity(t *testing.T) {
	g := New(1, 0, []string{"bad_signature"})

	g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")
	g.RecordOutcome("node-1", "10.0.0.2", "bad_signature")
	assert.True(t, g.HasAnyBan("node-1"))

	g.UnbanIdentity("node-1")
	assert.False(t, g.HasAnyBan("node-1"))
}

func TestGetBannedSources(t *testing.T) {
	g := New(1, 0, []string{"bad_signature"})

	g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")
	g.RecordOutcome("node-1", "10.0.0.2", "bad_signature")

	sources := g.GetBannedSources("node-1")
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, sources)
}

func TestGetBans(t *testing.T) {
	g := New(1, 0, []string{"bad_signature"})

	g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")

	bans := g.GetBans()
	assert.Len(t, bans, 1)
	assert.Equal(t, "node-1", bans[0].Identity)
	assert.Equal(t, "10.0.0.1", bans[0].Source)
	assert.Equal(t, "bad_signature", bans[0].Reason)
	assert.Equal(t, 1, bans[0].ReasonCounts["bad_signature"])
}

func TestGetBannedCount(t *testing.T) {
	g := New(1, 0, []string{"bad_signature"})

	assert.Equal(t, 0, g.GetBannedCount())

	g.RecordOutcome("node-1", "10.0.0.1", "bad_signature")
	g.RecordOutcome("node-2", "10.0.0.2", "bad_signature")

	assert.Equal(t, 2, g.GetBannedCount())
}
