package ledger

import (
	"context"
	"testing"
	"testing/quick"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

func buildChain(t testing.TB, store *MemoryStore, tenant string, n int) {
	t.Helper()
	w := NewWriter(store, nil, WithClock(fixedClock()))
	for i := 0; i < n; i++ {
		_, err := w.Append(context.Background(), appendReq(tenant, i))
		require.NoError(t, err)
	}
}

// entryAt returns the stored entry itself so tests can tamper with it
func (s *MemoryStore) entryAt(tenant string, seq int64) *Entry {
	for _, e := range s.chains[tenant] {
		if e.Seq == seq {
			return e
		}
	}
	return nil
}

func (s *MemoryStore) remove(tenant string, seq int64) {
	chain := s.chains[tenant]
	for i, e := range chain {
		if e.Seq == seq {
			s.chains[tenant] = append(chain[:i:i], chain[i+1:]...)
			return
		}
	}
}

var tamperings = []func(e *Entry){
	func(e *Entry) { e.Action = "forged" },
	func(e *Entry) { e.EntityType = "other" },
	func(e *Entry) { e.EntityID = "other" },
	func(e *Entry) { e.ActorUserID = "intruder" },
	func(e *Entry) { e.Diff = Diff{"name": {Old: "x", New: "y"}} },
	func(e *Entry) { e.CreatedAt = e.CreatedAt.Add(1) },
	func(e *Entry) { e.PrevHash = e.DiffHash },
	func(e *Entry) { e.DiffHash = GenesisHash },
}

func TestVerifier_TamperingAnyEntryIsFoundAtThatSeq(t *testing.T) {
	property := func(size, pick, field uint8) bool {
		n := int(size%12) + 1
		k := int64(pick)%int64(n) + 1

		store := NewMemoryStore()
		buildChain(t, store, "T1", n)
		tamperings[int(field)%len(tamperings)](store.entryAt("T1", k))

		report, err := NewVerifier(store, WithPageSize(3)).Verify(context.Background(), "T1", 0, 0)
		return err == nil && !report.OK && report.Kind == KindChainBroken && report.FirstBrokenSeq == k
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 60}))
}

func TestVerifier_RenumberedEntryIsAGapAtThatSeq(t *testing.T) {
	property := func(size, pick uint8) bool {
		n := int(size%12) + 1
		k := int64(pick)%int64(n) + 1

		store := NewMemoryStore()
		buildChain(t, store, "T1", n)
		store.entryAt("T1", k).Seq = k + 100

		report, err := NewVerifier(store, WithPageSize(3)).Verify(context.Background(), "T1", 0, 0)
		return err == nil && !report.OK && report.Kind == KindChainGap &&
			report.Reason == ReasonMissingEntry && report.FirstBrokenSeq == k
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 60}))
}

func TestVerifier_EntryMovedToAnotherTenantIsAGapAtThatSeq(t *testing.T) {
	// the last entry moving away shortens the chain instead, so k stays below n
	property := func(size, pick uint8) bool {
		n := int(size%11) + 2
		k := int64(pick)%int64(n-1) + 1

		store := NewMemoryStore()
		buildChain(t, store, "T1", n)
		e := store.entryAt("T1", k)
		store.remove("T1", k)
		e.TenantID = "T2"
		store.chains["T2"] = append(store.chains["T2"], e)

		report, err := NewVerifier(store, WithPageSize(3)).Verify(context.Background(), "T1", 0, 0)
		return err == nil && !report.OK && report.Kind == KindChainGap &&
			report.Reason == ReasonMissingEntry && report.FirstBrokenSeq == k
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 60}))
}

func TestVerifier_TenantRewrittenInPlaceBreaksTheHash(t *testing.T) {
	store := NewMemoryStore()
	buildChain(t, store, "T1", 4)
	store.entryAt("T1", 2).TenantID = "T2"

	report, err := NewVerifier(store).Verify(context.Background(), "T1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, KindChainBroken, report.Kind)
	assert.Equal(t, ReasonHashMismatch, report.Reason)
	assert.Equal(t, int64(2), report.FirstBrokenSeq)
}

func TestVerifier_GapIsDistinctFromBreak(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	buildChain(t, store, "T1", 5)
	store.remove("T1", 3)

	report, err := NewVerifier(store).Verify(ctx, "T1", 0, 0)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, KindChainGap, report.Kind)
	assert.Equal(t, ReasonMissingEntry, report.Reason)
	assert.Equal(t, int64(3), report.FirstBrokenSeq)
	assert.Equal(t, int64(2), report.Checked)
}

func TestVerifier_PrevHashRelinkIsBroken(t *testing.T) {
	store := NewMemoryStore()
	buildChain(t, store, "T1", 4)

	// Re-hash entry 3 consistently with a forged prev_hash: its own hash holds,
	// the link to entry 2 does not.
	e := store.entryAt("T1", 3)
	e.PrevHash = GenesisHash
	h, err := ComputeHash(e)
	require.NoError(t, err)
	e.DiffHash = h

	report, err := NewVerifier(store).Verify(context.Background(), "T1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, KindChainBroken, report.Kind)
	assert.Equal(t, ReasonPrevHashMismatch, report.Reason)
	assert.Equal(t, int64(3), report.FirstBrokenSeq)
}

func TestVerifier_SubRange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	buildChain(t, store, "T1", 10)
	v := NewVerifier(store, WithPageSize(2))

	report, err := v.Verify(ctx, "T1", 5, 8)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, int64(4), report.Checked)
	assert.Equal(t, int64(8), report.LastSeq)

	store.entryAt("T1", 2).Action = "forged"
	report, err = v.Verify(ctx, "T1", 5, 8)
	require.NoError(t, err)
	assert.True(t, report.OK, "entries before the anchor are out of scope")

	report, err = v.Verify(ctx, "T1", 5, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(10), report.ToSeq, "to is clamped to the tail")

	store.remove("T1", 4)
	report, err = v.Verify(ctx, "T1", 5, 8)
	require.NoError(t, err)
	assert.Equal(t, KindChainGap, report.Kind)
	assert.Equal(t, int64(4), report.FirstBrokenSeq)
}

func TestVerifier_EmptyChainAndMissingTail(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	v := NewVerifier(store)

	report, err := v.Verify(ctx, "nobody", 0, 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Zero(t, report.Checked)

	buildChain(t, store, "T1", 3)
	store.remove("T1", 1)
	report, err = v.Verify(ctx, "T1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, KindChainGap, report.Kind)
	assert.Equal(t, int64(1), report.FirstBrokenSeq)
}

func TestVerifier_Cancellation(t *testing.T) {
	store := NewMemoryStore()
	buildChain(t, store, "T1", 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewVerifier(store).Verify(ctx, "T1", 0, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifier_VerifyAll(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	store := NewMemoryStore()
	buildChain(t, store, "B", 3)
	buildChain(t, store, "A", 2)
	buildChain(t, store, "C", 4)
	store.entryAt("C", 2).EntityID = "forged"

	reports, err := NewVerifier(store, WithConcurrency(2), WithVerifierMetrics(metrics)).VerifyAll(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	assert.Equal(t, "A", reports[0].TenantID)
	assert.True(t, reports[0].OK)
	assert.True(t, reports[1].OK)
	assert.False(t, reports[2].OK)
	assert.Equal(t, int64(2), reports[2].FirstBrokenSeq)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.LedgerVerificationsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LedgerVerificationsTotal.WithLabelValues("broken")))
}
