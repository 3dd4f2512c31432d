package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shopDef(subs ...string) CommandDefinition {
	d := CommandDefinition{Name: "shop", ID: "1", Version: "1"}
	for _, s := range subs {
		d.Subcommands = append(d.Subcommands, Subcommand{Name: s})
	}
	return d
}

func TestMergeDiscoveredReplacesSubcommandsWholesale(t *testing.T) {
	r := New()
	now := time.Now()

	old := shopDef("view", "buy")
	old.Subcommands[1].Options = []Option{{Name: "item", Required: true, Kind: KindString}}
	r.MergeDiscovered([]CommandDefinition{old}, now)

	r.MergeDiscovered([]CommandDefinition{shopDef("view")}, now.Add(time.Minute))

	e, ok := r.Get("shop")
	require.True(t, ok)
	assert.Equal(t, SourceDiscovered, e.Source)
	require.Len(t, e.Definition.Subcommands, 1)
	assert.Equal(t, "view", e.Definition.Subcommands[0].Name)
	assert.Equal(t, now.Add(time.Minute), e.LastDiscoveredAt)
}

func TestMergeDiscoveredKeepsCounters(t *testing.T) {
	r := New()
	r.MergeDiscovered([]CommandDefinition{shopDef("view")}, time.Now())
	for i := 0; i < 3; i++ {
		r.RecordStructuralFailure("shop", time.Now(), 3)
	}

	r.MergeDiscovered([]CommandDefinition{shopDef("view")}, time.Now())

	e, _ := r.Get("shop")
	assert.True(t, e.Stale, "discovery must not clear staleness")
	assert.Equal(t, 3, e.ConsecutiveFailures)
}

func TestRestoreOnlyKnownCommands(t *testing.T) {
	r := New()
	r.MergeDiscovered([]CommandDefinition{shopDef("view")}, time.Now())
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	n := r.Restore([]Entry{
		{Definition: CommandDefinition{Name: "Shop"}, Stale: true, ConsecutiveFailures: 4, LastExecutedAt: at, DefaultSubcommand: "view"},
		{Definition: CommandDefinition{Name: "gone"}, Stale: true},
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.Len())

	e, _ := r.Get("shop")
	assert.True(t, e.Stale)
	assert.Equal(t, 4, e.ConsecutiveFailures)
	assert.Equal(t, at, e.LastExecutedAt)
	assert.Equal(t, "view", e.DefaultSubcommand)
	require.Len(t, e.Definition.Subcommands, 1, "definition is kept")
}

func TestMergeFallbackOnlyAddsMissing(t *testing.T) {
	r := New()
	r.MergeDiscovered([]CommandDefinition{shopDef("view")}, time.Now())

	added := r.MergeFallback([]CommandDefinition{
		{Name: "shop", Description: "fallback shop"},
		{Name: "fishdex"},
	})

	assert.Equal(t, 1, added)
	shop, _ := r.Get("shop")
	assert.Equal(t, SourceDiscovered, shop.Source)
	dex, ok := r.Get("fishdex")
	require.True(t, ok)
	assert.Equal(t, SourceFallback, dex.Source)
	assert.False(t, dex.Authoritative())
}

func TestStaleAfterThreshold(t *testing.T) {
	r := New()
	r.MergeFallback([]CommandDefinition{{Name: "buffs"}})

	_, stale := r.RecordStructuralFailure("buffs", time.Now(), 3)
	assert.False(t, stale)
	_, stale = r.RecordStructuralFailure("buffs", time.Now(), 3)
	assert.False(t, stale)
	n, stale := r.RecordStructuralFailure("buffs", time.Now(), 3)
	assert.True(t, stale)
	assert.Equal(t, 3, n)

	_, stale = r.RecordStructuralFailure("buffs", time.Now(), 3)
	assert.False(t, stale, "transition is reported once")

	require.True(t, r.Revalidate("buffs"))
	e, _ := r.Get("buffs")
	assert.False(t, e.Stale)
	assert.Zero(t, e.ConsecutiveFailures)
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	r := New()
	r.MergeFallback([]CommandDefinition{{Name: "daily"}})
	r.RecordStructuralFailure("daily", time.Now(), 3)
	at := time.Now()
	r.RecordSuccess("daily", at)

	e, _ := r.Get("daily")
	assert.Zero(t, e.ConsecutiveFailures)
	assert.Equal(t, at, e.LastExecutedAt)
}

func TestGetReturnsCopy(t *testing.T) {
	r := New()
	r.MergeDiscovered([]CommandDefinition{shopDef("view")}, time.Now())
	e, _ := r.Get("SHOP")
	e.Definition.Subcommands[0].Name = "mutated"

	again, _ := r.Get("shop")
	assert.Equal(t, "view", again.Definition.Subcommands[0].Name)
}

func TestDefinitionResolve(t *testing.T) {
	d := CommandDefinition{
		Name: "clan",
		Subcommands: []Subcommand{
			{Name: "manage", Group: true, Subcommands: []Subcommand{{Name: "kick"}}},
			{Name: "shop", Options: []Option{{Name: "page", Kind: KindInteger}}},
		},
	}

	assert.False(t, d.RootInvokable())
	_, ok := d.Resolve(nil)
	assert.False(t, ok)

	opts, ok := d.Resolve([]string{"shop"})
	require.True(t, ok)
	assert.Equal(t, "page", opts[0].Name)

	_, ok = d.Resolve([]string{"manage"})
	assert.False(t, ok, "groups are not invokable")
	_, ok = d.Resolve([]string{"manage", "kick"})
	assert.True(t, ok)

	assert.Equal(t, []string{"manage", "kick"}, d.FirstPath())
}

func TestMergeTruncatesDepth(t *testing.T) {
	r := New()
	r.MergeDiscovered([]CommandDefinition{{
		Name: "deep",
		Subcommands: []Subcommand{{
			Name: "a", Group: true,
			Subcommands: []Subcommand{{Name: "b", Subcommands: []Subcommand{{Name: "c"}}}},
		}},
	}}, time.Now())

	e, _ := r.Get("deep")
	assert.Empty(t, e.Definition.Subcommands[0].Subcommands[0].Subcommands)
}

func TestSplitTarget(t *testing.T) {
	root, path := SplitTarget("Prestige  Shop")
	assert.Equal(t, "prestige", root)
	assert.Equal(t, []string{"shop"}, path)

	root, path = SplitTarget("fishdex")
	assert.Equal(t, "fishdex", root)
	assert.Empty(t, path)
}
