package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTrigger(t *testing.T) {
	t.Parallel()

	cases := map[string]Trigger{
		"full":         {Type: TypeFull},
		"Quick":        {Type: TypeQuick},
		"detail":       {Type: TypeDetail},
		"detail2":      {Type: TypeDetail2},
		"repair":       {Type: TypeSpare, Mode: ModeRepair},
		"retry-failed": {Type: TypeSpare, Mode: ModeRetryFailed},
	}
	for name, want := range cases {
		got, err := ParseTrigger(name)
		require.NoError(t, err, name)
		require.Equal(t, want, got, name)
	}
	_, err := ParseTrigger("everything")
	require.ErrorIs(t, err, ErrUnknownCrawlType)
}

func TestPoliciesTable(t *testing.T) {
	t.Parallel()

	table := Policies(Thresholds{
		Detail:       3,
		Secondary:    4,
		RetryFloor:   3,
		ListingNav:   30 * time.Second,
		DetailNav:    30 * time.Second,
		SecondaryNav: 15 * time.Second,
	})
	require.Len(t, table, len(AllTypes))
	for _, typ := range AllTypes {
		require.True(t, typ.Valid())
		require.Equal(t, typ, table[typ].Type)
	}
	require.True(t, table[TypeFull].Listing)
	require.True(t, table[TypeQuick].Listing)
	require.Equal(t, QueueInitialDetail, table[TypeDetail].Queue)
	require.Equal(t, 4, table[TypeDetail2].Threshold)
	require.Equal(t, 15*time.Second, table[TypeDetail2].NavTimeout)
	require.Equal(t, QueueRepair, table[TypeSpare].QueueFor(ModeRepair))
	require.Equal(t, QueueRetryFailed, table[TypeSpare].QueueFor(ModeRetryFailed))
	require.Equal(t, QueueSecondary, table[TypeDetail2].QueueFor(ModeRetryFailed))
	require.False(t, CrawlType("bogus").Valid())
}
