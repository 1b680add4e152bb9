package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransitionTable(t *testing.T) {
	t.Parallel()

	allowed := map[[2]Status]bool{
		{StatusPending, StatusCrawling}:    true,
		{StatusCompleted, StatusCrawling}:  true,
		{StatusFailed, StatusCrawling}:     true,
		{StatusCrawling, StatusAnalyzing}:  true,
		{StatusCrawling, StatusFailed}:     true,
		{StatusAnalyzing, StatusCompleted}: true,
		{StatusAnalyzing, StatusFailed}:    true,
	}
	for _, from := range Statuses {
		for _, to := range Statuses {
			want := allowed[[2]Status{from, to}]
			require.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Transition{UnitID: "u1", From: StartableStatuses, To: StatusCrawling}.Validate())
	require.NoError(t, Transition{UnitID: "u1", From: ActiveStatuses, To: StatusFailed}.Validate())
	require.ErrorContains(t, Transition{UnitID: "u1", To: StatusFailed}.Validate(), "no expected status")
	require.ErrorContains(t, Transition{UnitID: "u1", From: ActiveStatuses, To: "bogus"}.Validate(), "invalid target status")
	require.ErrorIs(t, Transition{UnitID: "u1", From: ActiveStatuses, To: StatusCompleted}.Validate(), ErrIllegalTransition)

	rollback := Transition{UnitID: "u1", From: []Status{StatusCrawling}, To: StatusPending}
	require.ErrorIs(t, rollback.Validate(), ErrIllegalTransition)
	rollback.Rollback = true
	require.NoError(t, rollback.Validate())
	rollback.From = []Status{StatusAnalyzing}
	require.ErrorIs(t, rollback.Validate(), ErrIllegalTransition)
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()

	for _, st := range Statuses {
		require.True(t, st.Valid())
		require.False(t, st.Terminal() && st.Active(), st)
		require.Equal(t, st.Startable(), !st.Active(), st)
	}
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.False(t, Status("queued").Valid())
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	st, err := ParseStatus("analyzing")
	require.NoError(t, err)
	require.Equal(t, StatusAnalyzing, st)

	_, err = ParseStatus("running")
	require.Error(t, err)
}

func TestStageMapping(t *testing.T) {
	t.Parallel()

	require.Equal(t, StatusCrawling, StageCrawl.Status())
	require.Equal(t, StatusAnalyzing, StageAnalyze.Status())

	next, ok := StageCrawl.Next()
	require.True(t, ok)
	require.Equal(t, StageAnalyze, next)
	_, ok = StageAnalyze.Next()
	require.False(t, ok)

	stage, ok := StageForStatus(StatusAnalyzing)
	require.True(t, ok)
	require.Equal(t, StageAnalyze, stage)
	_, ok = StageForStatus(StatusCompleted)
	require.False(t, ok)

	_, err := ParseStage("render")
	require.Error(t, err)
}
