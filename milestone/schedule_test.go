package milestone

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"contractflow/apperr"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

var (
	start = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	end   = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
)

func TestBuildDefaultSchedule_SplitsDepositAndFinal(t *testing.T) {
	plan, err := BuildDefaultSchedule("c-1", 10000, start, end, seqIDs())
	require.NoError(t, err)
	require.Len(t, plan.Milestones, 2)
	require.Len(t, plan.Entries, 2)

	deposit, final := plan.Entries[0], plan.Entries[1]
	require.Equal(t, KindDeposit, deposit.Kind)
	require.Equal(t, int64(2500), deposit.Amount)
	require.Equal(t, start, deposit.DueDate)
	require.Equal(t, KindFinal, final.Kind)
	require.Equal(t, int64(7500), final.Amount)
	require.Equal(t, end, final.DueDate)
	require.Equal(t, plan.Milestones[0].ID, deposit.MilestoneID)
	require.Equal(t, int64(10000), plan.Total())
}

func TestBuildDefaultSchedule_RoundsDepositDown(t *testing.T) {
	plan, err := BuildDefaultSchedule("c-1", 10001, start, end, seqIDs())
	require.NoError(t, err)
	require.Equal(t, int64(2500), plan.Entries[0].Amount)
	require.Equal(t, int64(7501), plan.Entries[1].Amount)
}

func TestBuildDefaultSchedule_TinyContractHasSingleEntry(t *testing.T) {
	plan, err := BuildDefaultSchedule("c-1", 3, start, end, seqIDs())
	require.NoError(t, err)
	require.Len(t, plan.Entries, 1)
	require.Equal(t, KindFinal, plan.Entries[0].Kind)
	require.Equal(t, int64(3), plan.Entries[0].Amount)
}

func TestBuildMilestoneSchedule(t *testing.T) {
	inputs := []Input{
		{Title: "Demolition", DueDate: start.AddDate(0, 0, 10), TargetAmount: 2000},
		{Title: "Framing", DueDate: start.AddDate(0, 0, 30), TargetAmount: 3000},
	}

	t.Run("exact allocation", func(t *testing.T) {
		plan, err := BuildMilestoneSchedule("c-1", 5000, end, inputs, seqIDs())
		require.NoError(t, err)
		require.Len(t, plan.Entries, 2)
		require.Equal(t, int64(5000), plan.Total())
	})

	t.Run("shortfall gets a balance entry", func(t *testing.T) {
		plan, err := BuildMilestoneSchedule("c-1", 6000, end, inputs, seqIDs())
		require.NoError(t, err)
		require.Len(t, plan.Entries, 3)
		last := plan.Entries[2]
		require.Equal(t, KindBalance, last.Kind)
		require.Equal(t, int64(1000), last.Amount)
		require.Empty(t, last.MilestoneID)
		require.Equal(t, end, last.DueDate)
	})

	t.Run("overallocation rejected", func(t *testing.T) {
		_, err := BuildMilestoneSchedule("c-1", 4999, end, inputs, seqIDs())
		require.ErrorIs(t, err, apperr.ErrScheduleOverallocated)
	})

	t.Run("non-positive target rejected", func(t *testing.T) {
		_, err := BuildMilestoneSchedule("c-1", 5000, end, []Input{{Title: "x", DueDate: end}}, seqIDs())
		require.ErrorIs(t, err, apperr.ErrInvalidArgument)
	})
}

func TestMilestoneTransitions(t *testing.T) {
	m := Milestone{ID: "m-1", Status: StatusPending}

	started, err := m.Start()
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, started.Status)

	_, err = started.Start()
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	blocked, err := started.Block("waiting on permit")
	require.NoError(t, err)
	require.Equal(t, "waiting on permit", blocked.BlockedReason)

	_, err = blocked.Complete(end)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	_, err = started.Block("  ")
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	unblocked, err := blocked.Unblock()
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, unblocked.Status)
	require.Empty(t, unblocked.BlockedReason)

	done, err := unblocked.Complete(end)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, end, *done.CompletionDate)
}

func TestEntryTransitions(t *testing.T) {
	e := Entry{ID: "e-1", Status: EntryPending, Amount: 100}

	released, err := e.Release(end, "deposit paid")
	require.NoError(t, err)
	require.Equal(t, EntryReleased, released.Status)
	require.False(t, released.Open())

	for name, op := range map[string]func(Entry) (Entry, error){
		"release": func(e Entry) (Entry, error) { return e.Release(end, "") },
		"hold":    func(e Entry) (Entry, error) { return e.Hold("") },
		"dispute": func(e Entry) (Entry, error) { return e.Dispute() },
		"restore": func(e Entry) (Entry, error) { return e.Restore() },
		"cancel":  func(e Entry) (Entry, error) { return e.Cancel("") },
	} {
		_, err := op(released)
		require.ErrorIs(t, err, apperr.ErrInvalidStateTransition, name)
	}

	held, err := e.Hold("rework needed")
	require.NoError(t, err)
	disputed, err := held.Dispute()
	require.NoError(t, err)
	restored, err := disputed.Restore()
	require.NoError(t, err)
	require.Equal(t, EntryPending, restored.Status)

	cancelled, err := restored.Cancel("refunded")
	require.NoError(t, err)
	require.Equal(t, EntryCancelled, cancelled.Status)
}
