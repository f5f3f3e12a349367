package queue

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskmesh/types"
)

func newTask(id string, priority types.Priority, deps ...string) *types.Task {
	return &types.Task{
		ID:        id,
		Name:      id,
		Priority:  priority,
		Status:    types.TaskPending,
		DependsOn: deps,
	}
}

func TestEnqueueWithoutDependenciesIsImmediatelyReady(t *testing.T) {
	t.Parallel()
	q := New(nil)
	require.NoError(t, q.Enqueue(newTask("t1", types.PriorityNormal)))

	got := q.DequeueReady()
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, types.TaskQueued, got.Status)
	assert.Nil(t, q.DequeueReady())
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	t.Parallel()
	q := New(nil)
	require.NoError(t, q.Enqueue(newTask("t1", types.PriorityNormal)))
	err := q.Enqueue(newTask("t1", types.PriorityNormal))
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeValidation, types.GetErrorCode(err))
}

func TestDequeueHonorsPriorityOrder(t *testing.T) {
	t.Parallel()
	q := New(nil)
	require.NoError(t, q.Enqueue(newTask("low", types.PriorityLow)))
	require.NoError(t, q.Enqueue(newTask("urgent", types.PriorityUrgent)))
	require.NoError(t, q.Enqueue(newTask("normal", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(newTask("high", types.PriorityHigh)))

	var order []string
	for task := q.DequeueReady(); task != nil; task = q.DequeueReady() {
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{"urgent", "high", "normal", "low"}, order)
}

func TestDequeueIsFIFOWithinPriority(t *testing.T) {
	t.Parallel()
	q := New(nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(newTask(fmt.Sprintf("t%d", i), types.PriorityNormal)))
	}
	for i := 0; i < 5; i++ {
		task := q.DequeueReady()
		require.NotNil(t, task)
		assert.Equal(t, fmt.Sprintf("t%d", i), task.ID)
	}
}

func TestDependentPromotedOnlyWhenAllDepsComplete(t *testing.T) {
	t.Parallel()
	q := New(nil)
	require.NoError(t, q.Enqueue(newTask("t1", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(newTask("t2", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(newTask("t3", types.PriorityNormal, "t1", "t2")))

	// Drain the two roots; t3 must not be ready yet.
	require.NotNil(t, q.DequeueReady())
	require.NotNil(t, q.DequeueReady())
	require.Nil(t, q.DequeueReady())

	promoted, err := q.MarkCompleted("t1", "r1")
	require.NoError(t, err)
	assert.Empty(t, promoted, "t3 still waits on t2")

	promoted, err = q.MarkCompleted("t2", "r2")
	require.NoError(t, err)
	assert.Equal(t, []string{"t3"}, promoted)

	got := q.DequeueReady()
	require.NotNil(t, got)
	assert.Equal(t, "t3", got.ID)
}

func TestOutOfOrderEnqueuePromotesImmediately(t *testing.T) {
	t.Parallel()
	q := New(nil)
	require.NoError(t, q.Enqueue(newTask("t1", types.PriorityNormal)))
	require.NotNil(t, q.DequeueReady())
	_, err := q.MarkCompleted("t1", nil)
	require.NoError(t, err)

	// The dependent arrives after its dependency already completed.
	require.NoError(t, q.Enqueue(newTask("t2", types.PriorityNormal, "t1")))
	got := q.DequeueReady()
	require.NotNil(t, got)
	assert.Equal(t, "t2", got.ID)
}

func TestFailedDependencyBlocksDependents(t *testing.T) {
	t.Parallel()
	q := New(nil)
	require.NoError(t, q.Enqueue(newTask("t1", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(newTask("t2", types.PriorityNormal, "t1")))
	require.NotNil(t, q.DequeueReady())

	require.NoError(t, q.MarkFailed("t1", "boom"))

	assert.Nil(t, q.DequeueReady(), "dependent of a failed task never becomes ready")
	t2, ok := q.Task("t2")
	require.True(t, ok)
	assert.Equal(t, types.TaskPending, t2.Status)
}

func TestBlockedDependentsTransitiveClosure(t *testing.T) {
	t.Parallel()
	q := New(nil)
	require.NoError(t, q.Enqueue(newTask("t1", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(newTask("t2", types.PriorityNormal, "t1")))
	require.NoError(t, q.Enqueue(newTask("t3", types.PriorityNormal, "t2")))
	require.NoError(t, q.Enqueue(newTask("other", types.PriorityNormal)))

	require.NoError(t, q.MarkFailed("t1", "boom"))
	blocked := q.BlockedDependents("t1")
	assert.ElementsMatch(t, []string{"t2", "t3"}, blocked)
}

func TestRequeueRejectsTerminalTasks(t *testing.T) {
	t.Parallel()
	q := New(nil)
	require.NoError(t, q.Enqueue(newTask("t1", types.PriorityNormal)))
	_, err := q.MarkCompleted("t1", nil)
	require.NoError(t, err)

	err = q.Requeue("t1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInvalidTransition, types.GetErrorCode(err))
}

func TestRequeueRestoresReadiness(t *testing.T) {
	t.Parallel()
	q := New(nil)
	require.NoError(t, q.Enqueue(newTask("t1", types.PriorityHigh)))
	task := q.DequeueReady()
	require.NotNil(t, task)
	require.Nil(t, q.DequeueReady())

	require.NoError(t, q.Requeue("t1"))
	again := q.DequeueReady()
	require.NotNil(t, again)
	assert.Equal(t, "t1", again.ID)
}

func TestSeededCompletionSatisfiesDependencies(t *testing.T) {
	t.Parallel()
	q := New(nil)
	// Recovery path: the dependency finished in a previous process life and
	// is never re-enqueued.
	q.SeedCompleted("t1")
	require.NoError(t, q.Enqueue(newTask("t2", types.PriorityNormal, "t1")))

	got := q.DequeueReady()
	require.NotNil(t, got)
	assert.Equal(t, "t2", got.ID)
}

func TestSeededFailureBlocksDependents(t *testing.T) {
	t.Parallel()
	q := New(nil)
	q.SeedFailed("t1")
	q.SeedCompleted("t1") // completed map alone would promote; failed must win
	require.NoError(t, q.Enqueue(newTask("t2", types.PriorityNormal, "t1")))

	assert.Nil(t, q.DequeueReady())
}

func TestEvictRemovesAllBookkeeping(t *testing.T) {
	t.Parallel()
	q := New(nil)
	require.NoError(t, q.Enqueue(newTask("t1", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(newTask("t2", types.PriorityNormal, "t1")))
	require.NoError(t, q.Enqueue(newTask("t3", types.PriorityHigh)))

	got := q.DequeueReady() // t3 has the higher priority
	require.NotNil(t, got)
	require.Equal(t, "t3", got.ID)
	_, err := q.MarkCompleted("t3", "done")
	require.NoError(t, err)

	q.Evict([]string{"t1", "t2", "t3"})
	assert.Zero(t, q.Len())
	for _, id := range []string{"t1", "t2", "t3"} {
		_, ok := q.Task(id)
		assert.False(t, ok, "task %s still tracked after eviction", id)
	}
	assert.Nil(t, q.DequeueReady())

	// Evicted IDs are free for reuse with a clean slate: the new t2 must not
	// see the old t1 as an unsatisfied or completed dependency.
	require.NoError(t, q.Enqueue(newTask("t2", types.PriorityNormal, "t1")))
	assert.Nil(t, q.DequeueReady())
	require.NoError(t, q.Enqueue(newTask("t1", types.PriorityNormal)))
	got = q.DequeueReady()
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)
}

// Property: after completing an arbitrary prefix of a dependency chain, the
// set of ready tasks is exactly the tasks whose full dependency set lies in
// that prefix.
func TestPropertyPromotionIsExact(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("promoted dependents are exactly the satisfied ones", prop.ForAll(
		func(chainLen int, completed int) bool {
			if completed > chainLen {
				completed = chainLen
			}
			q := New(nil)
			// Linear chain t0 <- t1 <- ... plus one free task.
			for i := 0; i < chainLen; i++ {
				var deps []string
				if i > 0 {
					deps = []string{fmt.Sprintf("t%d", i-1)}
				}
				if err := q.Enqueue(newTask(fmt.Sprintf("t%d", i), types.PriorityNormal, deps...)); err != nil {
					return false
				}
			}

			for i := 0; i < completed; i++ {
				id := fmt.Sprintf("t%d", i)
				ready := q.DequeueReady()
				if ready == nil || ready.ID != id {
					return false
				}
				promoted, err := q.MarkCompleted(id, nil)
				if err != nil {
					return false
				}
				// Completing t(i) promotes exactly t(i+1), or nothing at the
				// end of the chain.
				if i+1 < chainLen {
					if len(promoted) != 1 || promoted[0] != fmt.Sprintf("t%d", i+1) {
						return false
					}
				} else if len(promoted) != 0 {
					return false
				}
			}

			// Exactly one task is ready now (the next link), or none when the
			// chain is drained.
			next := q.DequeueReady()
			if completed < chainLen {
				return next != nil && next.ID == fmt.Sprintf("t%d", completed)
			}
			return next == nil
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
