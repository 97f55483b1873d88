package graph

import (
	"math/rand"
	"testing"

	"github.com/rendis/taskflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tasks(spec ...[]string) []schema.Task {
	out := make([]schema.Task, 0, len(spec))
	for _, s := range spec {
		out = append(out, schema.Task{Name: s[0], Type: "noop", Dependencies: s[1:]})
	}
	return out
}

func cycleTasks(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, schema.ErrCodeCycleDetected, fe.Code)
	names, ok := fe.Details["tasks"].([]string)
	require.True(t, ok)
	return names
}

func TestBuild_Diamond(t *testing.T) {
	g, err := Build(tasks(
		[]string{"D", "B", "C"},
		[]string{"B", "A"},
		[]string{"A"},
		[]string{"C", "A"},
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, g.Roots)
	assert.Equal(t, []string{"A", "B", "C", "D"}, g.Sorted)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, g.Levels)
	assert.Equal(t, []string{"B", "C", "D"}, g.Dependents("A"))
	assert.Empty(t, g.Dependents("D"))
}

func TestBuild_AcyclicAnyOrder(t *testing.T) {
	base := tasks(
		[]string{"a"},
		[]string{"b", "a"},
		[]string{"c", "a"},
		[]string{"d", "b", "c"},
		[]string{"e", "d"},
		[]string{"f"},
	)
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]schema.Task(nil), base...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.NoError(t, Validate(shuffled))
	}
}

func TestBuild_DuplicateTask(t *testing.T) {
	err := Validate(tasks([]string{"a"}, []string{"b", "a"}, []string{"a"}))
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeDuplicateTask, fe.Code)
	assert.Equal(t, "a", fe.Details["task"])
}

func TestBuild_UnknownDependency(t *testing.T) {
	err := Validate(tasks([]string{"a"}, []string{"b", "a", "ghost"}))
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeUnknownDependency, fe.Code)
	assert.Equal(t, "b", fe.Details["task"])
	assert.Equal(t, "ghost", fe.Details["dependency"])
}

func TestBuild_UnknownCompensationTarget(t *testing.T) {
	ts := tasks([]string{"a"})
	ts = append(ts, schema.Task{Name: "undo", Type: "noop", RunOnFailureOf: "missing"})
	assert.True(t, schema.HasCode(Validate(ts), schema.ErrCodeUnknownDependency))
}

func TestBuild_EmptyAndUnnamed(t *testing.T) {
	assert.True(t, schema.HasCode(Validate(nil), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(Validate([]schema.Task{{Type: "noop"}}), schema.ErrCodeValidation))
}

func TestBuild_SimpleCycle(t *testing.T) {
	_, err := Build(tasks(
		[]string{"a", "c"},
		[]string{"b", "a"},
		[]string{"c", "b"},
	))
	assert.Equal(t, []string{"a", "b", "c"}, cycleTasks(t, err))
}

func TestBuild_SelfCycle(t *testing.T) {
	_, err := Build(tasks([]string{"root"}, []string{"a", "a"}))
	assert.Equal(t, []string{"a"}, cycleTasks(t, err))
}

func TestBuild_CycleExcludesDownstreamTasks(t *testing.T) {
	// x and y hang off the cycle but are not part of it.
	_, err := Build(tasks(
		[]string{"start"},
		[]string{"p", "start", "r"},
		[]string{"q", "p"},
		[]string{"r", "q"},
		[]string{"x", "q"},
		[]string{"y", "x"},
	))
	assert.Equal(t, []string{"p", "q", "r"}, cycleTasks(t, err))
}

func TestBuild_TwoDisjointCycles(t *testing.T) {
	_, err := Build(tasks(
		[]string{"a", "b"},
		[]string{"b", "a"},
		[]string{"m", "n"},
		[]string{"n", "m"},
		[]string{"ok"},
	))
	assert.Equal(t, []string{"a", "b", "m", "n"}, cycleTasks(t, err))
}

func TestBuild_CompensationEdgeParticipatesInCycle(t *testing.T) {
	ts := []schema.Task{
		{Name: "charge", Type: "noop", Dependencies: []string{"refund"}},
		{Name: "refund", Type: "noop", RunOnFailureOf: "charge"},
	}
	_, err := Build(ts)
	assert.Equal(t, []string{"charge", "refund"}, cycleTasks(t, err))
}

func TestBuild_DuplicateDependencyCollapsed(t *testing.T) {
	g, err := Build(tasks([]string{"a"}, []string{"b", "a", "a"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Edges["b"])
	assert.Equal(t, []string{"b"}, g.Reverse["a"])
}
