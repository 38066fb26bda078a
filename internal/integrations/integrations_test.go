package integrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/autolog/internal/model"
)

func TestWithCallbacksPositionalDoesNotMutateCaller(t *testing.T) {
	userCbs := make([]any, 1, 4) // spare capacity must not be reused
	userCbs[0] = "user"
	args := []any{"data", "labels", nil, 10, 1, userCbs}
	call := model.Call{Args: args}

	got, err := KerasFit.Callbacks(call)
	require.NoError(t, err)
	injected := append(append([]any(nil), got...), "autolog")
	out := KerasFit.WithCallbacks(call, injected)

	assert.Equal(t, []any{"user", "autolog"}, out.Args[5])
	assert.Len(t, userCbs, 1)
	assert.Equal(t, []any{"user"}, args[5])
	assert.NotContains(t, out.Kwargs, "callbacks")
}

func TestWithCallbacksKeywordDoesNotMutateCaller(t *testing.T) {
	kwargs := map[string]any{"epochs": 10, "callbacks": []any{"user"}}
	call := model.Call{Args: []any{"data", "labels"}, Kwargs: kwargs}

	out := KerasFit.WithCallbacks(call, []any{"user", "autolog"})
	assert.Equal(t, []any{"user", "autolog"}, out.Kwargs["callbacks"])
	assert.Equal(t, []any{"user"}, kwargs["callbacks"])
	assert.Len(t, out.Args, 2)
}

func TestWithCallbacksAbsentAddsKeyword(t *testing.T) {
	call := model.Call{Args: []any{"input_fn"}}
	got, err := EstimatorTrain.Callbacks(call)
	require.NoError(t, err)
	assert.Empty(t, got)

	out := EstimatorTrain.WithCallbacks(call, []any{"autolog"})
	assert.Equal(t, []any{"autolog"}, out.Kwargs["hooks"])
	assert.Nil(t, call.Kwargs)
}

func TestCallbacksAcceptsTypedSlice(t *testing.T) {
	var cb model.Callback
	got, err := KerasFit.Callbacks(model.Call{Kwargs: map[string]any{"callbacks": []model.Callback{cb}}})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

type stubCallback struct{ name string }

func TestCallbacksAcceptsAnySliceType(t *testing.T) {
	first, second := &stubCallback{"a"}, &stubCallback{"b"}

	got, err := KerasFit.Callbacks(model.Call{Kwargs: map[string]any{"callbacks": []*stubCallback{first, second}}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Same(t, first, got[0])
	assert.Same(t, second, got[1])

	got, err = KerasFit.Callbacks(model.Call{Kwargs: map[string]any{"callbacks": [1]*stubCallback{first}}})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = KerasFit.Callbacks(model.Call{Kwargs: map[string]any{"callbacks": []*stubCallback(nil)}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCallbacksRejectsNonList(t *testing.T) {
	_, err := KerasFit.Callbacks(model.Call{Kwargs: map[string]any{"callbacks": &stubCallback{"solo"}}})
	assert.ErrorIs(t, err, ErrCallbackList)
}

func TestRegistryAliasesAndOverrides(t *testing.T) {
	r := NewRegistry(false)
	assert.False(t, r.IsDisabled(FlavorTensorFlow))

	r.Disable("keras")
	assert.True(t, r.IsDisabled(FlavorTensorFlow))
	r.Enable(FlavorTensorFlow)
	assert.False(t, r.IsDisabled("keras"))

	all := NewRegistry(true)
	assert.True(t, all.IsDisabled("sklearn"))
	all.Enable("sklearn")
	assert.False(t, all.IsDisabled("sklearn"))
}
