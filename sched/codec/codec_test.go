package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quirehq/quire/errors"
)

func TestRegistryRoundTrip(t *testing.T) {
	registry := NewRegistry()

	raw, err := registry.Encode(TaskTrashEmpty, TrashEmptyArgs{
		Collective: "acme",
		MinAgeDays: 14,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"collective":"acme","min_age_days":14}`, string(raw))

	decoded, err := registry.Decode(TaskTrashEmpty, raw)
	require.NoError(t, err)

	args, ok := decoded.(TrashEmptyArgs)
	require.True(t, ok)
	assert.Equal(t, "acme", args.Collective)
	assert.Equal(t, 14, args.MinAgeDays)
}

func TestDecodeUnknownTask(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Decode("shred-everything", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownTask))
}

func TestDecodeMalformedPayload(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Decode(TaskReindex, []byte(`{"collective":42}`))
	assert.Error(t, err)
}

func TestDecodeEmptyPayload(t *testing.T) {
	registry := NewRegistry()

	decoded, err := registry.Decode(TaskReindex, nil)
	require.NoError(t, err)
	args, ok := decoded.(ReindexArgs)
	require.True(t, ok)
	assert.Empty(t, args.Collective)
}

func TestEncodeWrongArgsType(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Encode(TaskTrashEmpty, ReindexArgs{Collective: "acme"})
	assert.Error(t, err)
}

func TestSubjectsIgnoreTuningParameters(t *testing.T) {
	a := TrashEmptyArgs{Collective: "acme", MinAgeDays: 7}
	b := TrashEmptyArgs{Collective: "acme", MinAgeDays: 30}
	assert.Equal(t, a.Subject(), b.Subject())
	assert.Equal(t, "trash-empty/acme", a.Subject())
}

func TestSubjectsScopePerUser(t *testing.T) {
	collective := ClassifierTrainArgs{Collective: "acme"}
	user := ClassifierTrainArgs{Collective: "acme", Login: "alice"}
	assert.Equal(t, "classifier-train/acme", collective.Subject())
	assert.Equal(t, "classifier-train/acme/alice", user.Subject())
	assert.NotEqual(t, collective.Subject(), user.Subject())
}

func TestRegistryTasks(t *testing.T) {
	registry := NewRegistry()
	assert.ElementsMatch(t, []string{
		TaskTrashEmpty, TaskClassifierTrain, TaskPreviewRebuild, TaskReindex,
	}, registry.Tasks())
}
