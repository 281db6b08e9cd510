package operations

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/blockflow/errors"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	called := false
	require.NoError(t, r.Register("createVolume", func(ctx context.Context, call Call) error {
		called = true
		return nil
	}))

	h, err := r.Lookup("createVolume")
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), Call{}))
	assert.True(t, called)

	_, err = r.Lookup("missing")
	assert.True(t, errors.IsNotFound(err))

	err = r.Register("createVolume", func(ctx context.Context, call Call) error { return nil })
	assert.Equal(t, errors.ErrInvalidInput, errors.GetCode(err))

	assert.True(t, r.Has(NullRollback))
	assert.Equal(t, []string{"createVolume", NullRollback}, r.Names())
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() {
		r.MustRegister(NullRollback, func(ctx context.Context, call Call) error { return nil })
	})
}

func TestDescriptorSurvivesPersistence(t *testing.T) {
	d := Op("migrateVolume", Args{
		"volume":   ID("vol-1"),
		"targets":  IDs("vol-2", "vol-3"),
		"label":    String("db01m"),
		"capacity": Int(1 << 30),
		"internal": Bool(true),
		"extra":    Map(map[string]Arg{"pool": ID("pool-1")}),
	})

	blob, err := json.Marshal(d)
	require.NoError(t, err)

	var back Descriptor
	require.NoError(t, json.Unmarshal(blob, &back))
	assert.Equal(t, d, back)

	vol, err := back.Args.ID("volume")
	require.NoError(t, err)
	assert.Equal(t, "vol-1", vol)

	targets, err := back.Args.IDs("targets")
	require.NoError(t, err)
	assert.Equal(t, []string{"vol-2", "vol-3"}, targets)

	capacity, err := back.Args.Int("capacity")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), capacity)

	internal, err := back.Args.Bool("internal")
	require.NoError(t, err)
	assert.True(t, internal)

	extra, err := back.Args.Map("extra")
	require.NoError(t, err)
	assert.Equal(t, "pool-1", extra["pool"].ID)
}

func TestArgsTypeErrors(t *testing.T) {
	args := Args{"label": String("x"), "mixed": List(ID("a"), String("b"))}

	_, err := args.ID("label")
	assert.Equal(t, errors.ErrInvalidInput, errors.GetCode(err))

	_, err = args.String("missing")
	assert.Error(t, err)

	_, err = args.IDs("mixed")
	assert.Error(t, err)

	_, err = args.Strings("mixed")
	assert.Error(t, err)

	assert.Equal(t, "x", args.Optional("label"))
	assert.Empty(t, args.Optional("missing"))
}

func TestArgsDescribe(t *testing.T) {
	args := Args{"b": Int(2), "a": Strings("x", "y")}
	assert.Equal(t, "a=[x y] b=2", args.Describe())
}
