package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finetune-backend/pkg/store"
	"finetune-backend/pkg/types"
)

func newTestCatalog(t *testing.T) (*Catalog, store.Store, string) {
	t.Helper()
	st, err := store.NewSQLiteStore(store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	modelsPath := t.TempDir()
	return New(modelsPath, st, zerolog.Nop()), st, modelsPath
}

func addModelDir(t *testing.T, modelsPath, key string, withWeights bool) {
	t.Helper()
	dir := filepath.Join(modelsPath, key)
	require.NoError(t, os.MkdirAll(dir, 0755))
	if withWeights {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "weights.bin"), []byte("w"), 0644))
	}
}

func TestHasModel(t *testing.T) {
	cat, st, _ := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, st.CreateModel(ctx, &types.Model{
		ModelKey: "llama-7b", ModelName: "Llama 7B", Status: types.ModelStatusDownloaded,
	}))

	ok, err := cat.HasModel(ctx, "llama-7b")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cat.HasModel(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListFinetuneModels(t *testing.T) {
	cat, st, modelsPath := newTestCatalog(t)
	ctx := context.Background()

	addModelDir(t, modelsPath, "llama-7b", true)
	addModelDir(t, modelsPath, "qwen-14b", true)
	addModelDir(t, modelsPath, "downloading", true)

	require.NoError(t, st.CreateModel(ctx, &types.Model{
		ModelKey: "llama-7b", ModelName: "Llama 7B", Builtin: true, Status: types.ModelStatusDownloaded,
	}))
	require.NoError(t, st.CreateModel(ctx, &types.Model{
		ModelKey: "qwen-14b", ModelName: "Qwen 14B", Status: types.ModelStatusDownloaded,
	}))
	require.NoError(t, st.CreateModel(ctx, &types.Model{
		ModelKey: "downloading", ModelName: "DL", Status: types.ModelStatusDownloading,
	}))

	// qwen-14b被一个任务用过
	require.NoError(t, st.CreateTask(ctx, &types.FinetuneTask{
		Name: "t1", BaseModelKey: "qwen-14b", NumGPUs: 1, Status: types.TaskStatusCompleted,
	}))

	models, err := cat.ListFinetuneModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 2)

	byKey := map[string]*FinetuneModel{}
	for _, m := range models {
		byKey[m.ModelKey] = m
	}
	// 内置模型不需要确认
	assert.False(t, byKey["llama-7b"].NeedConfirm)
	// 非内置但用过的也不需要
	assert.False(t, byKey["qwen-14b"].NeedConfirm)
}

func TestWeightsPresent(t *testing.T) {
	cat, _, modelsPath := newTestCatalog(t)

	addModelDir(t, modelsPath, "with-weights", true)
	addModelDir(t, modelsPath, "empty-dir", false)

	assert.True(t, cat.WeightsPresent("with-weights"))
	assert.False(t, cat.WeightsPresent("empty-dir"))
	assert.False(t, cat.WeightsPresent("no-such-dir"))
}
