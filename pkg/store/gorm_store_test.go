package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finetune-backend/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func intPtr(v int) *int { return &v }

func TestTaskOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &types.FinetuneTask{
		Name:            "llama-sft",
		TenantID:        1,
		CreatedBy:       1,
		BaseModelKey:    "llama-7b",
		TargetModelName: "llama-7b-sft",
		NumGPUs:         2,
		Status:          types.TaskStatusPending,
	}
	require.NoError(t, store.CreateTask(ctx, task))
	require.NotZero(t, task.ID)

	t.Run("GetAndSave", func(t *testing.T) {
		retrieved, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.Name, retrieved.Name)
		assert.Equal(t, 2, retrieved.NumGPUs)

		retrieved.Status = types.TaskStatusInProgress
		require.NoError(t, store.SaveTask(ctx, retrieved))

		again, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusInProgress, again.Status)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.GetTask(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CountByName", func(t *testing.T) {
		count, err := store.CountTasksByName(ctx, 1, "llama-sft")
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		count, err = store.CountTasksByName(ctx, 2, "llama-sft")
		require.NoError(t, err)
		assert.EqualValues(t, 0, count)
	})

	t.Run("SoftDeleteVisibility", func(t *testing.T) {
		deleted := &types.FinetuneTask{
			Name:     "to-delete",
			TenantID: 1,
			NumGPUs:  1,
			Status:   types.TaskStatusCancel,
		}
		require.NoError(t, store.CreateTask(ctx, deleted))
		deleted.DeletedFlag = 1
		require.NoError(t, store.SaveTask(ctx, deleted))

		// 软删除后列表不可见
		tenantID := uint(1)
		tasks, err := store.ListTasks(ctx, TaskFilter{TenantID: &tenantID})
		require.NoError(t, err)
		for _, item := range tasks {
			assert.NotEqual(t, deleted.ID, item.ID)
		}

		// 但按ID仍能取到，远端清理需要
		retrieved, err := store.GetTask(ctx, deleted.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, retrieved.DeletedFlag)
	})

	t.Run("ListFilters", func(t *testing.T) {
		tenantID := uint(1)
		tasks, err := store.ListTasks(ctx, TaskFilter{
			TenantID: &tenantID,
			Statuses: []types.TaskStatus{types.TaskStatusInProgress},
		})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, task.ID, tasks[0].ID)

		tasks, err = store.ListTasks(ctx, TaskFilter{TenantID: &tenantID, SearchName: "llama"})
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})
}

func TestGPUQuotaLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("QuotaEnforced", func(t *testing.T) {
		tenant := &types.Tenant{Name: "team-a", GPUQuota: intPtr(4)}
		require.NoError(t, store.CreateTenant(ctx, tenant))

		require.NoError(t, store.IncrementGPUUsage(ctx, tenant.ID, 3))

		// 3+2 > 4，拒绝且用量不变
		err := store.IncrementGPUUsage(ctx, tenant.ID, 2)
		assert.ErrorIs(t, err, types.ErrQuotaExhausted)

		current, err := store.GetTenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, current.GPUUsed)

		// 剩余1个刚好能占
		require.NoError(t, store.IncrementGPUUsage(ctx, tenant.ID, 1))
		current, err = store.GetTenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, current.GPUUsed)
	})

	t.Run("ZeroQuotaRejectsAll", func(t *testing.T) {
		tenant := &types.Tenant{Name: "team-frozen", GPUQuota: intPtr(0)}
		require.NoError(t, store.CreateTenant(ctx, tenant))

		err := store.IncrementGPUUsage(ctx, tenant.ID, 1)
		assert.ErrorIs(t, err, types.ErrQuotaExhausted)
	})

	t.Run("NilQuotaUnlimited", func(t *testing.T) {
		tenant := &types.Tenant{Name: "team-unlimited"}
		require.NoError(t, store.CreateTenant(ctx, tenant))

		require.NoError(t, store.IncrementGPUUsage(ctx, tenant.ID, 128))
		current, err := store.GetTenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, 128, current.GPUUsed)
	})

	t.Run("UsageNeverNegative", func(t *testing.T) {
		tenant := &types.Tenant{Name: "team-b", GPUQuota: intPtr(8)}
		require.NoError(t, store.CreateTenant(ctx, tenant))

		require.NoError(t, store.IncrementGPUUsage(ctx, tenant.ID, 2))
		require.NoError(t, store.DecrementGPUUsage(ctx, tenant.ID, 5))

		current, err := store.GetTenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, current.GPUUsed)
	})

	t.Run("UnknownTenant", func(t *testing.T) {
		err := store.IncrementGPUUsage(ctx, 9999, 1)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestAccountOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tenant := &types.Tenant{Name: "alice"}
	require.NoError(t, store.CreateTenant(ctx, tenant))

	account := &types.Account{Username: "alice", Password: "hashed", TenantID: tenant.ID}
	require.NoError(t, store.CreateAccount(ctx, account))

	retrieved, err := store.GetAccountByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, account.ID, retrieved.ID)
	assert.Equal(t, tenant.ID, retrieved.TenantID)

	_, err = store.GetAccountByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCustomParamOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	param := &types.CustomParam{
		Name:           "low-lr",
		TenantID:       1,
		CreatedBy:      1,
		FinetuneConfig: `{"learning_rate":0.0001}`,
	}
	require.NoError(t, store.CreateCustomParam(ctx, param))

	count, err := store.CountCustomParamsByName(ctx, 1, "low-lr")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	params, err := store.ListCustomParams(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, 0.0001, params[0].ConfigDict()["learning_rate"])

	require.NoError(t, store.DeleteCustomParam(ctx, 1, param.ID))
	params, err = store.ListCustomParams(ctx, 1, 1)
	require.NoError(t, err)
	assert.Empty(t, params)

	// 再删返回 NotFound
	assert.ErrorIs(t, store.DeleteCustomParam(ctx, 1, param.ID), ErrNotFound)
}

func TestModelCatalogOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateModel(ctx, &types.Model{
		ModelKey:  "llama-7b",
		ModelName: "Llama 7B",
		Builtin:   true,
		Status:    types.ModelStatusDownloaded,
	}))
	require.NoError(t, store.CreateModel(ctx, &types.Model{
		ModelKey:  "qwen-14b",
		ModelName: "Qwen 14B",
		Status:    types.ModelStatusDownloading,
	}))

	models, err := store.ListModelsByKeys(ctx, []string{"llama-7b", "qwen-14b", "missing"})
	require.NoError(t, err)
	assert.Len(t, models, 2)

	models, err = store.ListModelsByKeys(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, models)

	count, err := store.CountModelsByName(ctx, 0, "Llama 7B")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestUsedBaseModelKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, &types.FinetuneTask{
		Name: "t1", BaseModelKey: "llama-7b", NumGPUs: 1, Status: types.TaskStatusPending,
	}))
	require.NoError(t, store.CreateTask(ctx, &types.FinetuneTask{
		Name: "t2", BaseModelKey: "llama-7b", NumGPUs: 1, Status: types.TaskStatusCompleted,
	}))
	require.NoError(t, store.CreateTask(ctx, &types.FinetuneTask{
		Name: "t3", BaseModelKey: "qwen-14b", NumGPUs: 1, Status: types.TaskStatusPending,
	}))

	keys, err := store.UsedBaseModelKeys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"llama-7b", "qwen-14b"}, keys)
}

func TestPostgresConfigDSN(t *testing.T) {
	full := PostgresConfig{
		Host: "db.local", Port: 5433, User: "ft", Password: "secret", DBName: "finetune", SSLMode: "require",
	}
	assert.Equal(t, "host=db.local port=5433 user=ft dbname=finetune sslmode=require password=secret", full.DSN())

	// 端口和sslmode取缺省值，空密码不出现在连接串里
	minimal := PostgresConfig{Host: "localhost", User: "ft", DBName: "finetune"}
	assert.Equal(t, "host=localhost port=5432 user=ft dbname=finetune sslmode=disable", minimal.DSN())
}
