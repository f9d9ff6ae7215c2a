package repository

import (
	"testing"
	"time"

	"github.com/sitedock/sitedock/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationRepository_AcquireConflict(t *testing.T) {
	repo := NewOperationRepository(setupTestDB(t))
	siteID := uint(1)

	deploy := domain.NewOperation(domain.OperationDeploy, domain.SiteLockKey(siteID), &siteID, "alice")
	require.NoError(t, repo.Acquire(&deploy, 30*time.Minute))

	// Force deploy shares the site lock
	force := domain.NewOperation(domain.OperationForceDeploy, domain.SiteLockKey(siteID), &siteID, "bob")
	err := repo.Acquire(&force, 30*time.Minute)
	require.Error(t, err)
	assert.Equal(t, domain.KindStateConflict, domain.ErrorKind(err))
	assert.Contains(t, err.Error(), "deploy already in progress")

	// Other sites are independent
	otherID := uint(2)
	other := domain.NewOperation(domain.OperationDeploy, domain.SiteLockKey(otherID), &otherID, "bob")
	require.NoError(t, repo.Acquire(&other, 30*time.Minute))

	current, err := repo.Current(domain.SiteLockKey(siteID))
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, deploy.ID, current.ID)
}

func TestOperationRepository_FinishReleasesLock(t *testing.T) {
	repo := NewOperationRepository(setupTestDB(t))
	key := domain.SystemLockKey(domain.OperationSystemUpdate)

	first := domain.NewOperation(domain.OperationSystemUpdate, key, nil, "alice")
	require.NoError(t, repo.Acquire(&first, 10*time.Minute))
	require.NoError(t, repo.Finish(first.ID, domain.OperationStatusSucceeded, "1.2.0", "done"))

	current, err := repo.Current(key)
	require.NoError(t, err)
	assert.Nil(t, current)

	latest, err := repo.Latest(key)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, domain.OperationStatusSucceeded, latest.Status)
	assert.Equal(t, "1.2.0", latest.Result)
	assert.NotNil(t, latest.FinishedAt)

	second := domain.NewOperation(domain.OperationSystemUpdate, key, nil, "alice")
	require.NoError(t, repo.Acquire(&second, 10*time.Minute))
}

func TestOperationRepository_StaleHolderIsAbandoned(t *testing.T) {
	repo := NewOperationRepository(setupTestDB(t))
	key := domain.SystemLockKey(domain.OperationSystemUpdate)
	now := time.Now()

	dead := domain.NewOperation(domain.OperationSystemUpdate, key, nil, "alice")
	dead.StartedAt = now.Add(-11 * time.Minute)
	require.NoError(t, repo.Acquire(&dead, 10*time.Minute))

	fresh := domain.NewOperation(domain.OperationSystemUpdate, key, nil, "bob")
	fresh.StartedAt = now
	require.NoError(t, repo.Acquire(&fresh, 10*time.Minute))

	ops, err := repo.List(10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	byID := map[string]*domain.Operation{}
	for _, op := range ops {
		byID[op.ID.String()] = op
	}
	assert.Equal(t, domain.OperationStatusAbandoned, byID[dead.ID.String()].Status)
	assert.False(t, byID[dead.ID.String()].InProgress)
	assert.Equal(t, domain.OperationStatusRunning, byID[fresh.ID.String()].Status)
}

func TestOperationRepository_AbandonStale(t *testing.T) {
	repo := NewOperationRepository(setupTestDB(t))
	key := domain.SystemLockKey(domain.OperationSystemUpdate)
	now := time.Now()

	op := domain.NewOperation(domain.OperationSystemUpdate, key, nil, "alice")
	op.StartedAt = now.Add(-5 * time.Minute)
	require.NoError(t, repo.Acquire(&op, 10*time.Minute))

	abandoned, err := repo.AbandonStale(key, 10*time.Minute, now)
	require.NoError(t, err)
	assert.False(t, abandoned)

	abandoned, err = repo.AbandonStale(key, 10*time.Minute, now.Add(6*time.Minute))
	require.NoError(t, err)
	assert.True(t, abandoned)

	current, err := repo.Current(key)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestOperationRepository_RecordHandoff(t *testing.T) {
	repo := NewOperationRepository(setupTestDB(t))
	key := domain.SystemLockKey(domain.OperationSystemUpdate)

	op := domain.NewOperation(domain.OperationSystemUpdate, key, nil, "alice")
	require.NoError(t, repo.Acquire(&op, 10*time.Minute))
	require.NoError(t, repo.RecordHandoff(op.ID, 4242, "/data/logs/system-update.log"))

	current, err := repo.Current(key)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, 4242, current.PID)
	assert.Equal(t, "/data/logs/system-update.log", current.LogPath)
}
