package service

import (
	"path/filepath"
	"testing"

	"certdesk/database"
	"certdesk/database/model"
	"certdesk/web/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSettingService(t *testing.T) *SettingService {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "certdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		database.Close(db)
	})
	return NewSettingService(db)
}

func TestSettingDefaultsAndOverrides(t *testing.T) {
	svc := newSettingService(t)

	port, err := svc.GetPort()
	require.NoError(t, err)
	assert.Equal(t, 5000, port)

	maxAge, err := svc.GetSessionMaxAge()
	require.NoError(t, err)
	assert.Equal(t, 30, maxAge)

	pageSize, err := svc.GetPageSize()
	require.NoError(t, err)
	assert.Equal(t, 50, pageSize)

	require.NoError(t, svc.SetPort(8080))
	port, err = svc.GetPort()
	require.NoError(t, err)
	assert.Equal(t, 8080, port)

	require.NoError(t, svc.ResetSettings())
	port, err = svc.GetPort()
	require.NoError(t, err)
	assert.Equal(t, 5000, port, "reset must fall back to defaults")
}

func TestBasePathNormalization(t *testing.T) {
	svc := newSettingService(t)

	basePath, err := svc.GetBasePath()
	require.NoError(t, err)
	assert.Equal(t, "/", basePath)

	require.NoError(t, svc.SetBasePath("certs"))
	basePath, err = svc.GetBasePath()
	require.NoError(t, err)
	assert.Equal(t, "/certs/", basePath)
}

func TestAllSettingRoundTrip(t *testing.T) {
	svc := newSettingService(t)

	all, err := svc.GetAllSetting()
	require.NoError(t, err)
	assert.Equal(t, 5000, all.WebPort)
	assert.Equal(t, 30, all.SessionMaxAge)
	assert.Equal(t, 50, all.PageSize)
	assert.False(t, all.TwoFactorEnable)

	all.WebPort = 7000
	all.SessionMaxAge = 45
	all.PageSize = 25
	all.TimeLocation = "UTC"
	all.WebBasePath = "portal"
	require.NoError(t, svc.UpdateAllSetting(all))

	reloaded, err := svc.GetAllSetting()
	require.NoError(t, err)
	assert.Equal(t, 7000, reloaded.WebPort)
	assert.Equal(t, 45, reloaded.SessionMaxAge)
	assert.Equal(t, 25, reloaded.PageSize)
	assert.Equal(t, "/portal/", reloaded.WebBasePath, "CheckValid must normalize the base path before it is saved")
}

func TestUpdateAllSettingRejectsInvalid(t *testing.T) {
	svc := newSettingService(t)

	all, err := svc.GetAllSetting()
	require.NoError(t, err)

	all.WebPort = 70000
	require.Error(t, svc.UpdateAllSetting(all))

	all.WebPort = 5000
	all.WebListen = "not-an-ip"
	require.Error(t, svc.UpdateAllSetting(all))

	port, err := svc.GetPort()
	require.NoError(t, err)
	assert.Equal(t, 5000, port, "rejected updates must not be persisted")
}

func TestGetSecretPersists(t *testing.T) {
	svc := newSettingService(t)

	secret, err := svc.GetSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 32)

	again, err := svc.GetSecret()
	require.NoError(t, err)
	assert.Equal(t, secret, again)

	row, err := svc.getSetting("secret")
	require.NoError(t, err)
	assert.Equal(t, string(secret), row.Value, "secret must be persisted so sessions survive restarts")
}

func TestEntityCheckValid(t *testing.T) {
	valid := &entity.AllSetting{
		WebPort:       5000,
		WebBasePath:   "/",
		SessionMaxAge: 30,
		PageSize:      50,
		TimeLocation:  "Local",
	}
	require.NoError(t, valid.CheckValid())

	bad := *valid
	bad.TimeLocation = "Atlantis/Nowhere"
	require.Error(t, bad.CheckValid())

	bad = *valid
	bad.SessionMaxAge = -1
	require.Error(t, bad.CheckValid())
}

func TestSettingRowsAreUpserted(t *testing.T) {
	svc := newSettingService(t)

	require.NoError(t, svc.SetPort(6000))
	require.NoError(t, svc.SetPort(6001))

	var count int64
	require.NoError(t, svc.db.Model(model.Setting{}).Where("key = ?", "webPort").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
