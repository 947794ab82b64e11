package service

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"certdesk/database"
	"certdesk/database/model"
	"certdesk/logger"
	"certdesk/storage"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	os.Setenv("CERTDESK_LOG_FOLDER", os.TempDir())
	logger.InitLogger(logging.DEBUG)
	os.Exit(m.Run())
}

func newTestService(t *testing.T) (*CertificateService, *storage.DiskStore, *gorm.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "certdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		database.Close(db)
	})

	store, err := storage.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	return NewCertificateService(db, store, testExtensions), store, db
}

func memUpload(name, content string) Upload {
	return Upload{
		Name: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func TestProcessBatchCreatesRecords(t *testing.T) {
	svc, store, _ := newTestService(t)

	report := svc.ProcessBatch([]Upload{
		memUpload("alice@gmail.com.pdf", "%PDF alice"),
		memUpload("Bob@Gmail.COM.PNG", "png bob"),
	})

	assert.Equal(t, 2, report.Succeeded)
	assert.Empty(t, report.Failures)

	alice, err := svc.GetByEmail("alice@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, alice)
	assert.Equal(t, "alice@gmail.com.pdf", alice.StoredName)
	assert.Equal(t, "alice@gmail.com.pdf", alice.OriginalName)
	assert.False(t, alice.UploadedAt.IsZero())
	assert.True(t, store.Exists("alice@gmail.com.pdf"))

	// Address and extension are folded to lower case before anything lands.
	bob, err := svc.GetByEmail("bob@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, bob)
	assert.Equal(t, "bob@gmail.com.png", bob.StoredName)
	assert.Equal(t, "Bob@Gmail.COM.PNG", bob.OriginalName)
	assert.True(t, store.Exists("bob@gmail.com.png"))
}

func TestProcessBatchUpsertsByEmail(t *testing.T) {
	svc, store, _ := newTestService(t)

	report := svc.ProcessBatch([]Upload{memUpload("alice@gmail.com.pdf", "old pdf")})
	require.Equal(t, 1, report.Succeeded)

	report = svc.ProcessBatch([]Upload{memUpload("alice@gmail.com.png", "new png")})
	require.Equal(t, 1, report.Succeeded)
	require.Empty(t, report.Failures)

	total, err := svc.CountCertificates()
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	cert, err := svc.GetByEmail("alice@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.Equal(t, "alice@gmail.com.png", cert.StoredName)

	assert.False(t, store.Exists("alice@gmail.com.pdf"), "superseded file must be removed")
	assert.True(t, store.Exists("alice@gmail.com.png"))
}

func TestProcessBatchLastDuplicateWins(t *testing.T) {
	svc, store, _ := newTestService(t)

	report := svc.ProcessBatch([]Upload{
		memUpload("carol@gmail.com.pdf", "first upload"),
		memUpload("carol@gmail.com.png", "second upload"),
	})

	// Both files were processed even though they land on one record.
	assert.Equal(t, 2, report.Succeeded)
	assert.Empty(t, report.Failures)

	total, err := svc.CountCertificates()
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	cert, err := svc.GetByEmail("carol@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.Equal(t, "carol@gmail.com.png", cert.StoredName)
	assert.Equal(t, "carol@gmail.com.png", cert.OriginalName)

	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"carol@gmail.com.png"}, names)

	stale, err := store.SweepStaging(0)
	require.NoError(t, err)
	assert.Zero(t, stale, "losing duplicate must not linger in staging")
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	svc, _, _ := newTestService(t)

	report := svc.ProcessBatch([]Upload{
		memUpload("alice@gmail.com.pdf", "good"),
		memUpload("resume.docx", "bad ext"),
		memUpload("bob@yahoo.com.pdf", "bad provider"),
		memUpload("noextension", "no dot"),
	})

	assert.Equal(t, 1, report.Succeeded)
	require.Len(t, report.Failures, 3)

	reasons := make(map[string]string, len(report.Failures))
	for _, f := range report.Failures {
		reasons[f.Name] = f.Reason
	}
	assert.Equal(t, "Invalid file type. Allowed: PDF, PNG, JPG, JPEG", reasons["resume.docx"])
	assert.Equal(t, "Invalid Gmail address. Must be like 'example@gmail.com'", reasons["bob@yahoo.com.pdf"])
	assert.Equal(t, "File must have an extension (e.g., .pdf, .png, .jpg)", reasons["noextension"])

	total, err := svc.CountCertificates()
	require.NoError(t, err)
	assert.Equal(t, int64(1), total, "only the valid file may create a record")
}

func TestProcessBatchUnreadableUpload(t *testing.T) {
	svc, _, _ := newTestService(t)

	broken := Upload{
		Name: "alice@gmail.com.pdf",
		Open: func() (io.ReadCloser, error) {
			return nil, errors.New("boom")
		},
	}
	report := svc.ProcessBatch([]Upload{broken, memUpload("bob@gmail.com.jpg", "jpg")})

	assert.Equal(t, 1, report.Succeeded)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "alice@gmail.com.pdf", report.Failures[0].Name)
	assert.Contains(t, report.Failures[0].Reason, "Failed to read upload")
}

func TestProcessBatchRejectsEmptyFile(t *testing.T) {
	svc, _, _ := newTestService(t)

	report := svc.ProcessBatch([]Upload{memUpload("alice@gmail.com.pdf", "")})

	assert.Zero(t, report.Succeeded)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0].Reason, "Failed to save file")

	cert, err := svc.GetByEmail("alice@gmail.com")
	require.NoError(t, err)
	assert.Nil(t, cert)
}

func TestProcessBatchDatabaseFailureFailsWholeBatch(t *testing.T) {
	svc, store, db := newTestService(t)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	report := svc.ProcessBatch([]Upload{
		memUpload("alice@gmail.com.pdf", "pdf"),
		memUpload("bob@gmail.com.png", "png"),
	})

	// One transaction for the whole batch: when it cannot commit, every
	// planned item is reported failed and nothing reaches the store.
	assert.Zero(t, report.Succeeded)
	require.Len(t, report.Failures, 2)
	for _, f := range report.Failures {
		assert.Contains(t, f.Reason, "Database error")
	}

	names, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, names)

	stale, err := store.SweepStaging(0)
	require.NoError(t, err)
	assert.Zero(t, stale, "staged files of a failed batch must be discarded")
}

func TestDeleteRemovesRowAndFile(t *testing.T) {
	svc, store, _ := newTestService(t)

	report := svc.ProcessBatch([]Upload{memUpload("alice@gmail.com.pdf", "pdf")})
	require.Equal(t, 1, report.Succeeded)

	cert, err := svc.GetByEmail("alice@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, cert)

	require.NoError(t, svc.Delete(cert.Id))

	gone, err := svc.GetByEmail("alice@gmail.com")
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.False(t, store.Exists("alice@gmail.com.pdf"))

	err = svc.Delete(cert.Id)
	assert.True(t, database.IsNotFound(err))
}

func TestReplaceSwapsFileAndKeepsEmailKey(t *testing.T) {
	svc, store, _ := newTestService(t)

	report := svc.ProcessBatch([]Upload{memUpload("alice@gmail.com.pdf", "old pdf")})
	require.Equal(t, 1, report.Succeeded)
	cert, err := svc.GetByEmail("alice@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, cert)

	// The submitted name only contributes its extension; the storage key is
	// rebuilt from the record's address.
	require.NoError(t, svc.Replace(cert.Id, memUpload("scan 003 (final).png", "new png")))

	updated, err := svc.GetCertificate(cert.Id)
	require.NoError(t, err)
	assert.Equal(t, "alice@gmail.com", updated.Email)
	assert.Equal(t, "alice@gmail.com.png", updated.StoredName)
	assert.Equal(t, "scan 003 (final).png", updated.OriginalName)
	assert.Equal(t, "scan 003 (final).png", DownloadName(updated))

	assert.False(t, store.Exists("alice@gmail.com.pdf"))
	assert.True(t, store.Exists("alice@gmail.com.png"))
}

func TestReplaceRejectsBadExtension(t *testing.T) {
	svc, store, _ := newTestService(t)

	report := svc.ProcessBatch([]Upload{memUpload("alice@gmail.com.pdf", "pdf")})
	require.Equal(t, 1, report.Succeeded)
	cert, err := svc.GetByEmail("alice@gmail.com")
	require.NoError(t, err)

	err = svc.Replace(cert.Id, memUpload("malware.exe", "nope"))
	require.ErrorIs(t, err, ErrUnsupportedType)

	unchanged, err := svc.GetCertificate(cert.Id)
	require.NoError(t, err)
	assert.Equal(t, "alice@gmail.com.pdf", unchanged.StoredName)
	assert.True(t, store.Exists("alice@gmail.com.pdf"))
}

func TestGetCertificatesNewestFirstPaged(t *testing.T) {
	svc, _, db := newTestService(t)

	report := svc.ProcessBatch([]Upload{
		memUpload("a@gmail.com.pdf", "a"),
		memUpload("b@gmail.com.pdf", "b"),
		memUpload("c@gmail.com.pdf", "c"),
	})
	require.Equal(t, 3, report.Succeeded)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, email := range []string{"a@gmail.com", "b@gmail.com", "c@gmail.com"} {
		err := db.Model(model.Certificate{}).
			Where("email = ?", email).
			Update("uploaded_at", base.Add(time.Duration(i)*time.Minute)).
			Error
		require.NoError(t, err)
	}

	page1, total, err := svc.GetCertificates(1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page1, 2)
	assert.Equal(t, "c@gmail.com", page1[0].Email)
	assert.Equal(t, "b@gmail.com", page1[1].Email)

	page2, _, err := svc.GetCertificates(2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "a@gmail.com", page2[0].Email)
}

func TestGetByEmailServesFromCache(t *testing.T) {
	svc, _, db := newTestService(t)

	report := svc.ProcessBatch([]Upload{memUpload("alice@gmail.com.pdf", "pdf")})
	require.Equal(t, 1, report.Succeeded)

	first, err := svc.GetByEmail("alice@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Drop the row behind the service's back; the lookup stays warm until a
	// write through the service flushes it.
	require.NoError(t, db.Delete(model.Certificate{}, "email = ?", "alice@gmail.com").Error)

	cached, err := svc.GetByEmail("alice@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, first.StoredName, cached.StoredName)
}

func TestOrphanAccounting(t *testing.T) {
	svc, store, _ := newTestService(t)

	report := svc.ProcessBatch([]Upload{memUpload("alice@gmail.com.pdf", "pdf")})
	require.Equal(t, 1, report.Succeeded)

	_, err := store.Save("stray@gmail.com.png", strings.NewReader("unreferenced"))
	require.NoError(t, err)

	orphans, err := svc.CountOrphans()
	require.NoError(t, err)
	assert.Equal(t, 1, orphans)

	missing, err := svc.CountMissingFiles()
	require.NoError(t, err)
	assert.Zero(t, missing)

	require.NoError(t, os.Remove(store.Path("alice@gmail.com.pdf")))
	missing, err = svc.CountMissingFiles()
	require.NoError(t, err)
	assert.Equal(t, 1, missing)
}

func TestSweepOrphansHonorsGrace(t *testing.T) {
	svc, store, _ := newTestService(t)

	report := svc.ProcessBatch([]Upload{memUpload("alice@gmail.com.pdf", "kept")})
	require.Equal(t, 1, report.Succeeded)

	_, err := store.Save("old-stray@gmail.com.png", strings.NewReader("stale"))
	require.NoError(t, err)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(store.Path("old-stray@gmail.com.png"), old, old))

	_, err = store.Save("new-stray@gmail.com.png", strings.NewReader("fresh"))
	require.NoError(t, err)

	removed, err := svc.SweepOrphans(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.True(t, store.Exists("alice@gmail.com.pdf"), "referenced file must survive")
	assert.True(t, store.Exists("new-stray@gmail.com.png"), "files inside the grace period must survive")
	assert.False(t, store.Exists("old-stray@gmail.com.png"))
}
