package service

import (
	"fmt"
	"io"
	"strings"
	"time"

	"certdesk/database"
	"certdesk/database/model"
	"certdesk/logger"
	"certdesk/storage"
	"certdesk/web/entity"

	gocache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

const (
	lookupCacheTTL     = 5 * time.Minute
	lookupCachePrefix  = "cert:"
	lookupCacheCleanup = 10 * time.Minute
)

// Upload is one file submitted in a batch. Open returns the file bytes;
// it is called at most once.
type Upload struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// CertificateService owns certificate records and their files. Records and
// files are reconciled from upload file names: the part before the last dot
// is the recipient address, the part after it the file type.
type CertificateService struct {
	db                *gorm.DB
	store             *storage.DiskStore
	cache             *gocache.Cache
	allowedExtensions []string
}

// NewCertificateService creates a CertificateService bound to the given
// database and file store.
func NewCertificateService(db *gorm.DB, store *storage.DiskStore, allowedExtensions []string) *CertificateService {
	return &CertificateService{
		db:                db,
		store:             store,
		cache:             gocache.New(lookupCacheTTL, lookupCacheCleanup),
		allowedExtensions: allowedExtensions,
	}
}

// AllowedExtensions returns the accepted upload extensions.
func (s *CertificateService) AllowedExtensions() []string {
	return s.allowedExtensions
}

type batchItem struct {
	email        string
	ext          string
	storedName   string
	originalName string
	stagedName   string
}

// ProcessBatch reconciles one bulk upload. Every file is validated and
// staged independently; a bad file is reported and never aborts its
// siblings. All database rows are then written in one transaction and the
// staged files are promoted into the store before it commits, so either the
// whole batch lands or none of it does. When the same address appears twice
// in a batch the last file wins.
func (s *CertificateService) ProcessBatch(uploads []Upload) *entity.BatchReport {
	report := &entity.BatchReport{}
	plan := make([]*batchItem, 0, len(uploads))

	for _, up := range uploads {
		if up.Name == "" {
			continue
		}
		parsed, err := ParseUploadName(up.Name, s.allowedExtensions)
		if err != nil {
			report.Failures = append(report.Failures, entity.ItemFailure{
				Name:   up.Name,
				Reason: s.failureReason(err),
			})
			continue
		}

		src, err := up.Open()
		if err != nil {
			report.Failures = append(report.Failures, entity.ItemFailure{
				Name:   up.Name,
				Reason: fmt.Sprintf("Failed to read upload: %v", err),
			})
			continue
		}
		stagedName, _, err := s.store.Stage(src)
		src.Close()
		if err != nil {
			report.Failures = append(report.Failures, entity.ItemFailure{
				Name:   up.Name,
				Reason: fmt.Sprintf("Failed to save file: %v", err),
			})
			continue
		}

		plan = append(plan, &batchItem{
			email:        parsed.Email,
			ext:          parsed.Ext,
			storedName:   storage.SanitizeName(parsed.Email + "." + parsed.Ext),
			originalName: up.Name,
			stagedName:   stagedName,
		})
	}

	if len(plan) == 0 {
		return report
	}

	// Last file per address wins; staged files of earlier duplicates are
	// dropped without being promoted.
	winners := make(map[string]*batchItem, len(plan))
	order := make([]string, 0, len(plan))
	superseded := make([]string, 0)
	for _, item := range plan {
		if prev, ok := winners[item.email]; ok {
			superseded = append(superseded, prev.stagedName)
		} else {
			order = append(order, item.email)
		}
		winners[item.email] = item
	}

	obsolete := make([]string, 0)
	now := time.Now().UTC()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, email := range order {
			item := winners[email]
			existing := &model.Certificate{}
			err := tx.Where("email = ?", email).First(existing).Error
			switch {
			case database.IsNotFound(err):
				cert := &model.Certificate{
					Email:        item.email,
					StoredName:   item.storedName,
					OriginalName: item.originalName,
					UploadedAt:   now,
				}
				if err := tx.Create(cert).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if existing.StoredName != item.storedName {
					obsolete = append(obsolete, existing.StoredName)
				}
				existing.StoredName = item.storedName
				existing.OriginalName = item.originalName
				existing.UploadedAt = now
				if err := tx.Save(existing).Error; err != nil {
					return err
				}
			}
		}

		// Files land only once every row write has been accepted.
		for _, email := range order {
			item := winners[email]
			if err := s.store.Promote(item.stagedName, item.storedName); err != nil {
				return err
			}
		}
		return nil
	})

	for _, stagedName := range superseded {
		_ = s.store.DiscardStaged(stagedName)
	}

	if err != nil {
		logger.Error("certificate batch failed:", err)
		for _, item := range plan {
			_ = s.store.DiscardStaged(item.stagedName)
			report.Failures = append(report.Failures, entity.ItemFailure{
				Name:   item.originalName,
				Reason: fmt.Sprintf("Database error: %v", err),
			})
		}
		return report
	}

	report.Succeeded = len(plan)

	for _, storedName := range obsolete {
		if err := s.store.Remove(storedName); err != nil {
			logger.Warningf("remove superseded file %s failed: %v", storedName, err)
		}
	}
	s.cache.Flush()

	return report
}

func (s *CertificateService) failureReason(err error) string {
	switch err {
	case ErrMissingExtension:
		return "File must have an extension (e.g., .pdf, .png, .jpg)"
	case ErrUnsupportedType:
		return "Invalid file type. Allowed: " + strings.ToUpper(strings.Join(s.allowedExtensions, ", "))
	case ErrInvalidEmail:
		return "Invalid Gmail address. Must be like 'example@gmail.com'"
	default:
		return err.Error()
	}
}

// GetCertificates returns one dashboard page of records, newest first, plus
// the total count.
func (s *CertificateService) GetCertificates(page, pageSize int) ([]*model.Certificate, int64, error) {
	var total int64
	if err := s.db.Model(model.Certificate{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	certs := make([]*model.Certificate, 0)
	query := s.db.Model(model.Certificate{}).Order("uploaded_at desc")
	if pageSize > 0 {
		if page < 1 {
			page = 1
		}
		query = query.Offset((page - 1) * pageSize).Limit(pageSize)
	}
	if err := query.Find(&certs).Error; err != nil {
		return nil, 0, err
	}
	return certs, total, nil
}

// GetCertificate returns one record by id.
func (s *CertificateService) GetCertificate(id int) (*model.Certificate, error) {
	cert := &model.Certificate{}
	err := s.db.Model(model.Certificate{}).Where("id = ?", id).First(cert).Error
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// GetByEmail returns the record for a normalized address, or nil when no
// certificate exists for it. Hits are cached briefly since the public
// lookup pages ask for the same record several times in a row.
func (s *CertificateService) GetByEmail(email string) (*model.Certificate, error) {
	if cached, ok := s.cache.Get(lookupCachePrefix + email); ok {
		if cert, ok := cached.(*model.Certificate); ok {
			return cert, nil
		}
	}

	cert := &model.Certificate{}
	err := s.db.Model(model.Certificate{}).Where("email = ?", email).First(cert).Error
	if database.IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	s.cache.Set(lookupCachePrefix+email, cert, gocache.DefaultExpiration)
	return cert, nil
}

// Delete removes a record and then its file. The row goes first so a
// failure can never leave a record pointing at a deleted file; a file that
// is already gone is logged and ignored.
func (s *CertificateService) Delete(id int) error {
	cert, err := s.GetCertificate(id)
	if err != nil {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Delete(model.Certificate{}, "id = ?", id).Error
	})
	if err != nil {
		return err
	}

	if err := s.store.Remove(cert.StoredName); err != nil {
		logger.Warningf("remove file %s of deleted certificate failed: %v", cert.StoredName, err)
	}
	s.cache.Flush()
	return nil
}

// Replace swaps the file behind an existing record. Only the extension of
// the submitted name matters; the stored name is always rebuilt from the
// record's address so the store stays keyed by email.
func (s *CertificateService) Replace(id int, up Upload) error {
	cert, err := s.GetCertificate(id)
	if err != nil {
		return err
	}

	ext, err := ParseExtension(up.Name, s.allowedExtensions)
	if err != nil {
		return err
	}
	storedName := storage.SanitizeName(cert.Email + "." + ext)

	src, err := up.Open()
	if err != nil {
		return err
	}
	stagedName, _, err := s.store.Stage(src)
	src.Close()
	if err != nil {
		return err
	}

	oldName := cert.StoredName
	err = s.db.Transaction(func(tx *gorm.DB) error {
		cert.StoredName = storedName
		cert.OriginalName = up.Name
		cert.UploadedAt = time.Now().UTC()
		if err := tx.Save(cert).Error; err != nil {
			return err
		}
		return s.store.Promote(stagedName, storedName)
	})
	if err != nil {
		_ = s.store.DiscardStaged(stagedName)
		return err
	}

	if oldName != storedName {
		if err := s.store.Remove(oldName); err != nil {
			logger.Warningf("remove replaced file %s failed: %v", oldName, err)
		}
	}
	s.cache.Flush()
	return nil
}

// FileExists reports whether the file behind a record is present on disk.
func (s *CertificateService) FileExists(cert *model.Certificate) bool {
	return s.store.Exists(cert.StoredName)
}

// FilePath returns the on-disk path of a record's file.
func (s *CertificateService) FilePath(cert *model.Certificate) string {
	return s.store.Path(cert.StoredName)
}

// FileSize returns the byte size of a record's file, or zero when the file
// is absent.
func (s *CertificateService) FileSize(cert *model.Certificate) int64 {
	size, err := s.store.Size(cert.StoredName)
	if err != nil {
		return 0
	}
	return size
}

// DownloadName returns the file name offered to the browser: the name the
// admin originally uploaded, or a generated one when that was never stored.
func DownloadName(cert *model.Certificate) string {
	if cert.OriginalName != "" {
		return cert.OriginalName
	}
	ext := ""
	if idx := strings.LastIndex(cert.StoredName, "."); idx >= 0 {
		ext = cert.StoredName[idx+1:]
	}
	return fmt.Sprintf("certificate_%s.%s", cert.Email, ext)
}

// PreviewKind classifies a stored file for the preview page.
func PreviewKind(storedName string) (isPDF bool, isImage bool) {
	ext := ""
	if idx := strings.LastIndex(storedName, "."); idx >= 0 {
		ext = strings.ToLower(storedName[idx+1:])
	}
	switch ext {
	case "pdf":
		return true, false
	case "png", "jpg", "jpeg":
		return false, true
	}
	return false, false
}

// ContentType returns the MIME type to serve a stored file under.
func ContentType(storedName string) string {
	ext := ""
	if idx := strings.LastIndex(storedName, "."); idx >= 0 {
		ext = strings.ToLower(storedName[idx+1:])
	}
	switch ext {
	case "pdf":
		return "application/pdf"
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}

// CountCertificates returns the number of stored records.
func (s *CertificateService) CountCertificates() (int64, error) {
	var total int64
	err := s.db.Model(model.Certificate{}).Count(&total).Error
	return total, err
}

// CountOrphans returns how many files in the store root no record points
// at.
func (s *CertificateService) CountOrphans() (int, error) {
	referenced, err := s.referencedNames()
	if err != nil {
		return 0, err
	}
	names, err := s.store.List()
	if err != nil {
		return 0, err
	}
	orphans := 0
	for _, name := range names {
		if !referenced[name] {
			orphans++
		}
	}
	return orphans, nil
}

// CountMissingFiles returns how many records point at a file that is no
// longer on disk.
func (s *CertificateService) CountMissingFiles() (int, error) {
	referenced, err := s.referencedNames()
	if err != nil {
		return 0, err
	}
	missing := 0
	for name := range referenced {
		if !s.store.Exists(name) {
			missing++
		}
	}
	return missing, nil
}

// SweepOrphans deletes unreferenced files from the store root and stale
// files from the staging area. Files younger than the grace period are kept
// because a batch may still be promoting them.
func (s *CertificateService) SweepOrphans(grace time.Duration) (int, error) {
	referenced, err := s.referencedNames()
	if err != nil {
		return 0, err
	}
	names, err := s.store.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	cutoff := time.Now().Add(-grace)
	for _, name := range names {
		if referenced[name] {
			continue
		}
		modTime, err := s.store.ModTime(name)
		if err != nil || modTime.After(cutoff) {
			continue
		}
		if err := s.store.Remove(name); err != nil {
			logger.Warningf("sweep orphan %s failed: %v", name, err)
			continue
		}
		removed++
	}

	staged, err := s.store.SweepStaging(grace)
	if err != nil {
		return removed, err
	}
	return removed + staged, nil
}

func (s *CertificateService) referencedNames() (map[string]bool, error) {
	certs := make([]*model.Certificate, 0)
	if err := s.db.Model(model.Certificate{}).Select("stored_name").Find(&certs).Error; err != nil {
		return nil, err
	}
	referenced := make(map[string]bool, len(certs))
	for _, cert := range certs {
		referenced[cert.StoredName] = true
	}
	return referenced, nil
}
