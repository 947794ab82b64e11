package service

import (
	"errors"

	"certdesk/database"
	"certdesk/database/model"
	"certdesk/logger"
	"certdesk/util/crypto"

	"github.com/xlzd/gotp"
	"gorm.io/gorm"
)

// UserService authenticates and manages administrator accounts.
type UserService struct {
	db             *gorm.DB
	settingService *SettingService
}

// NewUserService creates a UserService bound to the given database.
func NewUserService(db *gorm.DB, settingService *SettingService) *UserService {
	return &UserService{db: db, settingService: settingService}
}

func (s *UserService) GetFirstUser() (*model.User, error) {
	user := &model.User{}
	err := s.db.Model(model.User{}).
		First(user).
		Error
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CheckUser returns the matching user when the username, password and, if
// enabled, the two-factor code are all valid, and nil otherwise.
func (s *UserService) CheckUser(username string, password string, twoFactorCode string) *model.User {
	user := &model.User{}

	err := s.db.Model(model.User{}).
		Where("username = ?", username).
		First(user).
		Error
	if err == gorm.ErrRecordNotFound {
		return nil
	} else if err != nil {
		logger.Warning("check user err:", err)
		return nil
	}

	if !crypto.CheckPasswordHash(user.PasswordHash, password) {
		return nil
	}

	twoFactorEnable, err := s.settingService.GetTwoFactorEnable()
	if err != nil {
		logger.Warning("check two factor err:", err)
		return nil
	}

	if twoFactorEnable {
		twoFactorToken, err := s.settingService.GetTwoFactorToken()
		if err != nil {
			logger.Warning("check two factor token err:", err)
			return nil
		}

		if gotp.NewDefaultTOTP(twoFactorToken).Now() != twoFactorCode {
			return nil
		}
	}

	return user
}

// UpdateUser changes the username and password of an account. Enabling
// two-factor is a separate explicit step, so it is switched off here.
func (s *UserService) UpdateUser(id int, username string, password string) error {
	hashedPassword, err := crypto.HashPasswordAsBcrypt(password)
	if err != nil {
		return err
	}

	twoFactorEnable, err := s.settingService.GetTwoFactorEnable()
	if err != nil {
		return err
	}

	if twoFactorEnable {
		s.settingService.SetTwoFactorEnable(false)
		s.settingService.SetTwoFactorToken("")
	}

	return s.db.Model(model.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"username": username, "password_hash": hashedPassword}).
		Error
}

// UpdateFirstUser creates or updates the first admin account. It backs the
// admin provisioning CLI.
func (s *UserService) UpdateFirstUser(username string, password string) error {
	if username == "" {
		return errors.New("username can not be empty")
	} else if password == "" {
		return errors.New("password can not be empty")
	}
	hashedPassword, err := crypto.HashPasswordAsBcrypt(password)
	if err != nil {
		return err
	}

	user := &model.User{}
	dbErr := s.db.Model(model.User{}).First(user).Error
	if database.IsNotFound(dbErr) {
		user.Username = username
		user.PasswordHash = hashedPassword
		return s.db.Model(model.User{}).Create(user).Error
	} else if dbErr != nil {
		return dbErr
	}
	user.Username = username
	user.PasswordHash = hashedPassword
	return s.db.Save(user).Error
}
