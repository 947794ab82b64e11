// Package model defines the persisted entities of certdesk.
package model

import "time"

// Certificate maps one recipient email to one stored certificate file.
// Email is the unique lookup key; StoredName is the sanitized key the file
// bytes live under in the upload folder.
type Certificate struct {
	Id           int       `json:"id" gorm:"primaryKey;autoIncrement"`
	Email        string    `json:"email" gorm:"uniqueIndex;not null"`
	StoredName   string    `json:"storedName" gorm:"not null"`
	OriginalName string    `json:"originalName"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// User is an administrator account. Only the bcrypt hash is ever persisted.
type User struct {
	Id           int    `json:"id" gorm:"primaryKey;autoIncrement"`
	Username     string `json:"username" gorm:"uniqueIndex;not null"`
	PasswordHash string `json:"-" gorm:"column:password_hash;not null"`
}

// Setting is a persisted key/value panel setting.
type Setting struct {
	Id    int    `json:"id" form:"id" gorm:"primaryKey;autoIncrement"`
	Key   string `json:"key" form:"key"`
	Value string `json:"value" form:"value"`
}
