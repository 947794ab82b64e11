package session

import (
	"encoding/gob"

	"certdesk/database/model"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// SessionName is the cookie under which the panel session is stored.
const SessionName = "certdesk"

const loginUser = "LOGIN_USER"

// Flash is a one-shot notice rendered on the next page view.
type Flash struct {
	Category string // success or error
	Message  string
}

func init() {
	gob.Register(model.User{})
	gob.Register(Flash{})
}

func SetLoginUser(c *gin.Context, user *model.User) error {
	s := sessions.Default(c)
	s.Set(loginUser, user)
	return s.Save()
}

func SetMaxAge(c *gin.Context, maxAge int) error {
	s := sessions.Default(c)
	s.Options(sessions.Options{
		Path:   "/",
		MaxAge: maxAge,
	})
	return s.Save()
}

func GetLoginUser(c *gin.Context) *model.User {
	s := sessions.Default(c)
	if obj := s.Get(loginUser); obj != nil {
		if user, ok := obj.(model.User); ok {
			return &user
		}
	}
	return nil
}

func IsLogin(c *gin.Context) bool {
	return GetLoginUser(c) != nil
}

// AddFlash queues a notice for the next rendered page.
func AddFlash(c *gin.Context, category, message string) error {
	s := sessions.Default(c)
	s.AddFlash(Flash{Category: category, Message: message})
	return s.Save()
}

// Flashes drains and returns all queued notices.
func Flashes(c *gin.Context) []Flash {
	s := sessions.Default(c)
	raw := s.Flashes()
	if len(raw) == 0 {
		return nil
	}
	flashes := make([]Flash, 0, len(raw))
	for _, obj := range raw {
		if f, ok := obj.(Flash); ok {
			flashes = append(flashes, f)
		}
	}
	if err := s.Save(); err != nil {
		return flashes
	}
	return flashes
}

func ClearSession(c *gin.Context) error {
	s := sessions.Default(c)
	s.Clear()
	s.Options(sessions.Options{
		Path:   "/",
		MaxAge: -1,
	})
	if err := s.Save(); err != nil {
		return err
	}
	c.SetCookie(SessionName, "", -1, "/", "", false, true)
	return nil
}
