// Package controller provides HTTP request handlers for the certdesk web
// application. It covers the public certificate lookup pages and the
// session-gated admin panel for managing uploads.
package controller

import (
	"net/http"

	"certdesk/logger"
	"certdesk/web/session"

	"github.com/gin-gonic/gin"
)

// BaseController provides common functionality for all controllers, including authentication checks.
type BaseController struct{}

// checkLogin is a middleware that verifies user authentication and handles unauthorized access.
func (a *BaseController) checkLogin(c *gin.Context) {
	if !session.IsLogin(c) {
		if isAjax(c) {
			pureJsonMsg(c, http.StatusUnauthorized, false, I18nWeb(c, "pages.login.loginAgain"))
		} else {
			session.AddFlash(c, "error", I18nWeb(c, "pages.login.required"))
			c.Redirect(http.StatusTemporaryRedirect, c.GetString("base_path")+"admin/login")
		}
		c.Abort()
	} else {
		c.Next()
	}
}

// I18nWeb retrieves an internationalized message for the web interface based on the current locale.
func I18nWeb(c *gin.Context, name string, params ...string) string {
	anyfunc, funcExists := c.Get("I18n")
	if !funcExists {
		logger.Warning("I18n function not exists in gin context!")
		return ""
	}
	i18nFunc, _ := anyfunc.(func(key string, keyParams ...string) string)
	msg := i18nFunc(name, params...)
	return msg
}
