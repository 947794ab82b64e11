package controller

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"certdesk/database/model"
	"certdesk/logger"
	"certdesk/web/session"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Setenv("CERTDESK_LOG_FOLDER", os.TempDir())
	logger.InitLogger(logging.DEBUG)
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// newGateEngine builds a minimal engine with the session middleware and the
// login gate in front of a probe route, mirroring how the admin group is
// registered.
func newGateEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(sessions.Sessions(session.SessionName, cookie.NewStore([]byte("0123456789abcdef"))))
	engine.Use(func(c *gin.Context) {
		c.Set("base_path", "/")
		c.Set("I18n", func(key string, keyParams ...string) string { return key })
	})

	base := &BaseController{}
	engine.POST("/login", func(c *gin.Context) {
		if err := session.SetLoginUser(c, &model.User{Id: 1, Username: "admin"}); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})
	engine.GET("/logout", func(c *gin.Context) {
		if err := session.ClearSession(c); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})

	protected := engine.Group("/admin", base.checkLogin)
	protected.GET("/dashboard", func(c *gin.Context) {
		c.String(http.StatusOK, "dashboard")
	})
	return engine
}

func loginCookies(t *testing.T, engine *gin.Engine) []*http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func TestCheckLoginRedirectsAnonymous(t *testing.T) {
	engine := newGateEngine()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "/admin/login", w.Header().Get("Location"))
}

func TestCheckLoginAjaxGetsUnauthorized(t *testing.T) {
	engine := newGateEngine()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)
}

func TestCheckLoginAcceptsSession(t *testing.T) {
	engine := newGateEngine()
	cookies := loginCookies(t, engine)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dashboard", w.Body.String())
}

func TestCheckLoginRejectsTamperedCookie(t *testing.T) {
	engine := newGateEngine()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: session.SessionName, Value: "not-a-signed-session"})
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "/admin/login", w.Header().Get("Location"))
}

func TestLogoutExpiresSessionCookie(t *testing.T) {
	engine := newGateEngine()
	cookies := loginCookies(t, engine)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	expired := false
	for _, c := range w.Result().Cookies() {
		if c.Name == session.SessionName && c.Value == "" && c.MaxAge < 0 {
			expired = true
		}
	}
	assert.True(t, expired, "logout must instruct the browser to drop the session cookie")

	// A browser that honored the deletion sends nothing and is gated again.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
}
