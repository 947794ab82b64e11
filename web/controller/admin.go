package controller

import (
	"io"
	"net/http"
	"strconv"
	"text/template"

	"certdesk/database"
	"certdesk/logger"
	"certdesk/web/service"
	"certdesk/web/session"

	"github.com/gin-gonic/gin"
)

// LoginForm represents the login request structure.
type LoginForm struct {
	Username      string `json:"username" form:"username"`
	Password      string `json:"password" form:"password"`
	TwoFactorCode string `json:"twoFactorCode" form:"twoFactorCode"`
}

// AdminController handles the session-gated admin panel: login, dashboard,
// bulk upload and per-certificate maintenance.
type AdminController struct {
	BaseController

	settingService     *service.SettingService
	userService        *service.UserService
	certificateService *service.CertificateService
	serverService      *service.ServerService
}

// NewAdminController creates a new AdminController and initializes its routes.
func NewAdminController(
	g *gin.RouterGroup,
	settingService *service.SettingService,
	userService *service.UserService,
	certificateService *service.CertificateService,
	serverService *service.ServerService,
) *AdminController {
	a := &AdminController{
		settingService:     settingService,
		userService:        userService,
		certificateService: certificateService,
		serverService:      serverService,
	}
	a.initRouter(g)
	return a
}

// initRouter registers the login routes openly and everything else behind
// the checkLogin gate.
func (a *AdminController) initRouter(g *gin.RouterGroup) {
	g = g.Group("/admin")

	g.GET("/login", a.loginPage)
	g.POST("/login", a.login)
	g.GET("/logout", a.logout)

	protected := g.Group("/", a.checkLogin)
	protected.GET("/dashboard", a.dashboard)
	protected.GET("/upload", a.uploadPage)
	protected.POST("/upload", a.upload)
	protected.POST("/delete/:id", a.delete)
	protected.POST("/replace/:id", a.replace)
	protected.GET("/api/status", a.status)
	protected.POST("/api/logs/:count", a.getLogs)
}

// loginPage renders the login form, or goes straight to the dashboard for
// an authenticated session.
func (a *AdminController) loginPage(c *gin.Context) {
	if session.IsLogin(c) {
		c.Redirect(http.StatusTemporaryRedirect, c.GetString("base_path")+"admin/dashboard")
		return
	}
	twoFactorEnable, err := a.settingService.GetTwoFactorEnable()
	if err != nil {
		logger.Warning("get two factor enable failed:", err)
	}
	html(c, "login.html", "pages.login.title", gin.H{
		"twoFactorEnable": twoFactorEnable,
	})
}

// login authenticates the admin and opens a session with the configured
// idle expiry.
func (a *AdminController) login(c *gin.Context) {
	var form LoginForm
	if err := c.ShouldBind(&form); err != nil || form.Username == "" || form.Password == "" {
		session.AddFlash(c, "error", I18nWeb(c, "pages.login.invalidCredentials"))
		c.Redirect(http.StatusFound, c.GetString("base_path")+"admin/login")
		return
	}

	user := a.userService.CheckUser(form.Username, form.Password, form.TwoFactorCode)
	safeUser := template.HTMLEscapeString(form.Username)
	if user == nil {
		logger.Warningf("wrong username or password, username: \"%s\", IP: \"%s\"", safeUser, getRemoteIp(c))
		session.AddFlash(c, "error", I18nWeb(c, "pages.login.invalidCredentials"))
		c.Redirect(http.StatusFound, c.GetString("base_path")+"admin/login")
		return
	}

	sessionMaxAge, err := a.settingService.GetSessionMaxAge()
	if err != nil {
		logger.Warning("Unable to get session's max age from DB")
	}
	if err := session.SetMaxAge(c, sessionMaxAge*60); err != nil {
		logger.Warning("Unable to set session's max age:", err)
	}
	if err := session.SetLoginUser(c, user); err != nil {
		logger.Warning("Unable to save session:", err)
	}

	logger.Infof("%s logged in successfully, IP: %s", safeUser, getRemoteIp(c))
	session.AddFlash(c, "success", I18nWeb(c, "pages.login.success"))
	c.Redirect(http.StatusFound, c.GetString("base_path")+"admin/dashboard")
}

// logout clears the session and returns to the login page.
func (a *AdminController) logout(c *gin.Context) {
	user := session.GetLoginUser(c)
	if user != nil {
		logger.Infof("%s logged out successfully", user.Username)
	}
	if err := session.ClearSession(c); err != nil {
		logger.Warning("Unable to clear session:", err)
	}
	session.AddFlash(c, "success", I18nWeb(c, "pages.login.loggedOut"))
	c.Redirect(http.StatusFound, c.GetString("base_path")+"admin/login")
}

// dashboard lists certificates newest first with the store totals.
func (a *AdminController) dashboard(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := a.settingService.GetPageSize()
	if err != nil {
		logger.Warning("get page size failed:", err)
		pageSize = 50
	}

	certs, total, err := a.certificateService.GetCertificates(page, pageSize)
	if err != nil {
		logger.Error("list certificates failed:", err)
		htmlStatus(c, http.StatusInternalServerError, "500.html", "pages.error.serverTitle", nil)
		return
	}

	orphans, err := a.certificateService.CountOrphans()
	if err != nil {
		logger.Warning("count orphans failed:", err)
	}

	lastPage := int((total + int64(pageSize) - 1) / int64(pageSize))
	html(c, "dashboard.html", "pages.dashboard.title", gin.H{
		"certs":    certs,
		"total":    total,
		"orphans":  orphans,
		"page":     page,
		"lastPage": lastPage,
		"prevPage": page - 1,
		"nextPage": page + 1,
	})
}

// uploadPage renders the bulk upload form.
func (a *AdminController) uploadPage(c *gin.Context) {
	html(c, "upload.html", "pages.upload.title", nil)
}

// upload reconciles a bulk upload and reports the outcome per file.
func (a *AdminController) upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		session.AddFlash(c, "error", I18nWeb(c, "pages.upload.noFiles"))
		c.Redirect(http.StatusFound, c.GetString("base_path")+"admin/upload")
		return
	}
	files := form.File["certificates"]
	if len(files) == 0 {
		session.AddFlash(c, "error", I18nWeb(c, "pages.upload.noFiles"))
		c.Redirect(http.StatusFound, c.GetString("base_path")+"admin/upload")
		return
	}

	uploads := make([]service.Upload, 0, len(files))
	for _, fh := range files {
		fh := fh
		uploads = append(uploads, service.Upload{
			Name: fh.Filename,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
	}

	report := a.certificateService.ProcessBatch(uploads)
	logger.Infof("bulk upload by %s: %d succeeded, %d failed",
		session.GetLoginUser(c).Username, report.Succeeded, report.Failed())
	if report.Succeeded > 0 {
		session.AddFlash(c, "success",
			I18nWeb(c, "pages.upload.succeeded", "Count=="+strconv.Itoa(report.Succeeded)))
	}
	for _, failure := range report.Failures {
		session.AddFlash(c, "error", failure.Name+": "+failure.Reason)
	}

	c.Redirect(http.StatusFound, c.GetString("base_path")+"admin/dashboard")
}

// delete removes one certificate record and its file. A non-numeric id is a
// plain 404; a well-formed id that matches nothing redirects with a notice.
func (a *AdminController) delete(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		htmlStatus(c, http.StatusNotFound, "404.html", "pages.error.notFoundTitle", nil)
		return
	}

	if err := a.certificateService.Delete(id); database.IsNotFound(err) {
		session.AddFlash(c, "error", I18nWeb(c, "pages.dashboard.notFound"))
	} else if err != nil {
		logger.Warning("delete certificate failed:", err)
		session.AddFlash(c, "error", I18nWeb(c, "pages.dashboard.deleteFailed"))
	} else {
		session.AddFlash(c, "success", I18nWeb(c, "pages.dashboard.deleted"))
	}
	c.Redirect(http.StatusFound, c.GetString("base_path")+"admin/dashboard")
}

// replace swaps the file behind one certificate record.
func (a *AdminController) replace(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		htmlStatus(c, http.StatusNotFound, "404.html", "pages.error.notFoundTitle", nil)
		return
	}

	fh, err := c.FormFile("certificate_file")
	if err != nil || fh.Filename == "" {
		session.AddFlash(c, "error", I18nWeb(c, "pages.dashboard.noFile"))
		c.Redirect(http.StatusFound, c.GetString("base_path")+"admin/dashboard")
		return
	}

	up := service.Upload{
		Name: fh.Filename,
		Open: func() (io.ReadCloser, error) { return fh.Open() },
	}
	if err := a.certificateService.Replace(id, up); database.IsNotFound(err) {
		session.AddFlash(c, "error", I18nWeb(c, "pages.dashboard.notFound"))
	} else if err != nil {
		logger.Warning("replace certificate failed:", err)
		session.AddFlash(c, "error", I18nWeb(c, "pages.dashboard.replaceFailed")+": "+err.Error())
	} else {
		session.AddFlash(c, "success", I18nWeb(c, "pages.dashboard.replaced"))
	}
	c.Redirect(http.StatusFound, c.GetString("base_path")+"admin/dashboard")
}

// status returns the current server status information.
func (a *AdminController) status(c *gin.Context) {
	jsonObj(c, a.serverService.GetStatus(), nil)
}

// getLogs returns the most recent application log lines.
func (a *AdminController) getLogs(c *gin.Context) {
	count := c.Param("count")
	level := c.PostForm("level")
	logs := a.serverService.GetLogs(count, level)
	jsonObj(c, logs, nil)
}
