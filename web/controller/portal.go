package controller

import (
	"net/http"
	"net/url"

	"certdesk/database/model"
	"certdesk/logger"
	"certdesk/web/service"
	"certdesk/web/session"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"
)

// SearchForm is the public lookup request.
type SearchForm struct {
	Email string `json:"email" form:"email"`
}

// PortalController serves the public pages: landing, lookup, preview and
// download. None of these routes require a session.
type PortalController struct {
	BaseController

	certificateService *service.CertificateService
}

// NewPortalController creates a new PortalController and initializes its routes.
func NewPortalController(g *gin.RouterGroup, certificateService *service.CertificateService) *PortalController {
	a := &PortalController{certificateService: certificateService}
	a.initRouter(g)
	return a
}

func (a *PortalController) initRouter(g *gin.RouterGroup) {
	g.GET("/", a.index)
	g.GET("/search", a.searchPage)
	g.POST("/search", a.search)
	g.GET("/preview/:email", a.preview)
	g.GET("/view/:email", a.view)
	g.GET("/download/:email", a.download)
	g.GET("/qrcode/:email", a.qrcode)
}

// index renders the landing page.
func (a *PortalController) index(c *gin.Context) {
	html(c, "index.html", "pages.index.title", nil)
}

// searchPage renders the empty lookup form.
func (a *PortalController) searchPage(c *gin.Context) {
	html(c, "search.html", "pages.search.title", nil)
}

// search validates the submitted address and redirects to the preview page
// when a certificate exists for it.
func (a *PortalController) search(c *gin.Context) {
	var form SearchForm
	if err := c.ShouldBind(&form); err != nil {
		session.AddFlash(c, "error", I18nWeb(c, "pages.search.emptyEmail"))
		html(c, "search.html", "pages.search.title", nil)
		return
	}

	if form.Email == "" {
		session.AddFlash(c, "error", I18nWeb(c, "pages.search.emptyEmail"))
		html(c, "search.html", "pages.search.title", nil)
		return
	}

	email, err := service.NormalizeEmail(form.Email)
	if err != nil {
		session.AddFlash(c, "error", I18nWeb(c, "pages.search.invalidEmail"))
		html(c, "search.html", "pages.search.title", gin.H{"email": form.Email})
		return
	}

	cert, err := a.certificateService.GetByEmail(email)
	if err != nil {
		logger.Warning("certificate lookup failed:", err)
		session.AddFlash(c, "error", I18nWeb(c, "pages.search.lookupFailed"))
		html(c, "search.html", "pages.search.title", gin.H{"email": email})
		return
	}
	if cert == nil {
		session.AddFlash(c, "error", I18nWeb(c, "pages.search.notFound"))
		html(c, "search.html", "pages.search.title", gin.H{"email": email})
		return
	}

	c.Redirect(http.StatusFound, c.GetString("base_path")+"preview/"+url.PathEscape(email))
}

// preview renders the certificate preview page with an inline viewer
// matching the file type.
func (a *PortalController) preview(c *gin.Context) {
	cert := a.lookup(c)
	if cert == nil {
		return
	}

	isPDF, isImage := service.PreviewKind(cert.StoredName)
	html(c, "preview.html", "pages.preview.title", gin.H{
		"cert":    cert,
		"isPDF":   isPDF,
		"isImage": isImage,
		"size":    a.certificateService.FileSize(cert),
	})
}

// view streams the certificate bytes inline for the preview page's iframe
// or image tag.
func (a *PortalController) view(c *gin.Context) {
	cert := a.lookup(c)
	if cert == nil {
		return
	}

	if !a.certificateService.FileExists(cert) {
		session.AddFlash(c, "error", I18nWeb(c, "pages.preview.fileMissing"))
		c.Redirect(http.StatusFound, c.GetString("base_path")+"search")
		return
	}

	c.Header("Content-Disposition", `inline; filename="`+service.DownloadName(cert)+`"`)
	c.Header("Content-Type", service.ContentType(cert.StoredName))
	c.File(a.certificateService.FilePath(cert))
}

// download serves the certificate as an attachment under its original
// upload name.
func (a *PortalController) download(c *gin.Context) {
	cert := a.lookup(c)
	if cert == nil {
		return
	}

	if !a.certificateService.FileExists(cert) {
		session.AddFlash(c, "error", I18nWeb(c, "pages.preview.fileMissing"))
		c.Redirect(http.StatusFound, c.GetString("base_path")+"search")
		return
	}

	c.FileAttachment(a.certificateService.FilePath(cert), service.DownloadName(cert))
}

// qrcode renders a QR code pointing at the download URL, so a certificate
// pulled up on one device can be fetched on another.
func (a *PortalController) qrcode(c *gin.Context) {
	cert := a.lookup(c)
	if cert == nil {
		return
	}

	scheme := "http"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	downloadURL := scheme + "://" + c.Request.Host + c.GetString("base_path") + "download/" + url.PathEscape(cert.Email)

	png, err := qrcode.Encode(downloadURL, qrcode.Medium, 256)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "pages.preview.qrFailed"), err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// lookup resolves the :email route parameter to a certificate, redirecting
// to the search page with a notice when nothing matches.
func (a *PortalController) lookup(c *gin.Context) *model.Certificate {
	email, err := service.NormalizeEmail(c.Param("email"))
	if err == nil {
		cert, lookupErr := a.certificateService.GetByEmail(email)
		if lookupErr != nil {
			logger.Warning("certificate lookup failed:", lookupErr)
		} else if cert != nil {
			return cert
		}
	}
	session.AddFlash(c, "error", I18nWeb(c, "pages.search.notFound"))
	c.Redirect(http.StatusFound, c.GetString("base_path")+"search")
	return nil
}
