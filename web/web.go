// Package web provides the certdesk web server: public certificate lookup
// pages, the session-gated admin panel, templates, static assets and
// background job scheduling.
package web

import (
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"certdesk/config"
	"certdesk/database"
	"certdesk/logger"
	"certdesk/storage"
	"certdesk/util/common"
	"certdesk/web/cache"
	"certdesk/web/controller"
	"certdesk/web/job"
	"certdesk/web/locale"
	"certdesk/web/middleware"
	"certdesk/web/network"
	"certdesk/web/service"
	"certdesk/web/session"

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

//go:embed assets
var assetsFS embed.FS

//go:embed html/*
var htmlFS embed.FS

//go:embed translation/*
var i18nFS embed.FS

var startTime = time.Now()

type wrapAssetsFS struct {
	embed.FS
}

func (f *wrapAssetsFS) Open(name string) (fs.File, error) {
	file, err := f.FS.Open("assets/" + name)
	if err != nil {
		return nil, err
	}
	return &wrapAssetsFile{File: file}, nil
}

type wrapAssetsFile struct {
	fs.File
}

func (f *wrapAssetsFile) Stat() (fs.FileInfo, error) {
	info, err := f.File.Stat()
	if err != nil {
		return nil, err
	}
	return &wrapAssetsFileInfo{FileInfo: info}, nil
}

type wrapAssetsFileInfo struct {
	fs.FileInfo
}

func (f *wrapAssetsFileInfo) ModTime() time.Time {
	return startTime
}

// Server is the certdesk web server with its controllers, services and
// scheduled jobs. All dependencies flow in through NewServer.
type Server struct {
	httpServer *http.Server
	listener   net.Listener

	portal *controller.PortalController
	admin  *controller.AdminController

	cfg   *config.Config
	db    *gorm.DB
	store *storage.DiskStore

	settingService     *service.SettingService
	userService        *service.UserService
	certificateService *service.CertificateService
	serverService      *service.ServerService

	redisStore *cache.RedisStore

	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer wires the service graph for the given configuration and
// database handle.
func NewServer(cfg *config.Config, db *gorm.DB) (*Server, error) {
	store, err := storage.NewDiskStore(cfg.UploadFolder)
	if err != nil {
		return nil, err
	}

	settingService := service.NewSettingService(db)
	certificateService := service.NewCertificateService(db, store, cfg.AllowedExtensions)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:                cfg,
		db:                 db,
		store:              store,
		settingService:     settingService,
		userService:        service.NewUserService(db, settingService),
		certificateService: certificateService,
		serverService:      service.NewServerService(store, certificateService),
		ctx:                ctx,
		cancel:             cancel,
	}, nil
}

// getHtmlFiles walks the local `web/html` directory and returns a list of
// template file paths. Used only in debug/development mode.
func (s *Server) getHtmlFiles() ([]string, error) {
	files := make([]string, 0)
	dir, _ := os.Getwd()
	err := fs.WalkDir(os.DirFS(dir), "web/html", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// getHtmlTemplate parses embedded HTML templates from the bundled `htmlFS`.
func (s *Server) getHtmlTemplate(funcMap template.FuncMap) (*template.Template, error) {
	t := template.New("").Funcs(funcMap)
	err := fs.WalkDir(htmlFS, "html", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			newT, err := t.ParseFS(htmlFS, path+"/*.html")
			if err != nil {
				// ignore folders without matches
				return nil
			}
			t = newT
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// initRouter initializes Gin, registers middleware, templates, static assets,
// controllers and returns the configured engine.
func (s *Server) initRouter() (*gin.Engine, error) {
	if config.IsDebug() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.DefaultWriter = io.Discard
		gin.DefaultErrorWriter = io.Discard
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.Default()

	webDomain, err := s.settingService.GetWebDomain()
	if err != nil {
		return nil, err
	}
	if webDomain != "" {
		engine.Use(middleware.DomainValidatorMiddleware(webDomain))
	}

	secret := []byte(s.cfg.Secret)
	if len(secret) == 0 {
		secret, err = s.settingService.GetSecret()
		if err != nil {
			return nil, err
		}
	}

	basePath, err := s.settingService.GetBasePath()
	if err != nil {
		return nil, err
	}
	engine.Use(func(c *gin.Context) {
		c.Set("base_path", basePath)
	})

	// Cap request bodies at the configured upload limit.
	maxUploadSize := s.cfg.MaxUploadSize
	engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	})

	// Sessions live in Redis when an address is configured, in signed
	// cookies otherwise.
	var sessionStore sessions.Store
	if s.cfg.RedisAddr != "" {
		redisStore, err := cache.NewRedisStore(s.cfg.RedisAddr, s.cfg.RedisPassword, secret)
		if err != nil {
			return nil, err
		}
		s.redisStore = redisStore
		sessionStore = redisStore
		logger.Info("sessions stored in redis at", s.cfg.RedisAddr)
	} else {
		sessionStore = cookie.NewStore(secret)
	}
	engine.Use(sessions.Sessions(session.SessionName, sessionStore))

	// gzip, excluding the admin API path to avoid double-compressing JSON
	engine.Use(gzip.Gzip(
		gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{basePath + "admin/api/"}),
	))

	if err := locale.InitLocalizer(i18nFS); err != nil {
		return nil, err
	}
	engine.Use(locale.LocalizerMiddleware())

	// i18n in templates
	funcMap := template.FuncMap{
		"i18n":        locale.I18n,
		"formatBytes": common.FormatBytes,
	}
	engine.SetFuncMap(funcMap)

	// Static files & templates
	if config.IsDebug() {
		files, err := s.getHtmlFiles()
		if err != nil {
			return nil, err
		}
		engine.LoadHTMLFiles(files...)
		engine.StaticFS(basePath+"assets", http.FS(os.DirFS("web/assets")))
	} else {
		tpl, err := s.getHtmlTemplate(funcMap)
		if err != nil {
			return nil, err
		}
		engine.SetHTMLTemplate(tpl)
		engine.StaticFS(basePath+"assets", http.FS(&wrapAssetsFS{FS: assetsFS}))
	}

	g := engine.Group(basePath)
	s.portal = controller.NewPortalController(g, s.certificateService)
	s.admin = controller.NewAdminController(g, s.settingService, s.userService, s.certificateService, s.serverService)

	engine.NoRoute(func(c *gin.Context) {
		c.HTML(http.StatusNotFound, "404.html", gin.H{
			"title":     "pages.error.notFoundTitle",
			"base_path": basePath,
			"cur_ver":   config.GetVersion(),
		})
	})

	return engine, nil
}

// startTask schedules the background jobs.
func (s *Server) startTask() {
	// Reconcile crash leftovers between the store and the database
	s.cron.AddJob("@hourly", job.NewSweepOrphansJob(s.certificateService, time.Hour))

	// Keep the WAL from growing without bound on long uptimes
	s.cron.AddFunc("@daily", func() {
		if err := database.Checkpoint(s.db); err != nil {
			logger.Warning("scheduled wal checkpoint failed:", err)
		}
	})
}

// Start initializes and starts the web server.
func (s *Server) Start() (err error) {
	defer func() {
		if err != nil {
			_ = s.Stop()
		}
	}()

	loc, err := s.settingService.GetTimeLocation()
	if err != nil {
		return err
	}
	s.cron = cron.New(cron.WithLocation(loc), cron.WithSeconds())
	s.cron.Start()

	engine, err := s.initRouter()
	if err != nil {
		return err
	}

	certFile, err := s.settingService.GetCertFile()
	if err != nil {
		return err
	}
	keyFile, err := s.settingService.GetKeyFile()
	if err != nil {
		return err
	}
	listen, err := s.settingService.GetListen()
	if err != nil {
		return err
	}
	port, err := s.settingService.GetPort()
	if err != nil {
		return err
	}

	listenAddr := net.JoinHostPort(listen, strconv.Itoa(port))
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}

	if certFile != "" || keyFile != "" {
		if cert, err := tls.LoadX509KeyPair(certFile, keyFile); err == nil {
			cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
			listener = network.NewAutoHttpsListener(listener)
			listener = tls.NewListener(listener, cfg)
			logger.Info("Web server running HTTPS on", listener.Addr())
		} else {
			logger.Error("Error loading certificates:", err)
			logger.Info("Web server running HTTP on", listener.Addr())
		}
	} else {
		logger.Info("Web server running HTTP on", listener.Addr())
	}

	s.listener = listener
	s.httpServer = &http.Server{Handler: engine}

	go func() {
		_ = s.httpServer.Serve(listener)
	}()

	s.startTask()

	return nil
}

// Stop gracefully shuts down the web server and its background jobs.
func (s *Server) Stop() error {
	s.cancel()
	if s.cron != nil {
		s.cron.Stop()
	}
	var err1, err2, err3 error
	if s.httpServer != nil {
		err1 = s.httpServer.Shutdown(s.ctx)
	}
	if s.listener != nil {
		err2 = s.listener.Close()
	}
	if s.redisStore != nil {
		err3 = s.redisStore.Close()
	}
	return common.Combine(err1, err2, err3)
}

// GetCtx returns the server's context.
func (s *Server) GetCtx() context.Context { return s.ctx }

// GetCron returns the server's cron scheduler instance.
func (s *Server) GetCron() *cron.Cron { return s.cron }
