package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"certdesk/config"
	"certdesk/database"
	"certdesk/logger"
	"certdesk/storage"
	"certdesk/web"
	"certdesk/web/service"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/op/go-logging"
	"github.com/spf13/cobra"
)

func runWebServer() {
	log.Printf("%v %v", config.GetName(), config.GetVersion())

	switch config.GetLogLevel() {
	case config.Debug:
		logger.InitLogger(logging.DEBUG)
	case config.Info:
		logger.InitLogger(logging.INFO)
	case config.Notice:
		logger.InitLogger(logging.NOTICE)
	case config.Warn:
		logger.InitLogger(logging.WARNING)
	case config.Error:
		logger.InitLogger(logging.ERROR)
	default:
		log.Fatal("unknown log level:", config.GetLogLevel())
	}

	cfg := config.Load()

	db, err := database.Open(config.GetDBPath())
	if err != nil {
		log.Fatal(err)
	}

	if cfg.BootstrapAdmin {
		if err := database.SeedAdmin(db, cfg.AdminUsername, cfg.AdminPassword); err != nil {
			log.Fatal(err)
		}
	}

	server, err := web.NewServer(cfg, db)
	if err != nil {
		log.Println(err)
		return
	}
	err = server.Start()
	if err != nil {
		log.Println(err)
		return
	}

	sigCh := make(chan os.Signal, 1)
	// Trap shutdown signals
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	for {
		sig := <-sigCh

		switch sig {
		case syscall.SIGHUP:
			err := server.Stop()
			if err != nil {
				logger.Warning("stop server err:", err)
			}
			server, err = web.NewServer(cfg, db)
			if err != nil {
				log.Println(err)
				return
			}
			err = server.Start()
			if err != nil {
				log.Println(err)
				return
			}
		default:
			err := server.Stop()
			if err != nil {
				logger.Warning("stop server err:", err)
			}
			if err := database.Close(db); err != nil {
				logger.Warning("close database err:", err)
			}
			logger.CloseLogger()
			return
		}
	}
}

func resetSetting() {
	db, err := database.Open(config.GetDBPath())
	if err != nil {
		fmt.Println(err)
		return
	}

	settingService := service.NewSettingService(db)
	err = settingService.ResetSettings()
	if err != nil {
		fmt.Println("reset setting failed:", err)
	} else {
		fmt.Println("reset setting success")
	}
}

func showSetting() {
	db, err := database.Open(config.GetDBPath())
	if err != nil {
		fmt.Println(err)
		return
	}

	settingService := service.NewSettingService(db)
	allSetting, err := settingService.GetAllSetting()
	if err != nil {
		fmt.Println("get current settings failed:", err)
		return
	}
	jsonStr, _ := json.MarshalIndent(allSetting, "", "  ")
	fmt.Println("current settings as follows:")
	fmt.Println(string(jsonStr))

	userService := service.NewUserService(db, settingService)
	user, err := userService.GetFirstUser()
	if database.IsNotFound(err) {
		fmt.Println("no admin account provisioned yet")
		return
	} else if err != nil {
		fmt.Println("get current admin failed:", err)
		return
	}
	fmt.Println("admin username:", user.Username)
}

func updateSetting(port int, resetTwoFactor bool) {
	db, err := database.Open(config.GetDBPath())
	if err != nil {
		fmt.Println(err)
		return
	}

	settingService := service.NewSettingService(db)

	if port > 0 {
		err := settingService.SetPort(port)
		if err != nil {
			fmt.Println("set port failed:", err)
		} else {
			fmt.Printf("set port %v success\n", port)
		}
	}
	if resetTwoFactor {
		err := settingService.SetTwoFactorEnable(false)
		if err == nil {
			err = settingService.SetTwoFactorToken("")
		}
		if err != nil {
			fmt.Println("reset two factor failed:", err)
		} else {
			fmt.Println("reset two factor success")
		}
	}
}

func updateAdmin(username string, password string) {
	db, err := database.Open(config.GetDBPath())
	if err != nil {
		fmt.Println(err)
		return
	}

	settingService := service.NewSettingService(db)
	userService := service.NewUserService(db, settingService)
	err = userService.UpdateFirstUser(username, password)
	if err != nil {
		fmt.Println("set admin credentials failed:", err)
	} else {
		fmt.Println("set admin credentials success")
	}
}

func sweepStore(grace time.Duration) {
	logger.InitLogger(logging.INFO)

	cfg := config.Load()
	db, err := database.Open(config.GetDBPath())
	if err != nil {
		fmt.Println(err)
		return
	}

	store, err := storage.NewDiskStore(cfg.UploadFolder)
	if err != nil {
		fmt.Println(err)
		return
	}

	certificateService := service.NewCertificateService(db, store, cfg.AllowedExtensions)
	removed, err := certificateService.SweepOrphans(grace)
	if err != nil {
		fmt.Println("sweep failed:", err)
		return
	}
	fmt.Printf("sweep done, removed %d file(s)\n", removed)
}

func main() {
	// Optional .env in the working directory; real environment always wins.
	_ = godotenv.Load()

	var rootCmd = &cobra.Command{
		Use: "certdesk",
	}

	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the web server",
		Run: func(cmd *cobra.Command, args []string) {
			runWebServer()
		},
	}

	var settingCmd = &cobra.Command{
		Use:   "setting",
		Short: "Manage settings",
	}

	var resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Reset all settings",
		Run: func(cmd *cobra.Command, args []string) {
			resetSetting()
		},
	}

	var showCmd = &cobra.Command{
		Use:   "show",
		Short: "Show current settings",
		Run: func(cmd *cobra.Command, args []string) {
			showSetting()
		},
	}

	var updateCmd = &cobra.Command{
		Use:   "update",
		Short: "Update settings",
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetInt("port")
			resetTwoFactor, _ := cmd.Flags().GetBool("reset2fa")
			updateSetting(port, resetTwoFactor)
		},
	}

	updateCmd.Flags().Int("port", 0, "set web server port")
	updateCmd.Flags().Bool("reset2fa", false, "disable two factor login")

	var adminCmd = &cobra.Command{
		Use:   "admin",
		Short: "Create or update the admin account",
		Run: func(cmd *cobra.Command, args []string) {
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			updateAdmin(username, password)
		},
	}

	adminCmd.Flags().String("username", "", "set admin username")
	adminCmd.Flags().String("password", "", "set admin password")

	var sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Remove certificate files no record points at",
		Run: func(cmd *cobra.Command, args []string) {
			grace, _ := cmd.Flags().GetDuration("grace")
			sweepStore(grace)
		},
	}

	sweepCmd.Flags().Duration("grace", time.Hour, "keep files younger than this")

	settingCmd.AddCommand(resetCmd, showCmd, updateCmd)

	rootCmd.AddCommand(runCmd, settingCmd, adminCmd, sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
