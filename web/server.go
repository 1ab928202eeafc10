package web

import (
	"io"
	"os"
	"time"

	"github.com/ottermq/ottermon/internal/monitor/gui"
	"github.com/ottermq/ottermon/pkg/metrics"
	"github.com/ottermq/ottermon/web/handlers/api"
	"github.com/ottermq/ottermon/web/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"
)

type WebServer struct {
	config   *Config
	gui      *gui.GUI
	health   api.HealthSource
	exporter *metrics.Exporter
	users    *middleware.Users
}

type Config struct {
	AppName       string
	JwtKey        string
	WebServerPort string
	EnableAuth    bool
	TokenTTL      time.Duration
	MonitorPrefix string
	ApiPrefix     string
}

// NewWebServer wires the monitor GUI into HTTP. exporter and users may be
// nil; without users logins always fail.
func NewWebServer(config *Config, g *gui.GUI, health api.HealthSource, exporter *metrics.Exporter, users *middleware.Users) (*WebServer, error) {
	if config.MonitorPrefix == "" {
		config.MonitorPrefix = "/monitor"
	}
	if config.ApiPrefix == "" {
		config.ApiPrefix = "/api"
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 12 * time.Hour
	}
	if users == nil {
		users = middleware.NewUsers()
	}
	return &WebServer{
		config:   config,
		gui:      g,
		health:   health,
		exporter: exporter,
		users:    users,
	}, nil
}

func (ws *WebServer) SetupApp(logFile io.Writer) *fiber.App {
	app := ws.configServer(logFile)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return api.GetHealth(c, ws.health)
	})
	if ws.exporter != nil {
		app.Get("/metrics", adaptor.HTTPHandler(ws.exporter.Handler()))
	}
	app.Get("/", func(c *fiber.Ctx) error {
		return c.Redirect(ws.config.MonitorPrefix + "/")
	})

	ws.AddApi(app)
	ws.AddMonitor(app)
	return app
}

func (ws *WebServer) AddApi(app *fiber.App) {
	app.Post(ws.config.ApiPrefix+"/login", func(c *fiber.Ctx) error {
		return api.Login(c, ws.users, ws.config.JwtKey, ws.config.TokenTTL)
	})
}

func (ws *WebServer) AddMonitor(app *fiber.App) {
	access := middleware.Access(middleware.OpenAccess)
	grp := app.Group(ws.config.MonitorPrefix)
	if ws.config.EnableAuth {
		log.Info().Msg("Monitor requires authentication")
		grp.Use(middleware.JwtMiddleware(ws.config.JwtKey))
		access = middleware.TokenAccess
	}

	grp.Get("/*", func(c *fiber.Ctx) error {
		_, policy := access(c)
		return api.GetMonitor(c, ws.gui, policy)
	})
	command := func(c *fiber.Ctx) error {
		actor, policy := access(c)
		return api.CommandMonitor(c, ws.gui, actor, policy)
	}
	grp.Put("/*", command)
	grp.Delete("/*", command)
}

func (ws *WebServer) configServer(logFile io.Writer) *fiber.App {
	appName := ws.config.AppName
	if appName == "" {
		appName = "ottermon"
	}
	config := fiber.Config{
		Prefork:               false,
		AppName:               appName,
		DisableStartupMessage: true,
	}
	app := fiber.New(config)

	app.Use(recover.New())
	app.Use(middleware.CORSMiddleware())

	if logFile == nil {
		logFile = os.Stdout
	}
	app.Use(logger.New(logger.Config{
		Output: logFile,
	}))
	return app
}
