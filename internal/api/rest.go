package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Siphon/internal/api/downloads"
	"github.com/hbomb79/Siphon/internal/api/gen"
	"github.com/hbomb79/Siphon/internal/api/manifests"
	"github.com/hbomb79/Siphon/internal/api/videos"
	"github.com/hbomb79/Siphon/internal/http/websocket"
	"github.com/hbomb79/Siphon/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	gommonlog "github.com/labstack/gommon/log"
)

var log = logger.Get("API")

const API_PREFIX = "/api/siphon/v1"

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. It's sole responsibility
	// is to create the routes Siphon exposes, and to manage ongoing web socket connections.
	RestGateway struct {
		*broadcaster
		config             *RestConfig
		ec                 *echo.Echo
		socket             *websocket.SocketHub
		downloadController controller
		videoController    controller
		folderController   controller
		manifestController controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers. metricsHandler is optional, and
// is exposed at /metrics when provided.
func NewRestGateway(
	config *RestConfig,
	downloadService downloads.Service,
	prober manifests.Prober,
	store videos.Store,
	metricsHandler http.Handler,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true
	ec.Logger.SetLevel(gommonlog.WARN)
	ec.HTTPErrorHandler = gen.GetHTTPErrorHandler(ec.DefaultHTTPErrorHandler)

	validate := validator.New()
	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster:        newBroadcaster(socket, downloadService, store),
		config:             config,
		ec:                 ec,
		socket:             socket,
		downloadController: downloads.New(validate, downloadService),
		videoController:    videos.New(store),
		folderController:   videos.NewFolderController(store),
		manifestController: manifests.New(validate, prober),
	}
	socket.WithConnectionCallback(gateway.broadcaster.connectionPayload)

	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET(API_PREFIX+"/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})
	if metricsHandler != nil {
		ec.GET("/metrics/", echo.WrapHandler(metricsHandler))
	}

	gateway.downloadController.SetRoutes(ec.Group(API_PREFIX + "/downloads"))
	gateway.videoController.SetRoutes(ec.Group(API_PREFIX + "/videos"))
	gateway.folderController.SetRoutes(ec.Group(API_PREFIX + "/folders"))
	gateway.manifestController.SetRoutes(ec.Group(API_PREFIX + "/manifests"))

	return gateway
}

// ServeHTTP allows the gateway to be used as a plain http.Handler.
func (gateway *RestGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gateway.ec.ServeHTTP(w, r)
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Emit(logger.INFO, "Listening on %s\n", gateway.config.HostAddr)
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && err != http.ErrServerClosed {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
