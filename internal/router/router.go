package router

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"livecomments/internal/handlers/web"
	"livecomments/internal/middleware"
	"livecomments/internal/response"
	"livecomments/internal/services"
	"livecomments/internal/utils/appinfo"
)

// Options carries the HTTP-layer collaborators of the router
type Options struct {
	Auth            *middleware.Authenticator
	ResponseBuilder *response.Builder
	Sessions        *web.SessionHandler
	// Registerer and Gatherer back the HTTP metrics and /metrics. Both may be nil.
	Registerer           prometheus.Registerer
	Gatherer             prometheus.Gatherer
	AllowedOrigins       []string
	SlowRequestThreshold time.Duration
}

// SetupRouter configures all HTTP routes and returns the main handler
func SetupRouter(serviceCollection *services.ServiceCollection, opts *Options, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	builder := opts.ResponseBuilder
	if builder == nil {
		builder = response.NewBuilder(nil, logger)
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		builder.WriteError(w, req, services.NewNotFoundError("route not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		err := services.NewValidationError("method not allowed", nil)
		err.StatusCode = http.StatusMethodNotAllowed
		builder.WriteError(w, req, err)
	})

	if opts.Registerer != nil {
		r.Use(middleware.NewHTTPMetrics(opts.Registerer).Middleware)
	}
	r.Use(opts.Auth.Authenticate)

	api := r.PathPrefix("/api/v1").Subrouter()
	AddAPIv1Routes(api, serviceCollection.CommentService, opts.Auth, builder, logger)

	if opts.Sessions != nil {
		r.Handle("/ws", opts.Sessions).Methods(http.MethodGet)
	}
	r.HandleFunc("/health", healthHandler(serviceCollection, opts.Sessions, builder)).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Outer chain runs for every request, matched or not
	var handler http.Handler = r
	handler = middleware.SecureHeaders(handler)
	handler = middleware.CORS(opts.AllowedOrigins)(handler)
	handler = middleware.Logging(logger, opts.SlowRequestThreshold)(handler)
	handler = middleware.RecoverPanic(logger, builder)(handler)
	handler = middleware.RequestID(logger)(handler)

	logger.Info("Router setup completed",
		zap.Bool("websocket", opts.Sessions != nil),
		zap.Bool("metrics", opts.Gatherer != nil),
		zap.String("base_path", "/api/v1"),
	)
	return handler
}

type healthReport struct {
	*services.ServiceHealth
	Build    appinfo.Info `json:"build"`
	Sessions int          `json:"websocket_sessions"`
}

func healthHandler(sc *services.ServiceCollection, sessions *web.SessionHandler, builder *response.Builder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := sc.HealthCheck(r.Context())
		report := healthReport{ServiceHealth: health, Build: appinfo.Get()}
		if sessions != nil {
			report.Sessions = sessions.ActiveSessions()
		}

		resp := builder.Success(r.Context(), report)
		statusCode := http.StatusOK
		if health.Status != "healthy" {
			resp.Success = false
			statusCode = http.StatusServiceUnavailable
		}
		builder.WriteJSON(w, r, resp, statusCode)
	}
}
