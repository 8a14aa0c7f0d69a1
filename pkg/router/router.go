package router

import (
	"bytes"
	"context"
	"net/http"
	"text/template"
	"time"

	"github.com/DeanThompson/ginpprof"
	"github.com/gin-gonic/gin"
	"go.opencensus.io/plugin/ochttp"
	"go.opencensus.io/trace"
	"k8s.io/klog/v2"

	"github.com/istio-ecosystem/istio-core-operator/pkg/metrics"
	"github.com/istio-ecosystem/istio-core-operator/pkg/version"
)

// admin URLs
const (
	VersionPath = "/version"
	MetricsPath = "/metrics"
	LivePath    = "/live"
	ReadyPath   = "/ready"
	PprofPath   = "/debug/pprof"
)

// Options are options for constructing a Router
type Options struct {
	GinLogEnabled  bool
	GinLogSkipPath []string
	PprofEnabled   bool
	MetricsEnabled bool

	Addr            string
	ShutdownTimeout time.Duration
}

// Router handles all incoming HTTP requests
type Router struct {
	*gin.Engine
	httpServer          *http.Server
	ProfileDescriptions []*Profile
	Opt                 *Options
}

// Profile ...
type Profile struct {
	Name string
	Href string
	Desc string
}

// Route represents an application route
type Route struct {
	Method  string
	Path    string
	Handler gin.HandlerFunc
	Desc    string
}

// NewRouter creates a new Router instance
func NewRouter(opt *Options) *Router {
	engine := gin.New()
	engine.Use(gin.Recovery())
	if !opt.GinLogEnabled {
		gin.SetMode(gin.ReleaseMode)
	} else {
		conf := gin.LoggerConfig{
			SkipPaths: opt.GinLogSkipPath,
		}
		engine.Use(gin.LoggerWithConfig(conf))
	}

	r := &Router{
		Engine:              engine,
		ProfileDescriptions: make([]*Profile, 0),
	}

	if opt.MetricsEnabled {
		p, err := metrics.NewOcPrometheus()
		if err != nil {
			klog.Fatalf("NewOcPrometheus err: %#v", err)
		}

		metrics.RegisterGinView()
		r.Engine.GET(MetricsPath, gin.HandlerFunc(func(c *gin.Context) {
			p.Exporter.ServeHTTP(c.Writer, c.Request)
		}))

		r.AddProfile("GET", MetricsPath, "Prometheus format metrics")
	}

	if opt.PprofEnabled {
		// adds the routers for net/http/pprof e.g. /debug/pprof, /debug/pprof/heap, etc.
		ginpprof.Wrap(r.Engine)
		r.AddProfile("GET", PprofPath, `PProf related things:<br/>
			<a href="/debug/pprof/goroutine?debug=2">full goroutine stack dump</a>`)
	}

	r.Opt = opt
	r.NoRoute(r.masterHandler)
	return r
}

// Start ...
func (r *Router) Start(stopCh <-chan struct{}) error {
	if r.Opt.ShutdownTimeout == 0 {
		r.Opt.ShutdownTimeout = 5 * time.Second
	}

	var warpHandler http.Handler
	if r.Opt.MetricsEnabled {
		warpHandler = &ochttp.Handler{
			Handler: r.Engine,
			GetStartOptions: func(r *http.Request) trace.StartOptions {
				startOptions := trace.StartOptions{}

				if r.URL.Path == MetricsPath {
					startOptions.Sampler = trace.NeverSample()
				}

				return startOptions
			},
		}
	} else {
		warpHandler = r.Engine
	}

	r.httpServer = &http.Server{
		Addr:         r.Opt.Addr,
		Handler:      warpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
	}

	errCh := make(chan error)
	go func() {
		klog.Infof("Listening on %s, http://localhost%s", r.Opt.Addr, r.Opt.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Error("Http server error: ", err)
			errCh <- err
		}
	}()

	var err error
	select {
	case <-stopCh:
		klog.Infof("Shutting down the http server on %s...", r.Opt.Addr)
		ctx, cancel := context.WithTimeout(context.Background(), r.Opt.ShutdownTimeout)
		defer cancel()
		err = r.httpServer.Shutdown(ctx)
	case err = <-errCh:
	}

	if err != nil {
		klog.Errorf("Server stop err: %#v", err)
	} else {
		klog.Infof("Server exiting")
	}

	return err
}

// AddProfile ...
func (r *Router) AddProfile(method, href, desc string) {
	r.ProfileDescriptions = append(r.ProfileDescriptions, &Profile{
		Name: method + " " + href,
		Href: href,
		Desc: desc,
	})
}

// AddRoutes applies a list of routes
func (r *Router) AddRoutes(routes []*Route) {
	for _, route := range routes {
		switch route.Method {
		case "GET":
			r.GET(route.Path, route.Handler)
		case "POST":
			r.POST(route.Path, route.Handler)
		case "DELETE":
			r.DELETE(route.Path, route.Handler)
		case "Any":
			r.Any(route.Path, route.Handler)
		default:
			klog.Warningf("no method:%s path:%s", route.Method, route.Path)
		}
		if route.Desc != "" {
			r.AddProfile(route.Method, route.Path, route.Desc)
		}
	}
}

// all unrouted requests are passed through this handler
func (r *Router) masterHandler(c *gin.Context) {
	klog.V(4).Infof("no router for method:%s, url:%s", c.Request.Method, c.Request.URL.Path)
	c.JSON(404, gin.H{
		"Method": c.Request.Method,
		"Path":   c.Request.URL.Path,
		"error":  "router not found"})
}

// IndexHandler ...
func (r *Router) IndexHandler(c *gin.Context) {
	var b bytes.Buffer
	indexTmpl.Execute(&b, r.ProfileDescriptions)
	c.Data(http.StatusOK, "", b.Bytes())
}

// VersionHandler ...
func VersionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, version.GetVersion())
}

// DefaultRoutes ...
func (r *Router) DefaultRoutes() []*Route {
	return []*Route{
		{"GET", "/", r.IndexHandler, ""},
		{"GET", VersionPath, VersionHandler, `version describe: <br/>
            <a href="/version"> query version info`},
	}
}

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html><html>
<head>
<title>istio-core-operator</title>
<style>
.profile-name{
	display:inline-block;
	width:6rem;
}
</style>
</head>
<body>
Things to do:
{{range .}}
<h2><a href={{.Href}}>{{.Name}}</a></h2>
<p>
{{.Desc}}
</p>
{{end}}
</body>
</html>
`))
