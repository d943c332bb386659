package constant

const (
	MountRoot         = "/proxy/"
	TokenQueryKey     = "tkn"
	DefaultCookieName = "devgate_session"
	RequestIDHeader   = "X-Request-Id"
)

const (
	DefaultListen     = "0.0.0.0"
	DefaultListenPort = 8080

	DefaultDiagnosticsListen = "127.0.0.1:9090"
)

const DefaultRewriteMaxSize = 16 * 1024 * 1024

var DefaultRewriteContentTypes = []string{
	"text/html",
	"text/javascript",
	"application/javascript",
	"application/x-javascript",
	"application/json",
	"application/manifest+json",
	"text/css",
	"image/svg+xml",
}
