package diagnostics

import (
	"net/http"
	"time"

	"github.com/sagernet/devgate/adapter"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type TunnelView struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
	Server string `json:"server,omitempty"`
}

type TargetView struct {
	ID          string      `json:"id"`
	Host        string      `json:"host"`
	Port        uint16      `json:"port"`
	MountPrefix string      `json:"mount_prefix"`
	Rewrite     bool        `json:"rewrite"`
	WebSocket   bool        `json:"websocket"`
	Health      string      `json:"health"`
	Status      *StatusView `json:"status"`
}

type StatusView struct {
	LastSuccess       *time.Time `json:"last_success,omitempty"`
	LastErrorKind     string     `json:"last_error_kind,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	ActiveConnections int64      `json:"active_connections"`
	Dials             uint64     `json:"dials"`
	Failures          uint64     `json:"failures"`
	Upload            uint64     `json:"upload"`
	Download          uint64     `json:"download"`
}

type StatusResponse struct {
	Tunnel    TunnelView   `json:"tunnel"`
	StartedAt time.Time    `json:"started_at"`
	Uptime    string       `json:"uptime"`
	Targets   []TargetView `json:"targets"`
}

const (
	healthUnknown = "unknown"
	healthOK      = "ok"
	healthFailing = "failing"
)

func getStatus(reporter adapter.StatusReporter) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		tunnelStatus := reporter.TunnelStatus()
		startedAt := reporter.StartedAt()
		render.JSON(w, r, StatusResponse{
			Tunnel: TunnelView{
				Mode:   tunnelStatus.Mode.String(),
				Reason: tunnelStatus.Reason,
				Server: tunnelStatus.Server,
			},
			StartedAt: startedAt,
			Uptime:    time.Since(startedAt).Truncate(time.Second).String(),
			Targets:   targetViews(reporter.TargetStatus()),
		})
	}
}

func targetRouter(reporter adapter.StatusReporter) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, render.M{"targets": targetViews(reporter.TargetStatus())})
	})
	r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
		status, loaded := reporter.LookupTargetStatus(chi.URLParam(r, "id"))
		if !loaded {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, ErrNotFound)
			return
		}
		render.JSON(w, r, newTargetView(status))
	})
	return r
}

func targetViews(statuses []adapter.TargetStatus) []TargetView {
	views := make([]TargetView, 0, len(statuses))
	for _, status := range statuses {
		views = append(views, newTargetView(status))
	}
	return views
}

func newTargetView(status adapter.TargetStatus) TargetView {
	target := status.Target
	return TargetView{
		ID:          target.ID,
		Host:        target.Host,
		Port:        target.Port,
		MountPrefix: target.MountPrefix,
		Rewrite:     target.RewriteEnabled,
		WebSocket:   target.WebSocket,
		Health:      health(status),
		Status: &StatusView{
			LastSuccess:       optionalTime(status.LastSuccess),
			LastErrorKind:     status.LastErrorKind,
			LastError:         status.LastError,
			LastErrorAt:       optionalTime(status.LastErrorAt),
			ActiveConnections: status.ActiveConnections,
			Dials:             status.Dials,
			Failures:          status.Failures,
			Upload:            status.Upload,
			Download:          status.Download,
		},
	}
}

// health reports the outcome of the most recent dial.
func health(status adapter.TargetStatus) string {
	switch {
	case status.LastSuccess.IsZero() && status.LastErrorAt.IsZero():
		return healthUnknown
	case status.LastErrorAt.After(status.LastSuccess):
		return healthFailing
	default:
		return healthOK
	}
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
