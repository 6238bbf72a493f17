// Package jobproxy serves the public holding page for provisioning jobs
// and redirects to the workspace once the job is ready.
package jobproxy

import (
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dojoworks/workspaced/pkg/jobstore"
	"github.com/dojoworks/workspaced/pkg/log"
	"github.com/dojoworks/workspaced/pkg/metrics"
	"github.com/dojoworks/workspaced/pkg/types"
)

// Proxy serves /workspace/job/{id}/{token}.
type Proxy struct {
	Store *jobstore.Store

	// Refresh is the holding page's meta-refresh interval in seconds.
	// Values below one second are raised to one.
	Refresh int
}

// Handler returns the service's full HTTP handler.
func (p *Proxy) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(15 * time.Second))

	r.Get("/workspace/job/{job}/{token}", p.ServeJob)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// ServeJob renders the job's state: a holding page while provisioning, a
// redirect once ready, and an error page on failure.
func (p *Proxy) ServeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job")
	token := chi.URLParam(r, "token")

	job, err := p.Store.Get(r.Context(), jobID)
	if err != nil {
		log.WithJobID(jobID).Error().Err(err).Msg("failed to load job")
		p.count(http.StatusServiceUnavailable)
		http.Error(w, "Workspace status is temporarily unavailable.", http.StatusServiceUnavailable)
		return
	}
	if job == nil || job.Token != token {
		p.count(http.StatusNotFound)
		http.NotFound(w, r)
		return
	}

	// Every job response is uncacheable; intermediaries must observe
	// each state transition.
	w.Header().Set("Cache-Control", "no-store")

	switch job.State {
	case types.JobStateReady:
		if job.WorkspaceURL == nil {
			// Not yet recorded; keep the client on the holding page.
			p.count(http.StatusOK)
			p.render(w, http.StatusOK, holdingPage, &pageData{
				Job:     job,
				Refresh: p.refresh(),
			})
			return
		}
		p.count(http.StatusFound)
		http.Redirect(w, r, *job.WorkspaceURL, http.StatusFound)

	case types.JobStateError:
		message := "Workspace failed to start. Please retry."
		if job.Error != nil && *job.Error != "" {
			message = *job.Error
		}
		p.count(http.StatusBadGateway)
		p.render(w, http.StatusBadGateway, errorPage, &pageData{
			Job:     job,
			Message: message,
		})

	default:
		p.count(http.StatusOK)
		p.render(w, http.StatusOK, holdingPage, &pageData{
			Job:     job,
			Refresh: p.refresh(),
		})
	}
}

func (p *Proxy) refresh() int {
	if p.Refresh < 1 {
		return 1
	}
	return p.Refresh
}

func (p *Proxy) count(status int) {
	metrics.ProxyRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}

type pageData struct {
	Job     *types.Job
	Refresh int
	Message string
}

func (p *Proxy) render(w http.ResponseWriter, status int, tmpl *template.Template, data *pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		log.WithJobID(data.Job.ID).Error().Err(err).Msg("failed to render job page")
	}
}

var holdingPage = template.Must(template.New("holding").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta http-equiv="refresh" content="{{ .Refresh }}">
  <title>Starting workspace</title>
  <style>
    body { font-family: sans-serif; text-align: center; margin-top: 15vh; color: #333; }
    .spinner {
      margin: 2em auto; width: 48px; height: 48px;
      border: 5px solid #ddd; border-top-color: #e22; border-radius: 50%;
      animation: spin 1s linear infinite;
    }
    @keyframes spin { to { transform: rotate(360deg); } }
    .detail { color: #777; }
  </style>
</head>
<body>
  <h1>Starting your workspace</h1>
  <div class="spinner"></div>
  <p>Hang tight&hellip; your challenge environment is being prepared.</p>
  <p class="detail">
    {{ .Job.ChallengeName }} &middot; {{ .Job.DojoName }}{{ if .Job.Practice }} &middot; practice mode{{ end }}
  </p>
</body>
</html>
`))

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Workspace failed</title>
  <style>
    body { font-family: sans-serif; text-align: center; margin-top: 15vh; color: #333; }
    .error { color: #c00; }
  </style>
</head>
<body>
  <h1>Workspace failed to start</h1>
  <p class="error">{{ .Message }}</p>
  <p>Go back and try launching the challenge again.</p>
</body>
</html>
`))
