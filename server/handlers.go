package server

import (
	"context"
	"net/http"
	"time"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/harvest/schedule"
	"github.com/remilejeune/udata-harvest/version"
)

const defaultJobLimit = 20

type workerHealth struct {
	Active    int `json:"active"`
	Processed int `json:"processed"`
}

type schedulerHealth struct {
	Ticks      int64      `json:"ticks"`
	Fired      int64      `json:"fired"`
	LastTickAt *time.Time `json:"last_tick_at,omitempty"`
}

type launchHealth struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

type healthResponse struct {
	Status    string           `json:"status"`
	State     string           `json:"state"`
	Version   version.Info     `json:"version"`
	Uptime    string           `json:"uptime"`
	Clients   int              `json:"clients"`
	Workers   *workerHealth    `json:"workers,omitempty"`
	Scheduler *schedulerHealth `json:"scheduler,omitempty"`
	Launches  *launchHealth    `json:"launches,omitempty"`
	Errors    []string         `json:"errors,omitempty"`
}

// handleHealth reports 200 while the server runs and its queue is readable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		State:   s.State().String(),
		Version: version.Get(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Clients: s.ClientCount(),
	}
	if p := s.deps.Pool; p != nil {
		resp.Workers = &workerHealth{Active: p.Active(), Processed: p.Processed()}
	}
	if t := s.deps.Ticker; t != nil {
		sh := &schedulerHealth{Ticks: t.Ticks(), Fired: t.Fired()}
		if last := t.LastTickAt(); !last.IsZero() {
			sh.LastTickAt = &last
		}
		resp.Scheduler = sh
	}
	if q := s.deps.Launches; q != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		queued, running, err := q.Counts(ctx)
		cancel()
		if err != nil {
			resp.Status = "degraded"
			resp.Errors = append(resp.Errors, "launch queue: "+err.Error())
		} else {
			resp.Launches = &launchHealth{Queued: queued, Running: running}
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" || s.State() == StateDraining {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// metricsHandler refreshes the launch gauges before each scrape.
func (s *Server) metricsHandler() http.Handler {
	next := s.deps.Metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Launches != nil {
			if err := s.deps.Metrics.UpdateLaunches(r.Context(), s.deps.Launches); err != nil {
				s.log.Warnw("Failed to refresh launch metrics", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"backends": s.deps.Service.ListBackends()})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.deps.Service.ListSources(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

type sourceRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	URL          string            `json:"url"`
	Backend      string            `json:"backend"`
	Config       harvest.Values    `json:"config"`
	Frequency    harvest.Frequency `json:"frequency"`
	Owner        string            `json:"owner"`
	Organization string            `json:"organization"`
	Inactive     bool              `json:"inactive"`
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	source, err := s.deps.Service.CreateSource(r.Context(), harvest.SourceInput{
		Name:         req.Name,
		Description:  req.Description,
		URL:          req.URL,
		Backend:      req.Backend,
		Config:       req.Config,
		Frequency:    req.Frequency,
		Owner:        req.Owner,
		Organization: req.Organization,
		Inactive:     req.Inactive,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, source)
}

type sourceDetail struct {
	*harvest.Source
	LastJob      *harvest.Job           `json:"last_job,omitempty"`
	PeriodicTask *schedule.PeriodicTask `json:"periodic_task,omitempty"`
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	source, err := s.deps.Service.GetSource(ctx, r.PathValue("ident"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	detail := sourceDetail{Source: source}

	job, err := s.deps.Service.LastJob(ctx, source.ID)
	switch {
	case err == nil:
		detail.LastJob = job
	case !harvest.IsNotFound(err):
		s.writeServiceError(w, r, err)
		return
	}
	if source.IsScheduled() {
		task, err := s.deps.Service.PeriodicTask(ctx, source.ID)
		if err != nil && !errors.IsAny(err, schedule.ErrTaskNotFound, harvest.ErrNotScheduled) {
			s.writeServiceError(w, r, err)
			return
		}
		detail.PeriodicTask = task
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	source, err := s.deps.Service.DeleteSource(r.Context(), r.PathValue("ident"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, source)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ident := r.PathValue("ident")
	if ident == "" {
		ident = r.URL.Query().Get("source")
	}
	jobs, err := s.deps.Service.ListJobs(r.Context(), ident, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Service.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type launchRequest struct {
	Debug bool `json:"debug"`
}

// handleLaunch queues a run; the body is optional.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	launch, err := s.deps.Service.Launch(r.Context(), r.PathValue("ident"), req.Debug)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/launches/"+launch.ID)
	writeJSON(w, http.StatusAccepted, launch)
}

func (s *Server) handleGetLaunch(w http.ResponseWriter, r *http.Request) {
	launch, err := s.deps.Service.GetLaunch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, launch)
}

type scheduleRequest struct {
	schedule.Crontab
	// Frequency derives the crontab from daily, weekly or monthly.
	Frequency string `json:"frequency,omitempty"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	crontab := req.Crontab
	if req.Frequency != "" {
		c, err := schedule.CrontabForFrequency(req.Frequency)
		if err != nil {
			s.writeServiceError(w, r, errors.Mark(err, errors.ErrInvalidRequest))
			return
		}
		crontab = c
	}
	source, err := s.deps.Service.Schedule(r.Context(), r.PathValue("ident"), crontab)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, source)
}

func (s *Server) handleUnschedule(w http.ResponseWriter, r *http.Request) {
	source, err := s.deps.Service.Unschedule(r.Context(), r.PathValue("ident"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, source)
}
