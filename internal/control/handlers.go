package control

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/common"
	"github.com/ternarybob/crawler/internal/crawler"
	"github.com/ternarybob/crawler/internal/events"
	"github.com/ternarybob/crawler/internal/models"
	"github.com/ternarybob/crawler/internal/reconcile"
	"github.com/ternarybob/crawler/internal/siteops"
	"github.com/ternarybob/crawler/internal/store"
)

var siteNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Handlers bundles everything the HTTP layer needs to service the control API.
type Handlers struct {
	store     *store.Store
	ops       *siteops.Service
	scheduler *crawler.Scheduler
	recon     *reconcile.Reconciler
	bus       *events.Bus
	logger    arbor.ILogger
}

// New returns a Handlers bound to the running pipeline's components.
func New(st *store.Store, ops *siteops.Service, sched *crawler.Scheduler, recon *reconcile.Reconciler, bus *events.Bus, logger arbor.ILogger) *Handlers {
	return &Handlers{store: st, ops: ops, scheduler: sched, recon: recon, bus: bus, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleProcess services POST /process.
func (h *Handlers) HandleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.registerOne(w, r, req)
}

// HandleProcessMultiple services POST /process_multiple.
func (h *Handlers) HandleProcessMultiple(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ProcessMultipleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := make([]map[string]interface{}, 0, len(req.URLs))
	for _, one := range req.URLs {
		reg, err := h.ops.Register(r.Context(), one.URL, one.Filter, one.SiteName)
		if err != nil {
			results = append(results, map[string]interface{}{"url": one.URL, "error": err.Error()})
			continue
		}
		results = append(results, registrationResult(reg))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (h *Handlers) registerOne(w http.ResponseWriter, r *http.Request, req ProcessRequest) {
	reg, err := h.ops.Register(r.Context(), req.URL, req.Filter, req.SiteName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, registrationResult(reg))
}

func registrationResult(reg siteops.Registration) map[string]interface{} {
	out := map[string]interface{}{"site_name": reg.SiteName}
	if reg.Conflict {
		out["error"] = "site_name_conflict"
		return out
	}
	if reg.AlreadyExists {
		out["already_existed"] = true
		return out
	}
	out["processing"] = true
	return out
}

// siteFromPath extracts the trailing path segment after prefix, e.g.
// "/toggle_pause/example_com" -> "example_com".
func siteFromPath(r *http.Request, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

// HandleTogglePause services POST /toggle_pause/<site>.
func (h *Handlers) HandleTogglePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	site := siteFromPath(r, "/toggle_pause")
	if site == "" {
		writeError(w, http.StatusBadRequest, "site is required")
		return
	}

	status, err := h.store.ReadStatus(site)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status.OriginalURL == "" {
		writeError(w, http.StatusNotFound, "site not registered")
		return
	}

	newPaused := !status.Paused
	if err := h.store.MutateStatus(site, func(s *models.Status) { s.Paused = newPaused }); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.scheduler.SetPaused(site, newPaused)
	h.bus.Publish(models.RunEvent{ID: common.NewEventID(), Type: "pause_toggled", Site: site, Timestamp: time.Now(), Payload: map[string]interface{}{"paused": newPaused}})

	writeJSON(w, http.StatusOK, map[string]interface{}{"site_name": site, "paused": newPaused})
}

// HandleDeleteSite services POST /delete_site/<site>.
func (h *Handlers) HandleDeleteSite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	site := siteFromPath(r, "/delete_site")
	if site == "" {
		writeError(w, http.StatusBadRequest, "site is required")
		return
	}

	h.scheduler.DeleteSite(site)
	if err := h.recon.DeleteSite(r.Context(), site); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"site_name": site, "deleted": true})
}

// HandleRestartCrawl services POST /restart_crawl/<site>: delete then
// re-register against the preserved original_url and filter (spec.md edge
// case 6 -- final state equals a first-time registration).
func (h *Handlers) HandleRestartCrawl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	site := siteFromPath(r, "/restart_crawl")
	if site == "" {
		writeError(w, http.StatusBadRequest, "site is required")
		return
	}

	status, err := h.store.ReadStatus(site)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status.OriginalURL == "" {
		writeError(w, http.StatusNotFound, "site not registered")
		return
	}
	originalURL, filter := status.OriginalURL, status.Filter

	h.scheduler.DeleteSite(site)
	if err := h.recon.DeleteSite(r.Context(), site); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.scheduler.Undelete(site)

	reg, err := h.ops.Register(r.Context(), originalURL, filter, site)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, registrationResult(reg))
}

// HandleStatus services GET /status/<site>.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	site := siteFromPath(r, "/status")
	if site == "" {
		writeError(w, http.StatusBadRequest, "site is required")
		return
	}

	status, err := h.store.ReadStatus(site)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status.OriginalURL == "" {
		writeError(w, http.StatusNotFound, "site not registered")
		return
	}

	records, err := h.store.ReadJSONRecords(site)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	recent := records
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"site_name":   site,
		"status":      status,
		"recent_json": recent,
	})
}

// HandleSites services GET /sites.
func (h *Handlers) HandleSites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sites, err := h.store.ListSites()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	summaries := make([]map[string]interface{}, 0, len(sites))
	for _, site := range sites {
		status, err := h.store.ReadStatus(site)
		if err != nil {
			h.logger.Warn().Err(err).Str("site", site).Msg("failed to read status for site summary")
			continue
		}
		summaries = append(summaries, map[string]interface{}{
			"site_name":    site,
			"total_urls":   status.TotalURLs,
			"crawled_urls": status.CrawledURLs,
			"paused":       status.Paused,
			"processing":   status.Processing,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sites": summaries})
}

// HandleHealthz services GET /healthz: a bare liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
