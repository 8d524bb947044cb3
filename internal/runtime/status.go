package runtime

import (
	"net/http"
	"time"

	"github.com/drblury/activitypipe/internal/runtime/activity"
	"github.com/drblury/activitypipe/internal/runtime/jsoncodec"
)

// Status describes a running pipeline.
type Status struct {
	RunID     string                    `json:"run_id"`
	State     string                    `json:"state"`
	StartedAt time.Time                 `json:"started_at"`
	Providers []string                  `json:"providers"`
	Sources   []activity.SourceIdentity `json:"sources"`
	Stats     StatsSnapshot             `json:"stats"`
}

// Status returns a snapshot of the pipeline.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	startedAt := p.startedAt
	p.mu.Unlock()

	return Status{
		RunID:     p.runID,
		State:     p.State().String(),
		StartedAt: startedAt,
		Providers: p.conf.Sources,
		Sources:   p.decoder.Sources().Snapshot(),
		Stats:     p.stats.Snapshot(),
	}
}

// StatusHandler serves Status as JSON. It is mounted at /status next to the
// metrics endpoint.
func (p *Pipeline) StatusHandler() http.Handler {
	return http.HandlerFunc(p.handleGetStatus)
}

func (p *Pipeline) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, p.Status()); err != nil {
		p.log.Error("Failed to encode pipeline status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
