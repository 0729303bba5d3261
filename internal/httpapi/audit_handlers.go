package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ssocore.org/internal/audit"
	"ssocore.org/internal/sentinel"
	"ssocore.org/internal/stream"
)

// AuditReader queries persisted audit entries.
type AuditReader interface {
	ListByActor(ctx context.Context, actor string, since time.Time, limit int) ([]audit.Entry, error)
}

// AuditFeed delivers audit entries as they are appended.
type AuditFeed interface {
	Subscribe(ctx context.Context, f stream.Filter) <-chan audit.Entry
}

const auditKeepAlive = 20 * time.Second

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	actor := strings.TrimSpace(q.Get("actor"))
	if actor == "" {
		a.writeDomainError(w, r, fmt.Errorf("%w: actor is required", sentinel.ErrInvalidInput))
		return
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			a.writeDomainError(w, r, fmt.Errorf("%w: since must be RFC3339", sentinel.ErrInvalidInput))
			return
		}
		since = t
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			a.writeDomainError(w, r, fmt.Errorf("%w: limit must be a positive integer", sentinel.ErrInvalidInput))
			return
		}
		limit = n
	}
	entries, err := a.auditReader.ListByActor(r.Context(), actor, since, limit)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleAuditStream serves live audit entries as Server-Sent Events.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut long-lived streams.
	_ = rc.SetWriteDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	q := r.URL.Query()
	ch := a.events.Subscribe(ctx, stream.Filter{
		ActionPrefix: strings.TrimSpace(q.Get("action")),
		Actor:        strings.TrimSpace(q.Get("actor")),
	})

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	keepAlive := time.NewTicker(auditKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
		case entry, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", entry.ID, entry.Action, payload)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
