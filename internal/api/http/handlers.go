package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"panelbridge/internal/audit"
	"panelbridge/internal/config"
	"panelbridge/internal/identity/application"
	identity "panelbridge/internal/identity/domain"
)

const timeLayout = time.RFC3339

// StatusHandler serves GET /api/v1/status.
type StatusHandler struct {
	cfg  *config.Store
	orch *application.Orchestrator
}

// NewStatusHandler constructs a StatusHandler.
func NewStatusHandler(cfg *config.Store, orch *application.Orchestrator) *StatusHandler {
	return &StatusHandler{cfg: cfg, orch: orch}
}

type statusResponse struct {
	Serial       string          `json:"serial"`
	Policy       string          `json:"policy"`
	DevicePrefix bool            `json:"device_prefix"`
	Flags        map[string]bool `json:"flags"`
	Snapshot     *snapshotInfo   `json:"snapshot,omitempty"`
}

type snapshotInfo struct {
	FetchedAt string `json:"fetched_at"`
	Circuits  int    `json:"circuits"`
	Fresh     bool   `json:"fresh"`
}

// ServeHTTP handles GET /api/v1/status.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.cfg == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	opts := h.cfg.Options()
	resp := statusResponse{
		Serial:       opts.Panel.Serial,
		Policy:       opts.Naming.Policy,
		DevicePrefix: opts.Naming.DevicePrefix,
		Flags:        make(map[string]bool, 3),
	}
	for _, flag := range config.Flags() {
		resp.Flags[string(flag)] = h.cfg.Flag(flag)
	}
	if h.orch != nil {
		if snap, fresh := h.orch.LastSnapshot(); snap != nil {
			resp.Snapshot = &snapshotInfo{
				FetchedAt: formatTime(snap.FetchedAt),
				Circuits:  len(snap.Circuits),
				Fresh:     fresh,
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// IdentitiesHandler serves the identity listing and the out-of-band
// user_override reset.
type IdentitiesHandler struct {
	dir    identity.Directory
	serial string
}

// NewIdentitiesHandler constructs an IdentitiesHandler.
func NewIdentitiesHandler(dir identity.Directory, serial string) *IdentitiesHandler {
	return &IdentitiesHandler{dir: dir, serial: serial}
}

type identityRow struct {
	UniqueID     string `json:"unique_id"`
	EntityID     string `json:"entity_id"`
	UserOverride bool   `json:"user_override"`
	UpdatedAt    string `json:"updated_at"`
}

// ServeHTTP handles GET /api/v1/identities and
// POST /api/v1/identities/{unique_id}/override.
func (h *IdentitiesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.dir == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/identities":
		h.list(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/override"):
		h.setOverride(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *IdentitiesHandler) list(w http.ResponseWriter, r *http.Request) {
	records, err := h.dir.List(r.Context(), identity.UniqueIDPrefix(h.serial))
	if err != nil {
		http.Error(w, "list identities error", http.StatusInternalServerError)
		return
	}
	rows := make([]identityRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, identityRow{
			UniqueID:     record.UniqueID,
			EntityID:     record.EntityID,
			UserOverride: record.UserOverride,
			UpdatedAt:    formatTime(record.UpdatedAt),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

type overrideRequest struct {
	Overridden bool `json:"overridden"`
}

func (h *IdentitiesHandler) setOverride(w http.ResponseWriter, r *http.Request) {
	uniqueID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/identities/"), "/override")
	if uniqueID == "" || strings.Contains(uniqueID, "/") {
		http.Error(w, "unique_id is required", http.StatusBadRequest)
		return
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.dir.SetUserOverride(r.Context(), uniqueID, req.Overridden); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			http.Error(w, "identity not found", http.StatusNotFound)
			return
		}
		http.Error(w, "set override error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"unique_id":  uniqueID,
		"overridden": req.Overridden,
	})
}

// FlagsHandler serves migration flag inspection and control.
type FlagsHandler struct {
	cfg *config.Store
}

// NewFlagsHandler constructs a FlagsHandler.
func NewFlagsHandler(cfg *config.Store) *FlagsHandler {
	return &FlagsHandler{cfg: cfg}
}

// ServeHTTP handles GET /api/v1/flags/{name} plus POST {name}/set and
// {name}/clear.
func (h *FlagsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.cfg == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/flags/")
	name, action, _ := strings.Cut(rest, "/")
	flag, ok := config.ParseFlag(name)
	if !ok {
		http.Error(w, "unknown flag", http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		// fall through to the response below
	case r.Method == http.MethodPost && action == "set":
		if err := h.cfg.SetFlag(flag); err != nil {
			http.Error(w, "persist flag error", http.StatusInternalServerError)
			return
		}
	case r.Method == http.MethodPost && action == "clear":
		if err := h.cfg.ClearFlag(flag); err != nil {
			http.Error(w, "persist flag error", http.StatusInternalServerError)
			return
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"flag":    string(flag),
		"pending": h.cfg.Flag(flag),
	})
}

// AuditHandler serves GET /api/v1/audit.
type AuditHandler struct {
	recorder audit.Recorder
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(recorder audit.Recorder) *AuditHandler {
	return &AuditHandler{recorder: recorder}
}

type auditRow struct {
	ID          string `json:"id"`
	CycleID     string `json:"cycle_id"`
	UniqueID    string `json:"unique_id"`
	OldEntityID string `json:"old_entity_id"`
	NewEntityID string `json:"new_entity_id"`
	Outcome     string `json:"outcome"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// ServeHTTP handles GET /api/v1/audit.
func (h *AuditHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.recorder == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			http.Error(w, "limit must be 1..1000", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := h.recorder.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, "query audit error", http.StatusInternalServerError)
		return
	}
	rows := make([]auditRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, auditRow{
			ID:          entry.ID,
			CycleID:     entry.CycleID,
			UniqueID:    entry.UniqueID,
			OldEntityID: entry.OldEntityID,
			NewEntityID: entry.NewEntityID,
			Outcome:     string(entry.Outcome),
			Detail:      entry.Detail,
			CreatedAt:   formatTime(entry.CreatedAt),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

// RefreshHandler serves POST /api/v1/refresh.
type RefreshHandler struct {
	orch *application.Orchestrator
}

// NewRefreshHandler constructs a RefreshHandler.
func NewRefreshHandler(orch *application.Orchestrator) *RefreshHandler {
	return &RefreshHandler{orch: orch}
}

// ServeHTTP triggers an update cycle. The trigger coalesces with any cycle
// already in flight.
func (h *RefreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.orch == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	h.orch.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timeLayout)
}
