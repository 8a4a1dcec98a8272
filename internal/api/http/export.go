package apihttp

import (
	"net/http"
	"time"

	"panelbridge/internal/audit"
	"panelbridge/internal/config"
	"panelbridge/internal/export"
	identity "panelbridge/internal/identity/domain"
)

const exportAuditLimit = 200

// ExportHandler serves identity report downloads.
type ExportHandler struct {
	cfg      *config.Store
	dir      identity.Directory
	recorder audit.Recorder
}

// NewExportHandler constructs an ExportHandler.
func NewExportHandler(cfg *config.Store, dir identity.Directory, recorder audit.Recorder) *ExportHandler {
	return &ExportHandler{cfg: cfg, dir: dir, recorder: recorder}
}

// ServeHTTP handles GET /api/v1/exports/identities.xlsx and
// GET /api/v1/exports/identities.pdf.
func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.cfg == nil || h.dir == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	opts := h.cfg.Options()
	records, err := h.dir.List(r.Context(), identity.UniqueIDPrefix(opts.Panel.Serial))
	if err != nil {
		http.Error(w, "list identities error", http.StatusInternalServerError)
		return
	}
	var entries []audit.Entry
	if h.recorder != nil {
		entries, err = h.recorder.Recent(r.Context(), exportAuditLimit)
		if err != nil {
			http.Error(w, "query audit error", http.StatusInternalServerError)
			return
		}
	}

	report := export.Report{
		Serial:       opts.Panel.Serial,
		Policy:       opts.Naming.Policy,
		DevicePrefix: opts.Naming.DevicePrefix,
		GeneratedAt:  time.Now().UTC(),
		Records:      records,
		Audit:        entries,
	}

	switch r.URL.Path {
	case "/api/v1/exports/identities.xlsx":
		data, err := export.BuildIdentityReportXLSX(report)
		if err != nil {
			http.Error(w, "build export error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="identities.xlsx"`)
		_, _ = w.Write(data)
	case "/api/v1/exports/identities.pdf":
		data, err := export.BuildIdentityReportPDF(report)
		if err != nil {
			http.Error(w, "build export error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="identities.pdf"`)
		_, _ = w.Write(data)
	default:
		http.Error(w, "unknown export", http.StatusNotFound)
	}
}
