package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/expert-tracker/internal/export"
	"github.com/sells-group/expert-tracker/internal/model"
	"github.com/sells-group/expert-tracker/internal/recon"
)

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleIngest(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")

		var req struct {
			EmailText string `json:"email_text"`
			Network   string `json:"network,omitempty"`
			EmailID   string `json:"email_id,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.EmailText == "" {
			writeError(w, http.StatusBadRequest, "email_text is required")
			return
		}

		result, err := env.Recon.Ingest(r.Context(), projectID, req.EmailText, recon.IngestOptions{
			EmailID:     req.EmailID,
			NetworkHint: req.Network,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleScreenExpert(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := env.Screening.ScreenExpert(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleScreenAll(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		force := r.URL.Query().Get("force") == "true"
		result, err := env.Screening.ScreenAll(r.Context(), chi.URLParam(r, "id"), force)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleListDuplicates(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := model.DedupeStatus(r.URL.Query().Get("status"))
		candidates, err := env.Store.ListDedupeCandidates(r.Context(), chi.URLParam(r, "id"), status)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, candidates)
	}
}

func handleMergeDuplicate(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merge, err := env.Recon.MergeExperts(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, merge)
	}
}

func handleDismissDuplicate(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := env.Recon.MarkNotSame(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleExport(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "csv"
		}

		experts, err := env.Store.ListExperts(r.Context(), projectID)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		filename := fmt.Sprintf("roster-%s-%s", projectID, time.Now().UTC().Format("2006-01-02"))
		switch format {
		case "csv":
			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", filename))
			err = export.WriteCSV(w, experts)
		case "xlsx":
			w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.xlsx", filename))
			err = export.WriteXLSX(w, experts)
		default:
			writeError(w, http.StatusBadRequest, "unsupported format: "+format)
			return
		}
		if err != nil {
			zap.L().Error("export write failed",
				zap.String("project_id", projectID),
				zap.Error(err))
		}
	}
}

func handleLedger(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			if _, err := fmt.Sscanf(s, "%d", &limit); err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
		}
		logs, err := env.Store.ListIngestionLogs(r.Context(), chi.URLParam(r, "id"), limit)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

// writeEngineError maps the error taxonomy onto HTTP statuses: missing
// records 404, a locked project 409, extraction and screening failures 502,
// everything else 500.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case model.IsConflictError(err):
		writeError(w, http.StatusConflict, err.Error())
	case model.IsExtractionError(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		var scrErr *model.ScreeningError
		if errors.As(err, &scrErr) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		zap.L().Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
