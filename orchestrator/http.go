package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/izavyalov-dev/testrun/internal/observability"
	"github.com/izavyalov-dev/testrun/protocol"
	"github.com/izavyalov-dev/testrun/state"
)

// DraftStore stages events for tests that have not been saved yet.
type DraftStore interface {
	Put(ctx context.Context, events []protocol.Action) (string, error)
	Get(ctx context.Context, id string) ([]protocol.Action, error)
}

type batchRunBody struct {
	UserID         string       `json:"userId"`
	Folder         string       `json:"folder,omitempty"`
	FolderIDs      string       `json:"folderIds,omitempty"`
	TestIDs        string       `json:"testIds,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
	Config         RunOverrides `json:"config"`
}

type awaitResponse struct {
	Outcome   PollOutcome `json:"outcome"`
	ReportURL string      `json:"reportUrl,omitempty"`
}

type draftBody struct {
	Events []protocol.Action `json:"events"`
}

type draftResponse struct {
	ID     string            `json:"id"`
	Events []protocol.Action `json:"events,omitempty"`
}

// NewHTTPHandler exposes the orchestration entry points, draft staging and metrics.
func NewHTTPHandler(service *Service, drafts DraftStore, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("orchestrator.http")
	}

	fail := func(w http.ResponseWriter, event string, err error) {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", "event", event, "error", err)
		}
		writeError(w, status, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/v1/projects/{projectID}/tests", func(w http.ResponseWriter, r *http.Request) {
		var req CreateAndRunRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.ProjectID = r.PathValue("projectID")
		result, err := service.CreateAndRun(r.Context(), req)
		if err != nil {
			fail(w, "create_and_run_failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	})

	mux.HandleFunc("POST /api/v1/projects/{projectID}/tests/{testID}/draft-runs", func(w http.ResponseWriter, r *http.Request) {
		var req RunDraftRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.ProjectID = r.PathValue("projectID")
		req.TestID = r.PathValue("testID")
		result, err := service.RunDraft(r.Context(), req)
		if err != nil {
			fail(w, "run_draft_failed", err)
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	})

	mux.HandleFunc("POST /api/v1/projects/{projectID}/runs", func(w http.ResponseWriter, r *http.Request) {
		var body batchRunBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := service.RunProjectBatch(r.Context(), RunProjectBatchRequest{
			ProjectID:      r.PathValue("projectID"),
			UserID:         body.UserID,
			Filter:         state.ParseTestFilter(body.Folder, body.FolderIDs, body.TestIDs),
			Overrides:      body.Config,
			IdempotencyKey: firstNonEmpty(r.Header.Get("Idempotency-Key"), body.IdempotencyKey),
		})
		if err != nil {
			fail(w, "batch_run_failed", err)
			return
		}
		if result.Build == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		status := http.StatusAccepted
		if result.Deduplicated {
			status = http.StatusOK
		}
		writeJSON(w, status, result)
	})

	mux.HandleFunc("GET /api/v1/projects/{projectID}/builds/{buildID}", func(w http.ResponseWriter, r *http.Request) {
		report, err := service.GetBuildStatus(r.Context(), r.PathValue("projectID"), r.PathValue("buildID"))
		if err != nil {
			fail(w, "build_status_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("POST /api/v1/projects/{projectID}/builds/{buildID}/await", func(w http.ResponseWriter, r *http.Request) {
		buildID := r.PathValue("buildID")
		outcome, err := service.AwaitBuild(r.Context(), r.PathValue("projectID"), buildID)
		if err != nil {
			fail(w, "await_build_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, awaitResponse{Outcome: outcome, ReportURL: service.ReportURL(buildID)})
	})

	if drafts != nil {
		mux.HandleFunc("POST /api/v1/drafts", func(w http.ResponseWriter, r *http.Request) {
			var body draftBody
			if err := decodeJSON(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			id, err := drafts.Put(r.Context(), body.Events)
			if err != nil {
				fail(w, "draft_put_failed", err)
				return
			}
			writeJSON(w, http.StatusCreated, draftResponse{ID: id})
		})

		mux.HandleFunc("GET /api/v1/drafts/{draftID}", func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("draftID")
			events, err := drafts.Get(r.Context(), id)
			if err != nil {
				fail(w, "draft_get_failed", err)
				return
			}
			writeJSON(w, http.StatusOK, draftResponse{ID: id, Events: events})
		})
	}

	return mux
}

func statusForError(err error) int {
	switch {
	case IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRunInProgress):
		return http.StatusConflict
	case protocol.IsSubmissionError(err):
		return http.StatusBadGateway
	case errors.Is(err, ErrPollingTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
