// Package api - local HTTP control API used by the capture UI shell
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/fieldsync"
	"github.com/alwitt/fieldsync/connectivity"
	"github.com/alwitt/fieldsync/mirror"
	"github.com/alwitt/fieldsync/models"
	"github.com/alwitt/fieldsync/queue"
	"github.com/alwitt/fieldsync/status"
	"github.com/alwitt/fieldsync/syncer"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Service the operations the control API exposes
type Service interface {
	GetSyncStatus(ctx context.Context) (status.Snapshot, error)
	SaveOfflineInterview(ctx context.Context, input fieldsync.InterviewInput) (string, error)
	GetSubmission(ctx context.Context, submissionID string) (models.Submission, error)
	ClearSubmission(ctx context.Context, submissionID string) error
	ForceSync(ctx context.Context) (syncer.DrainResult, error)
	RetryErrored(ctx context.Context) (int64, error)
	RotatePayloadKey(ctx context.Context) (string, error)
	RefreshSurveys(ctx context.Context) (int, error)
	ListSurveys(ctx context.Context) ([]models.CachedSurvey, error)
	GetSurvey(
		ctx context.Context, surveyID string,
	) (models.CachedSurvey, []models.CachedQuestion, error)
	Connectivity() connectivity.Monitor
}

// ErrorResponse error response body
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmissionCreated response to a queued interview
type SubmissionCreated struct {
	ID string `json:"id"`
}

// RetryResult response to a retry request
type RetryResult struct {
	Moved int64 `json:"moved"`
}

// KeyRotated response to a payload key rotation
type KeyRotated struct {
	KeyID string `json:"key_id"`
}

// RefreshResult response to a survey refresh request
type RefreshResult struct {
	Refreshed int    `json:"refreshed"`
	Error     string `json:"error,omitempty"`
}

// ConnectivityReport connectivity observation from the platform
type ConnectivityReport struct {
	Online bool `json:"online"`
}

// SurveyDetail a cached survey and its questions
type SurveyDetail struct {
	Survey    models.CachedSurvey     `json:"survey"`
	Questions []models.CachedQuestion `json:"questions"`
}

// handler control API request handlers
type handler struct {
	goutils.Component
	service Service
}

/*
NewRouter define the control API router

	@param service Service - the offline sync service
	@returns the HTTP handler
*/
func NewRouter(service Service) http.Handler {
	h := &handler{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "api", "component": "control-api"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		service: service,
	}

	root := chi.NewRouter()
	root.Use(middleware.RequestID, h.requestLogger, middleware.Recoverer)

	root.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.getStatus)
		r.Put("/connectivity", h.reportConnectivity)

		r.Post("/interviews", h.saveInterview)
		r.Get("/interviews/{submissionID}", h.getSubmission)
		r.Delete("/interviews/{submissionID}", h.clearSubmission)

		r.Post("/sync", h.forceSync)
		r.Post("/sync/retry", h.retryErrored)

		r.Post("/keys/rotate", h.rotatePayloadKey)

		r.Get("/surveys", h.listSurveys)
		r.Post("/surveys/refresh", h.refreshSurveys)
		r.Get("/surveys/{surveyID}", h.getSurvey)
	})

	return root
}

// requestLogger log each request once it completes
func (h *handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(wrapped, r)
		log.WithFields(h.LogTags).
			WithField("request_id", middleware.GetReqID(r.Context())).
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", wrapped.Status()).
			WithField("elapsed", time.Since(start)).
			Debug("Request served")
	})
}

// writeError map an error to a response status
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrRecordNotFound), errors.Is(err, mirror.ErrSurveyNotCached):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrSealingDisabled), errors.Is(err, queue.ErrStatusConflict):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrStoreUnavailable), errors.Is(err, connectivity.ErrNotRunning):
		status = http.StatusServiceUnavailable
	}
	entry := log.WithError(err).WithFields(h.LogTags).WithField("path", r.URL.Path)
	if status == http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: err.Error()})
}

func (h *handler) getStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.GetSyncStatus(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, snapshot)
}

func (h *handler) reportConnectivity(w http.ResponseWriter, r *http.Request) {
	var report ConnectivityReport
	if err := render.DecodeJSON(r.Body, &report); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: unreadable body [%w]", queue.ErrInvalidRecord, err))
		return
	}
	h.service.Connectivity().SetOnline(report.Online)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) saveInterview(w http.ResponseWriter, r *http.Request) {
	var input fieldsync.InterviewInput
	if err := render.DecodeJSON(r.Body, &input); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: unreadable body [%w]", queue.ErrInvalidRecord, err))
		return
	}
	submissionID, err := h.service.SaveOfflineInterview(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, SubmissionCreated{ID: submissionID})
}

func (h *handler) getSubmission(w http.ResponseWriter, r *http.Request) {
	submission, err := h.service.GetSubmission(r.Context(), chi.URLParam(r, "submissionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, submission)
}

func (h *handler) clearSubmission(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearSubmission(r.Context(), chi.URLParam(r, "submissionID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) forceSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ForceSync(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

func (h *handler) retryErrored(w http.ResponseWriter, r *http.Request) {
	moved, err := h.service.RetryErrored(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, RetryResult{Moved: moved})
}

func (h *handler) rotatePayloadKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := h.service.RotatePayloadKey(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, KeyRotated{KeyID: keyID})
}

func (h *handler) listSurveys(w http.ResponseWriter, r *http.Request) {
	surveys, err := h.service.ListSurveys(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, surveys)
}

// refreshSurveys a partial refresh still reports how many surveys were updated
func (h *handler) refreshSurveys(w http.ResponseWriter, r *http.Request) {
	refreshed, err := h.service.RefreshSurveys(r.Context())
	result := RefreshResult{Refreshed: refreshed}
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Warn("Survey refresh incomplete")
		result.Error = err.Error()
		render.Status(r, http.StatusBadGateway)
	}
	render.JSON(w, r, result)
}

func (h *handler) getSurvey(w http.ResponseWriter, r *http.Request) {
	survey, questions, err := h.service.GetSurvey(r.Context(), chi.URLParam(r, "surveyID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, SurveyDetail{Survey: survey, Questions: questions})
}
