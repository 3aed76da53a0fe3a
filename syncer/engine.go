// Package syncer - drains the offline queue against the remote survey API
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alwitt/fieldsync/mirror"
	"github.com/alwitt/fieldsync/models"
	"github.com/alwitt/fieldsync/queue"
	"github.com/alwitt/fieldsync/remote"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
)

// OnlineChecker reports whether the remote API is currently believed reachable
type OnlineChecker interface {
	IsOnline() bool
}

// RecordResult outcome of one submission within a drain
type RecordResult struct {
	SubmissionID string `json:"submission_id"`
	Success      bool   `json:"success"`
	// Skipped another drain claimed the submission first; nothing was sent
	Skipped bool `json:"skipped,omitempty"`
	// InterviewID the remote interview created for the submission, if phase one succeeded
	InterviewID string `json:"interview_id,omitempty"`
	Error       string `json:"error,omitempty"`
	Attempts    int    `json:"attempts"`
}

// DrainResult aggregate outcome of one drain
type DrainResult struct {
	SuccessCount int            `json:"success"`
	ErrorCount   int            `json:"errors"`
	SkippedCount int            `json:"skipped"`
	Details      []RecordResult `json:"details"`
}

// SyncEngine transmits queued submissions to the remote survey API
type SyncEngine interface {
	/*
		Drain transmit eligible queued submissions. Returns an empty result immediately if a
		drain is already running or the device is offline.

			@param ctx context.Context - execution context
			@returns the drain outcome
	*/
	Drain(ctx context.Context) (DrainResult, error)

	/*
		ForceSync drain after discarding the in-progress guard, so a wedged drain can't block
		a user triggered retry

			@param ctx context.Context - execution context
			@returns the drain outcome
	*/
	ForceSync(ctx context.Context) (DrainResult, error)

	// IsSyncing whether a drain is in progress
	IsSyncing() bool
}

// EngineParams sync engine parameters
type EngineParams struct {
	// Queue the offline queue
	Queue queue.OfflineQueue `validate:"required"`
	// Client remote API client
	Client remote.Client `validate:"required"`
	// Connectivity connectivity state source
	Connectivity OnlineChecker `validate:"required"`
	// Mirror optional survey mirror, for option derandomization and post drain refresh
	Mirror mirror.SurveyMirror
	// BatchSize max number of submissions transmitted concurrently
	BatchSize int `validate:"gte=1"`
	// MaxRecordsPerDrain max number of submissions loaded by one drain
	MaxRecordsPerDrain int `validate:"gte=1"`
	// AttemptWarnThreshold warn about submissions failing at least this many times; 0 disables
	AttemptWarnThreshold int `validate:"gte=0"`
	// RefreshMirrorAfterDrain refresh the survey mirror after a drain with successes
	RefreshMirrorAfterDrain bool
}

// syncEngine implements SyncEngine
type syncEngine struct {
	goutils.Component
	EngineParams

	// drainOwner token of the drain holding the guard; 0 when idle
	drainOwner atomic.Uint64
	drainSeq   atomic.Uint64
}

/*
NewSyncEngine define a new sync engine

	@param params EngineParams - engine parameters
	@returns engine instance
*/
func NewSyncEngine(params EngineParams) (SyncEngine, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid sync engine parameters [%w]", err)
	}
	return &syncEngine{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "syncer", "component": "sync-engine"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		EngineParams: params,
	}, nil
}

func (e *syncEngine) IsSyncing() bool {
	return e.drainOwner.Load() != 0
}

func (e *syncEngine) Drain(ctx context.Context) (DrainResult, error) {
	return e.drain(ctx, false)
}

func (e *syncEngine) ForceSync(ctx context.Context) (DrainResult, error) {
	return e.drain(ctx, true)
}

func (e *syncEngine) drain(ctx context.Context, force bool) (DrainResult, error) {
	logTags := e.GetLogTagsForContext(ctx)
	result := DrainResult{Details: []RecordResult{}}

	if !e.Connectivity.IsOnline() {
		log.WithFields(logTags).Debug("Offline, drain skipped")
		return result, nil
	}

	token := e.drainSeq.Add(1)
	if force {
		if previous := e.drainOwner.Swap(token); previous != 0 {
			log.WithFields(logTags).Warn("Forced sync preempting in-progress drain")
		}
	} else if !e.drainOwner.CompareAndSwap(0, token) {
		log.WithFields(logTags).Debug("Drain already in progress")
		return result, nil
	}
	// Only release the guard if it was not taken over by a forced sync
	defer e.drainOwner.CompareAndSwap(token, 0)

	pending, err := e.Queue.ListPending(ctx, e.MaxRecordsPerDrain)
	if err != nil {
		return result, fmt.Errorf("failed to load pending submissions [%w]", err)
	}
	if len(pending) == 0 {
		return result, nil
	}

	log.WithFields(logTags).
		WithField("records", len(pending)).
		WithField("batch_size", e.BatchSize).
		Info("Drain starting")

	resolver := newOptionResolver(e.Mirror)

	for start := 0; start < len(pending); start += e.BatchSize {
		if ctx.Err() != nil {
			log.WithFields(logTags).Info("Drain cancelled between batches")
			break
		}

		end := min(start+e.BatchSize, len(pending))
		batch := pending[start:end]
		batchResults := make([]RecordResult, len(batch))

		wg := errgroup.Group{}
		for idx, submission := range batch {
			wg.Go(func() error {
				batchResults[idx] = e.syncRecord(ctx, submission, resolver)
				return nil
			})
		}
		_ = wg.Wait()

		for _, entry := range batchResults {
			switch {
			case entry.Success:
				result.SuccessCount++
			case entry.Skipped:
				result.SkippedCount++
			default:
				result.ErrorCount++
			}
			result.Details = append(result.Details, entry)
		}
	}

	log.WithFields(logTags).
		WithField("success", result.SuccessCount).
		WithField("errors", result.ErrorCount).
		WithField("skipped", result.SkippedCount).
		Info("Drain complete")

	if e.RefreshMirrorAfterDrain && e.Mirror != nil && result.SuccessCount > 0 {
		if _, err := e.Mirror.Refresh(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Warn("Survey mirror refresh after drain failed")
		}
	}

	return result, nil
}

/*
syncRecord transmit one submission with the two-phase protocol. Once the submission is
marked syncing, its outcome is recorded even if ctx is cancelled, so it never stays syncing.

	@param ctx context.Context - execution context
	@param submission models.Submission - the submission
	@param resolver *optionResolver - choice answer resolver of the drain
	@returns outcome of the submission
*/
func (e *syncEngine) syncRecord(
	ctx context.Context, submission models.Submission, resolver *optionResolver,
) RecordResult {
	logTags := e.GetLogTagsForContext(ctx)
	result := RecordResult{SubmissionID: submission.ID, Attempts: submission.Metadata.SyncAttempts}

	if _, err := e.Queue.UpdateSyncStatus(
		ctx, submission.ID, models.SyncStatusSyncing, nil,
	); err != nil {
		entry := log.WithError(err).WithFields(logTags).WithField("submission_id", submission.ID)
		if errors.Is(err, queue.ErrStatusConflict) || errors.Is(err, queue.ErrRecordNotFound) {
			entry.Debug("Submission claimed by another drain")
			result.Skipped = true
			return result
		}
		entry.Warn("Unable to mark submission syncing")
		result.Error = err.Error()
		return result
	}

	recordCtx := context.WithoutCancel(ctx)

	fail := func(cause error) RecordResult {
		msg := cause.Error()
		meta, err := e.Queue.UpdateSyncStatus(recordCtx, submission.ID, models.SyncStatusError, &msg)
		if err != nil {
			log.WithError(err).
				WithFields(logTags).
				WithField("submission_id", submission.ID).
				Error("Failed to record submission sync failure")
		} else {
			result.Attempts = meta.SyncAttempts
		}
		result.Error = msg
		entry := log.WithError(cause).
			WithFields(logTags).
			WithField("submission_id", submission.ID).
			WithField("attempts", result.Attempts)
		if e.AttemptWarnThreshold > 0 && result.Attempts >= e.AttemptWarnThreshold {
			entry.Warn("Submission keeps failing to sync")
		} else {
			entry.Warn("Submission sync failed")
		}
		return result
	}

	responses, err := resolver.remoteResponses(ctx, submission)
	if err != nil {
		return fail(err)
	}

	interview, err := e.Client.CreateInterview(ctx, interviewRequest(submission))
	if err != nil {
		return fail(fmt.Errorf("create interview: %w", err))
	}
	result.InterviewID = interview.ID

	if err := e.Client.SubmitResponses(ctx, interview.ID, responses); err != nil {
		return fail(fmt.Errorf("submit responses of interview %s: %w", interview.ID, err))
	}

	meta, err := e.Queue.UpdateSyncStatus(recordCtx, submission.ID, models.SyncStatusSynced, nil)
	if err != nil {
		log.WithError(err).
			WithFields(logTags).
			WithField("submission_id", submission.ID).
			Error("Failed to mark submission synced")
	} else {
		result.Attempts = meta.SyncAttempts
	}
	if err := e.Queue.DeleteSubmission(recordCtx, submission.ID); err != nil {
		// The cleanup sweep removes it later
		log.WithError(err).
			WithFields(logTags).
			WithField("submission_id", submission.ID).
			Error("Failed to remove synced submission")
	}

	result.Success = true
	return result
}

// interviewRequest phase one request of a submission
func interviewRequest(submission models.Submission) remote.CreateInterviewRequest {
	request := remote.CreateInterviewRequest{SurveyID: submission.SurveyID}
	if submission.Location != nil {
		lat, lon := submission.Location.Latitude, submission.Location.Longitude
		request.Latitude = &lat
		request.Longitude = &lon
	}
	if submission.LocationJustification != "" {
		justification := submission.LocationJustification
		request.LocationJustification = &justification
	}
	return request
}

// optionResolver maps choice answers back to canonical option order, using the survey
// mirror. Surveys are read from the mirror at most once per drain.
type optionResolver struct {
	mirror mirror.SurveyMirror

	lock      sync.Mutex
	questions map[string]map[string]models.CachedQuestion
}

func newOptionResolver(surveyMirror mirror.SurveyMirror) *optionResolver {
	return &optionResolver{
		mirror: surveyMirror, questions: map[string]map[string]models.CachedQuestion{},
	}
}

// surveyQuestions the cached questions of a survey by ID; nil if the survey isn't cached
func (r *optionResolver) surveyQuestions(
	ctx context.Context, surveyID string,
) (map[string]models.CachedQuestion, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if questions, ok := r.questions[surveyID]; ok {
		return questions, nil
	}

	_, questions, err := r.mirror.GetSurvey(ctx, surveyID)
	if err != nil {
		if errors.Is(err, mirror.ErrSurveyNotCached) {
			r.questions[surveyID] = nil
			return nil, nil
		}
		return nil, err
	}
	byID := map[string]models.CachedQuestion{}
	for _, question := range questions {
		byID[question.ID] = question
	}
	r.questions[surveyID] = byID
	return byID, nil
}

// remoteResponses build the phase two response list of a submission
func (r *optionResolver) remoteResponses(
	ctx context.Context, submission models.Submission,
) ([]remote.ResponseEntry, error) {
	var questions map[string]models.CachedQuestion
	if r.mirror != nil {
		for _, response := range submission.Responses {
			if response.DisplayedOptionIndex == nil {
				continue
			}
			var err error
			if questions, err = r.surveyQuestions(ctx, submission.SurveyID); err != nil {
				return nil, fmt.Errorf("survey %s mirror unreadable [%w]", submission.SurveyID, err)
			}
			break
		}
	}

	entries := make([]remote.ResponseEntry, 0, len(submission.Responses))
	for _, response := range submission.Responses {
		text := response.ResponseText
		if response.DisplayedOptionIndex != nil {
			if question, ok := questions[response.QuestionID]; ok && question.IsChoice() {
				canonical, err := models.CanonicalOption(
					question, submission.Metadata.RandomizationSeed, *response.DisplayedOptionIndex,
				)
				if err != nil {
					return nil, err
				}
				text = canonical
			}
		}
		entries = append(entries, remote.ResponseEntry{
			QuestionID: response.QuestionID, ResponseText: text,
		})
	}
	return entries, nil
}
