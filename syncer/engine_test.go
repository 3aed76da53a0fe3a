package syncer_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/fieldsync/db"
	"github.com/alwitt/fieldsync/mirror"
	mockremote "github.com/alwitt/fieldsync/mocks/remote"
	"github.com/alwitt/fieldsync/models"
	"github.com/alwitt/fieldsync/queue"
	"github.com/alwitt/fieldsync/remote"
	"github.com/alwitt/fieldsync/remote/fakeremote"
	"github.com/alwitt/fieldsync/syncer"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"gorm.io/gorm/logger"
)

type testConnectivity struct {
	online atomic.Bool
}

func (c *testConnectivity) IsOnline() bool {
	return c.online.Load()
}

func newOnline() *testConnectivity {
	c := &testConnectivity{}
	c.online.Store(true)
	return c
}

func newTestQueue(t *testing.T) queue.OfflineQueue {
	assert := assert.New(t)
	uut, err := queue.NewOfflineQueue(queue.OfflineQueueParams{
		Dialector: db.GetSqliteDialector(
			fmt.Sprintf("/tmp/fieldsync_ut_%s.db", ulid.Make().String()),
		),
		SQLLogLevel: logger.Error,
	})
	assert.Nil(err)
	assert.Nil(uut.Initialize(context.Background()))
	return uut
}

func enqueue(t *testing.T, store queue.OfflineQueue, surveyID string, count int) []models.Submission {
	assert := assert.New(t)
	result := []models.Submission{}
	for itr := 0; itr < count; itr++ {
		entry := models.Submission{
			ID:       models.NewSubmissionID(),
			SurveyID: surveyID,
			Responses: []models.Response{
				{QuestionID: "q-age", ResponseText: fmt.Sprintf("%d", 20+itr)},
				{QuestionID: "q-name", ResponseText: uuid.NewString()},
			},
			LocationJustification: "no GPS fix indoors",
			Metadata: models.SubmissionMetadata{
				CollectedAt: time.Now().UTC(), RandomizationSeed: int64(itr),
			},
		}
		assert.Nil(store.SaveSubmission(context.Background(), entry))
		result = append(result, entry)
	}
	return result
}

func newTestEngine(
	t *testing.T,
	store queue.OfflineQueue,
	client remote.Client,
	online syncer.OnlineChecker,
	surveyMirror mirror.SurveyMirror,
	batchSize int,
) syncer.SyncEngine {
	assert := assert.New(t)
	uut, err := syncer.NewSyncEngine(syncer.EngineParams{
		Queue:                store,
		Client:               client,
		Connectivity:         online,
		Mirror:               surveyMirror,
		BatchSize:            batchSize,
		MaxRecordsPerDrain:   50,
		AttemptWarnThreshold: 3,
	})
	assert.Nil(err)
	return uut
}

func TestSyncEngineDrainBatches(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	utCtx := context.Background()

	server := fakeremote.NewServer()
	defer server.Close()
	server.SetCallDelay(time.Millisecond * 20)

	client, err := remote.NewClient(remote.ClientParams{BaseURL: server.URL})
	assert.Nil(err)

	store := newTestQueue(t)
	surveyID := uuid.NewString()
	submissions := enqueue(t, store, surveyID, 25)

	uut := newTestEngine(t, store, client, newOnline(), nil, 4)

	result, err := uut.Drain(utCtx)
	assert.Nil(err)
	assert.Equal(25, result.SuccessCount)
	assert.Equal(0, result.ErrorCount)
	assert.Len(result.Details, 25)
	for _, detail := range result.Details {
		assert.True(detail.Success)
		assert.NotEmpty(detail.InterviewID)
		assert.Equal(1, detail.Attempts)
	}

	// never more than one batch in flight
	assert.LessOrEqual(server.MaxInFlight(), 4)
	assert.Greater(server.MaxInFlight(), 1)

	// synced records are removed
	counts, err := store.CountsByStatus(utCtx)
	assert.Nil(err)
	assert.Equal(models.SyncStatusCounts{}, counts)
	pending, err := store.ListPending(utCtx, 100)
	assert.Nil(err)
	assert.Empty(pending)
	for _, submission := range submissions {
		_, err := store.GetSubmission(utCtx, submission.ID)
		assert.ErrorIs(err, queue.ErrRecordNotFound)
	}

	interviews := server.Interviews()
	assert.Len(interviews, 25)
	for _, interview := range interviews {
		assert.True(interview.Completed)
		assert.Len(interview.Responses, 2)
		assert.Nil(interview.Latitude)
		assert.Equal("no GPS fix indoors", *interview.LocationJustification)
	}

	// Nothing left
	result, err = uut.Drain(utCtx)
	assert.Nil(err)
	assert.Equal(syncer.DrainResult{Details: []syncer.RecordResult{}}, result)
}

func TestSyncEngineLoadLimit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	utCtx := context.Background()

	server := fakeremote.NewServer()
	defer server.Close()

	client, err := remote.NewClient(remote.ClientParams{BaseURL: server.URL})
	assert.Nil(err)

	store := newTestQueue(t)
	enqueue(t, store, uuid.NewString(), 60)

	uut := newTestEngine(t, store, client, newOnline(), nil, 10)

	result, err := uut.Drain(utCtx)
	assert.Nil(err)
	assert.Equal(50, result.SuccessCount)
	counts, err := store.CountsByStatus(utCtx)
	assert.Nil(err)
	assert.Equal(10, counts.Pending)

	result, err = uut.Drain(utCtx)
	assert.Nil(err)
	assert.Equal(10, result.SuccessCount)
}

func TestSyncEngineSingleFlight(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	utCtx := context.Background()

	server := fakeremote.NewServer()
	defer server.Close()
	server.SetCallDelay(time.Millisecond * 100)

	client, err := remote.NewClient(remote.ClientParams{BaseURL: server.URL})
	assert.Nil(err)

	store := newTestQueue(t)
	enqueue(t, store, uuid.NewString(), 5)

	online := newOnline()
	uut := newTestEngine(t, store, client, online, nil, 10)

	// Offline: nothing happens
	online.online.Store(false)
	result, err := uut.Drain(utCtx)
	assert.Nil(err)
	assert.Equal(0, result.SuccessCount+result.ErrorCount)
	assert.Equal(0, server.CreateCalls())
	online.online.Store(true)

	wg := sync.WaitGroup{}
	var first syncer.DrainResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		first, err = uut.Drain(utCtx)
		assert.Nil(err)
	}()

	assert.Eventually(uut.IsSyncing, time.Second, time.Millisecond*5)

	second, err := uut.Drain(utCtx)
	assert.Nil(err)
	assert.Equal(0, second.SuccessCount+second.ErrorCount)
	assert.Empty(second.Details)

	wg.Wait()
	assert.False(uut.IsSyncing())
	assert.Equal(5, first.SuccessCount)
	// No submission was sent twice
	assert.Equal(5, server.CreateCalls())
	assert.Len(server.Interviews(), 5)
}

func TestSyncEngineRetryAfterError(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	utCtx := context.Background()

	server := fakeremote.NewServer()
	defer server.Close()

	client, err := remote.NewClient(remote.ClientParams{BaseURL: server.URL})
	assert.Nil(err)

	store := newTestQueue(t)
	submissions := enqueue(t, store, uuid.NewString(), 3)

	uut := newTestEngine(t, store, client, newOnline(), nil, 10)

	server.FailCreate(http.StatusServiceUnavailable)
	for attempt := 1; attempt <= 3; attempt++ {
		result, err := uut.Drain(utCtx)
		assert.Nil(err)
		assert.Equal(0, result.SuccessCount)
		assert.Equal(3, result.ErrorCount)
		for _, detail := range result.Details {
			assert.Equal(attempt, detail.Attempts)
			assert.Contains(detail.Error, "503")
			assert.Empty(detail.InterviewID)
		}
	}

	counts, err := store.CountsByStatus(utCtx)
	assert.Nil(err)
	assert.Equal(models.SyncStatusCounts{Errors: 3}, counts)

	// errored records are picked up again without manual intervention
	pending, err := store.ListPending(utCtx, 10)
	assert.Nil(err)
	assert.Len(pending, 3)
	stored, err := store.GetSubmission(utCtx, submissions[0].ID)
	assert.Nil(err)
	assert.NotNil(stored.Metadata.ErrorMessage)

	server.FailCreate(0)
	result, err := uut.Drain(utCtx)
	assert.Nil(err)
	assert.Equal(3, result.SuccessCount)
	counts, err = store.CountsByStatus(utCtx)
	assert.Nil(err)
	assert.Equal(models.SyncStatusCounts{}, counts)
}

func TestSyncEnginePartialTwoPhaseFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	utCtx := context.Background()

	server := fakeremote.NewServer()
	defer server.Close()

	client, err := remote.NewClient(remote.ClientParams{BaseURL: server.URL})
	assert.Nil(err)

	store := newTestQueue(t)
	submissions := enqueue(t, store, uuid.NewString(), 1)

	uut := newTestEngine(t, store, client, newOnline(), nil, 10)

	// Phase one succeeds, phase two fails
	server.FailResponses(http.StatusInternalServerError)
	result, err := uut.Drain(utCtx)
	assert.Nil(err)
	assert.Equal(1, result.ErrorCount)
	assert.NotEmpty(result.Details[0].InterviewID)

	stored, err := store.GetSubmission(utCtx, submissions[0].ID)
	assert.Nil(err)
	assert.Equal(models.SyncStatusError, stored.Metadata.SyncStatus)
	assert.NotNil(stored.Metadata.ErrorMessage)
	assert.Contains(*stored.Metadata.ErrorMessage, "500")
	assert.Equal(1, stored.Metadata.SyncAttempts)

	interviews := server.Interviews()
	assert.Len(interviews, 1)
	assert.False(interviews[0].Completed)

	// The retry creates a second remote interview
	server.FailResponses(0)
	result, err = uut.Drain(utCtx)
	assert.Nil(err)
	assert.Equal(1, result.SuccessCount)
	assert.NotEqual(interviews[0].ID, result.Details[0].InterviewID)

	interviews = server.Interviews()
	assert.Len(interviews, 2)
	assert.False(interviews[0].Completed)
	assert.True(interviews[1].Completed)
	assert.Equal(2, server.CreateCalls())
}

func TestSyncEngineOptionDerandomization(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	utCtx := context.Background()

	server := fakeremote.NewServer()
	defer server.Close()

	client, err := remote.NewClient(remote.ClientParams{BaseURL: server.URL})
	assert.Nil(err)

	store := newTestQueue(t)
	surveyMirror := mirror.NewSurveyMirror(store, client, 1)

	surveyID := uuid.NewString()
	options := []string{"well", "river", "piped", "rain", "truck"}
	server.AddSurvey(remote.Survey{ID: surveyID, Title: "water"}, []remote.Question{
		{
			ID:               "q-source",
			Position:         0,
			QuestionText:     "Water source?",
			QuestionType:     "single_choice",
			Options:          options,
			RandomizeOptions: true,
		},
		{
			ID:           "q-fixed",
			Position:     1,
			QuestionText: "Treated?",
			QuestionType: "single_choice",
			Options:      []string{"yes", "no"},
		},
		{ID: "q-note", Position: 2, QuestionText: "Notes", QuestionType: "text"},
	})
	_, err = surveyMirror.Refresh(utCtx)
	assert.Nil(err)

	seed := int64(987654321)
	shown := 3
	order := models.DisplayedOptionOrder(seed, "q-source", len(options))
	fixedPick := 1
	submission := models.Submission{
		ID:       models.NewSubmissionID(),
		SurveyID: surveyID,
		Responses: []models.Response{
			{QuestionID: "q-source", ResponseText: "as shown", DisplayedOptionIndex: &shown},
			{QuestionID: "q-fixed", ResponseText: "as shown", DisplayedOptionIndex: &fixedPick},
			{QuestionID: "q-note", ResponseText: "clear water"},
		},
		Location: &models.Location{Latitude: 1.5, Longitude: 2.5, CapturedAt: time.Now().UTC()},
		Metadata: models.SubmissionMetadata{CollectedAt: time.Now().UTC(), RandomizationSeed: seed},
	}
	assert.Nil(store.SaveSubmission(utCtx, submission))

	uut := newTestEngine(t, store, client, newOnline(), surveyMirror, 10)
	result, err := uut.Drain(utCtx)
	assert.Nil(err)
	assert.Equal(1, result.SuccessCount)

	interviews := server.Interviews()
	assert.Len(interviews, 1)
	assert.Equal(1.5, *interviews[0].Latitude)
	assert.Nil(interviews[0].LocationJustification)
	assert.Equal(
		[]remote.ResponseEntry{
			{QuestionID: "q-source", ResponseText: options[order[shown]]},
			{QuestionID: "q-fixed", ResponseText: "no"},
			{QuestionID: "q-note", ResponseText: "clear water"},
		},
		interviews[0].Responses,
	)
}

func TestSyncEngineForceSync(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	utCtx := context.Background()

	store := newTestQueue(t)
	wedgedSurvey := uuid.NewString()
	otherSurvey := uuid.NewString()
	enqueue(t, store, wedgedSurvey, 1)

	mockClient := mockremote.NewClient(t)
	release := make(chan struct{})
	mockClient.On(
		"CreateInterview",
		mock.Anything,
		mock.MatchedBy(func(req remote.CreateInterviewRequest) bool {
			return req.SurveyID == wedgedSurvey
		}),
	).Run(func(_ mock.Arguments) {
		<-release
	}).Return(remote.Interview{ID: "wedged"}, nil).Once()
	mockClient.On(
		"CreateInterview",
		mock.Anything,
		mock.MatchedBy(func(req remote.CreateInterviewRequest) bool {
			return req.SurveyID == otherSurvey
		}),
	).Return(remote.Interview{ID: "forced"}, nil).Once()
	mockClient.On("SubmitResponses", mock.Anything, "forced", mock.Anything).Return(nil).Once()
	mockClient.On("SubmitResponses", mock.Anything, "wedged", mock.Anything).Return(nil).Once()

	uut := newTestEngine(t, store, mockClient, newOnline(), nil, 10)

	wg := sync.WaitGroup{}
	var wedged syncer.DrainResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		wedged, _ = uut.Drain(utCtx)
	}()
	assert.Eventually(uut.IsSyncing, time.Second, time.Millisecond*5)

	// A regular drain is refused
	enqueue(t, store, otherSurvey, 1)
	refused, err := uut.Drain(utCtx)
	assert.Nil(err)
	assert.Empty(refused.Details)

	// A forced drain goes through, and only picks up records not already in flight
	forced, err := uut.ForceSync(utCtx)
	assert.Nil(err)
	assert.Equal(1, forced.SuccessCount)
	assert.Equal("forced", forced.Details[0].InterviewID)

	// The forced drain released the guard it took over
	assert.False(uut.IsSyncing())

	close(release)
	wg.Wait()
	assert.Equal(1, wedged.SuccessCount)
	assert.Equal("wedged", wedged.Details[0].InterviewID)
	assert.False(uut.IsSyncing())

	counts, err := store.CountsByStatus(utCtx)
	assert.Nil(err)
	assert.Equal(models.SyncStatusCounts{}, counts)
}

func TestSyncEngineCancelledMidDrain(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	utCtx := context.Background()

	store := newTestQueue(t)
	submissions := enqueue(t, store, uuid.NewString(), 1)

	mockClient := mockremote.NewClient(t)
	uut := newTestEngine(t, store, mockClient, newOnline(), nil, 10)

	// Caller goes away while the interview is being created
	firstCtx, firstCancel := context.WithCancel(utCtx)
	defer firstCancel()
	mockClient.On("CreateInterview", mock.Anything, mock.Anything).
		Run(func(_ mock.Arguments) {
			firstCancel()
		}).
		Return(remote.Interview{}, context.Canceled).
		Once()

	result, err := uut.ForceSync(firstCtx)
	assert.Nil(err)
	assert.Equal(0, result.SuccessCount)
	assert.Equal(1, result.ErrorCount)
	assert.Equal(1, result.Details[0].Attempts)
	assert.False(uut.IsSyncing())

	// The failure is recorded, and the submission stays eligible
	stored, err := store.GetSubmission(utCtx, submissions[0].ID)
	assert.Nil(err)
	assert.Equal(models.SyncStatusError, stored.Metadata.SyncStatus)
	assert.Equal(1, stored.Metadata.SyncAttempts)
	pending, err := store.ListPending(utCtx, 10)
	assert.Nil(err)
	assert.Len(pending, 1)

	// Caller goes away after both phases were accepted
	secondCtx, secondCancel := context.WithCancel(utCtx)
	defer secondCancel()
	mockClient.On("CreateInterview", mock.Anything, mock.Anything).
		Return(remote.Interview{ID: "retried"}, nil).
		Once()
	mockClient.On("SubmitResponses", mock.Anything, "retried", mock.Anything).
		Run(func(_ mock.Arguments) {
			secondCancel()
		}).
		Return(nil).
		Once()

	result, err = uut.Drain(secondCtx)
	assert.Nil(err)
	assert.Equal(1, result.SuccessCount)
	assert.Equal(2, result.Details[0].Attempts)

	// Recorded as synced and removed, so it is never sent again
	_, err = store.GetSubmission(utCtx, submissions[0].ID)
	assert.ErrorIs(err, queue.ErrRecordNotFound)
	counts, err := store.CountsByStatus(utCtx)
	assert.Nil(err)
	assert.Equal(models.SyncStatusCounts{}, counts)

	result, err = uut.Drain(utCtx)
	assert.Nil(err)
	assert.Empty(result.Details)
}

// claimingQueue claims the first listed submission on behalf of another drain, once
type claimingQueue struct {
	queue.OfflineQueue
	claimed string
}

func (q *claimingQueue) ListPending(ctx context.Context, limit int) ([]models.Submission, error) {
	listed, err := q.OfflineQueue.ListPending(ctx, limit)
	if err != nil || len(listed) == 0 || q.claimed != "" {
		return listed, err
	}
	if _, err := q.OfflineQueue.UpdateSyncStatus(
		ctx, listed[0].ID, models.SyncStatusSyncing, nil,
	); err != nil {
		return nil, err
	}
	q.claimed = listed[0].ID
	return listed, nil
}

func TestSyncEngineSkipsClaimedRecords(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	utCtx := context.Background()

	server := fakeremote.NewServer()
	defer server.Close()

	client, err := remote.NewClient(remote.ClientParams{BaseURL: server.URL})
	assert.Nil(err)

	store := &claimingQueue{OfflineQueue: newTestQueue(t)}
	enqueue(t, store, uuid.NewString(), 3)

	uut := newTestEngine(t, store, client, newOnline(), nil, 10)

	result, err := uut.Drain(utCtx)
	assert.Nil(err)
	assert.Equal(2, result.SuccessCount)
	assert.Equal(0, result.ErrorCount)
	assert.Equal(1, result.SkippedCount)
	assert.Len(result.Details, 3)
	for _, detail := range result.Details {
		if detail.SubmissionID == store.claimed {
			assert.True(detail.Skipped)
			assert.False(detail.Success)
			assert.Empty(detail.Error)
		} else {
			assert.True(detail.Success)
		}
	}
	assert.Equal(2, server.CreateCalls())

	// Left untouched for the drain that owns it
	stored, err := store.GetSubmission(utCtx, store.claimed)
	assert.Nil(err)
	assert.Equal(models.SyncStatusSyncing, stored.Metadata.SyncStatus)
	assert.Equal(0, stored.Metadata.SyncAttempts)
	assert.Nil(stored.Metadata.ErrorMessage)
}
