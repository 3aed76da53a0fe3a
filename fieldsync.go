// Package fieldsync - offline interview capture with background reconciliation
package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/fieldsync/connectivity"
	"github.com/alwitt/fieldsync/db"
	"github.com/alwitt/fieldsync/encryption"
	"github.com/alwitt/fieldsync/mirror"
	"github.com/alwitt/fieldsync/models"
	"github.com/alwitt/fieldsync/queue"
	"github.com/alwitt/fieldsync/remote"
	"github.com/alwitt/fieldsync/status"
	"github.com/alwitt/fieldsync/syncer"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SyncConfig sync scheduling parameters
type SyncConfig struct {
	BatchSize               int           `json:"batch_size" validate:"gte=1"`
	MaxRecordsPerDrain      int           `json:"max_records_per_drain" validate:"gte=1"`
	Debounce                time.Duration `json:"debounce" validate:"gte=0"`
	PeriodicInterval        time.Duration `json:"periodic_interval" validate:"gt=0"`
	CleanupInterval         time.Duration `json:"cleanup_interval" validate:"gte=0"`
	SyncedRetention         time.Duration `json:"synced_retention" validate:"gte=0"`
	AttemptWarnThreshold    int           `json:"attempt_warn_threshold" validate:"gte=0"`
	RefreshMirrorAfterDrain bool          `json:"refresh_mirror_after_drain"`
	MirrorFetchParallelism  int           `json:"mirror_fetch_parallelism" validate:"gte=1"`
}

// ServiceParams offline sync service parameters
type ServiceParams struct {
	// Dialector GORM dialector of the local store
	Dialector gorm.Dialector `validate:"required"`
	// SQLLogLevel SQL log level
	SQLLogLevel logger.LogLevel
	// DeviceRSACertFile optional device RSA certificate; payloads are sealed when both files are set
	DeviceRSACertFile string
	// DeviceRSAKeyFile optional device RSA private key
	DeviceRSAKeyFile string
	// Remote remote API client parameters
	Remote remote.ClientParams
	// Sync sync scheduling parameters
	Sync SyncConfig
	// StatusPollInterval interval between status refreshes
	StatusPollInterval time.Duration `validate:"gt=0"`
	// ProbeInterval interval between remote reachability probes; 0 relies on SetOnline only
	ProbeInterval time.Duration `validate:"gte=0"`
	// InitiallyOnline connectivity assumed at start
	InitiallyOnline bool
}

// DefaultServiceParams service parameters with the standard scheduling values
func DefaultServiceParams() ServiceParams {
	return ServiceParams{
		SQLLogLevel: logger.Error,
		Remote: remote.ClientParams{
			Timeout:    time.Second * 30,
			RetryCount: 0,
		},
		Sync: SyncConfig{
			BatchSize:               10,
			MaxRecordsPerDrain:      50,
			Debounce:                time.Second * 2,
			PeriodicInterval:        time.Minute * 5,
			CleanupInterval:         time.Hour * 24,
			SyncedRetention:         time.Hour * 24 * 30,
			AttemptWarnThreshold:    10,
			RefreshMirrorAfterDrain: true,
			MirrorFetchParallelism:  4,
		},
		StatusPollInterval: time.Second * 10,
		ProbeInterval:      time.Second * 15,
	}
}

// InterviewInput one interview captured by the UI
type InterviewInput struct {
	SurveyID              string            `json:"survey_id"`
	InterviewerID         string            `json:"interviewer_id"`
	Responses             []models.Response `json:"responses"`
	Location              *models.Location  `json:"location,omitempty"`
	LocationJustification string            `json:"location_justification,omitempty"`
	DeviceInfo            string            `json:"device_info"`
	RandomizationSeed     int64             `json:"randomization_seed"`
}

// OfflineSyncService owns the offline queue and everything that reconciles it with the
// remote survey API
type OfflineSyncService struct {
	goutils.Component

	store      queue.OfflineQueue
	client     remote.Client
	mirror     mirror.SurveyMirror
	engine     syncer.SyncEngine
	monitor    connectivity.Monitor
	controller *connectivity.Controller
	reporter   *status.Reporter

	lock    sync.Mutex
	running bool
}

// encryptedSealer payload sealer backed by the device RSA key pair
func encryptedSealer(certFile, keyFile string) queue.SealerFactory {
	return func(ctx context.Context, persistence db.Client) (queue.PayloadSealer, error) {
		engine, err := encryption.NewCryptographyEngine(ctx, encryption.CryptographyEngineParams{
			Persistence:       persistence,
			DeviceRSACertFile: certFile,
			DeviceRSAKeyFile:  keyFile,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize cryptography engine [%w]", err)
		}
		sealer, err := encryption.NewPayloadSealer(ctx, persistence, engine)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize payload sealer [%w]", err)
		}
		return sealer, nil
	}
}

/*
NewOfflineSyncService define the offline sync service. The local store is opened by Start.

	@param params ServiceParams - service parameters
	@returns service instance
*/
func NewOfflineSyncService(params ServiceParams) (*OfflineSyncService, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid offline sync service parameters [%w]", err)
	}
	if (params.DeviceRSACertFile == "") != (params.DeviceRSAKeyFile == "") {
		return nil, fmt.Errorf("device RSA certificate and key must be provided together")
	}

	queueParams := queue.OfflineQueueParams{
		Dialector: params.Dialector, SQLLogLevel: params.SQLLogLevel,
	}
	if params.DeviceRSACertFile != "" {
		queueParams.Sealer = encryptedSealer(params.DeviceRSACertFile, params.DeviceRSAKeyFile)
	}
	store, err := queue.NewOfflineQueue(queueParams)
	if err != nil {
		return nil, fmt.Errorf("failed to define offline queue [%w]", err)
	}

	client, err := remote.NewClient(params.Remote)
	if err != nil {
		return nil, fmt.Errorf("failed to define remote API client [%w]", err)
	}

	surveyMirror := mirror.NewSurveyMirror(store, client, params.Sync.MirrorFetchParallelism)

	monitorParams := connectivity.MonitorParams{InitiallyOnline: params.InitiallyOnline}
	if params.ProbeInterval > 0 {
		monitorParams.Prober = client
		monitorParams.ProbeInterval = params.ProbeInterval
	}
	monitor := connectivity.NewMonitor(monitorParams)

	engine, err := syncer.NewSyncEngine(syncer.EngineParams{
		Queue:                   store,
		Client:                  client,
		Connectivity:            monitor,
		Mirror:                  surveyMirror,
		BatchSize:               params.Sync.BatchSize,
		MaxRecordsPerDrain:      params.Sync.MaxRecordsPerDrain,
		AttemptWarnThreshold:    params.Sync.AttemptWarnThreshold,
		RefreshMirrorAfterDrain: params.Sync.RefreshMirrorAfterDrain,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to define sync engine [%w]", err)
	}

	controller, err := connectivity.NewController(connectivity.ControllerParams{
		Engine:           engine,
		Monitor:          monitor,
		Cleaner:          store,
		Debounce:         params.Sync.Debounce,
		PeriodicInterval: params.Sync.PeriodicInterval,
		CleanupInterval:  params.Sync.CleanupInterval,
		SyncedRetention:  params.Sync.SyncedRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to define sync controller [%w]", err)
	}

	reporter, err := status.NewReporter(status.ReporterParams{
		Counts:       store,
		Connectivity: monitor,
		Activity:     engine,
		PollInterval: params.StatusPollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to define status reporter [%w]", err)
	}

	return &OfflineSyncService{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "fieldsync", "component": "offline-sync-service"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		store:      store,
		client:     client,
		mirror:     surveyMirror,
		engine:     engine,
		monitor:    monitor,
		controller: controller,
		reporter:   reporter,
	}, nil
}

/*
Start open the local store and start the background scheduling

	@param ctx context.Context - execution context
*/
func (s *OfflineSyncService) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.running {
		return fmt.Errorf("offline sync service already started")
	}

	if err := s.store.Initialize(ctx); err != nil {
		return err
	}
	if err := s.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connectivity monitor [%w]", err)
	}
	if err := s.controller.Start(ctx); err != nil {
		s.monitor.Stop()
		return fmt.Errorf("failed to start sync controller [%w]", err)
	}
	if err := s.reporter.Start(ctx); err != nil {
		s.controller.Stop()
		s.monitor.Stop()
		return fmt.Errorf("failed to start status reporter [%w]", err)
	}
	s.running = true

	log.WithFields(s.GetLogTagsForContext(ctx)).Info("Offline sync service started")
	return nil
}

// Stop stop the background scheduling and release the local store
func (s *OfflineSyncService) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	s.reporter.Stop()
	s.controller.Stop()
	s.monitor.Stop()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close local store [%w]", err)
	}

	log.WithFields(s.LogTags).Info("Offline sync service stopped")
	return nil
}

// Connectivity the connectivity monitor, for platform network events
func (s *OfflineSyncService) Connectivity() connectivity.Monitor {
	return s.monitor
}

/*
GetSyncStatus current sync status

	@param ctx context.Context - execution context
	@returns the status
*/
func (s *OfflineSyncService) GetSyncStatus(ctx context.Context) (status.Snapshot, error) {
	return s.reporter.Refresh(ctx)
}

/*
SubscribeSyncStatus register a callback invoked whenever the sync status changes

	@param handler status.ChangeHandler - the callback
	@returns function to remove the subscription
*/
func (s *OfflineSyncService) SubscribeSyncStatus(handler status.ChangeHandler) func() {
	return s.reporter.Subscribe(handler)
}

/*
SaveOfflineInterview enqueue a captured interview for transmission

	@param ctx context.Context - execution context
	@param input InterviewInput - the captured interview
	@returns ID of the queued submission
*/
func (s *OfflineSyncService) SaveOfflineInterview(
	ctx context.Context, input InterviewInput,
) (string, error) {
	submission := models.Submission{
		ID:                    models.NewSubmissionID(),
		SurveyID:              input.SurveyID,
		InterviewerID:         input.InterviewerID,
		Responses:             input.Responses,
		Location:              input.Location,
		LocationJustification: input.LocationJustification,
		Metadata: models.SubmissionMetadata{
			CollectedAt:       time.Now().UTC(),
			DeviceInfo:        input.DeviceInfo,
			RandomizationSeed: input.RandomizationSeed,
			SyncStatus:        models.SyncStatusPending,
		},
	}
	if err := s.store.SaveSubmission(ctx, submission); err != nil {
		return "", err
	}

	log.WithFields(s.GetLogTagsForContext(ctx)).
		WithField("submission_id", submission.ID).
		WithField("survey_id", submission.SurveyID).
		Debug("Interview queued")

	if _, err := s.reporter.Refresh(ctx); err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(ctx)).Warn("Status refresh failed")
	}
	return submission.ID, nil
}

/*
GetSubmission fetch one queued submission

	@param ctx context.Context - execution context
	@param submissionID string - the submission ID
	@returns the submission
*/
func (s *OfflineSyncService) GetSubmission(
	ctx context.Context, submissionID string,
) (models.Submission, error) {
	return s.store.GetSubmission(ctx, submissionID)
}

/*
ForceSync drain the queue now, without waiting for the next scheduled window

	@param ctx context.Context - execution context
	@returns the drain outcome
*/
func (s *OfflineSyncService) ForceSync(ctx context.Context) (syncer.DrainResult, error) {
	result, err := s.controller.TriggerNow(ctx)
	if err != nil {
		return result, err
	}
	if _, err := s.reporter.Refresh(ctx); err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(ctx)).Warn("Status refresh failed")
	}
	return result, nil
}

/*
RetryErrored return every failed submission to pending

	@param ctx context.Context - execution context
	@returns number of submissions returned to pending
*/
func (s *OfflineSyncService) RetryErrored(ctx context.Context) (int64, error) {
	return s.store.RetryErrored(ctx)
}

/*
ClearSubmission discard a queued submission

	@param ctx context.Context - execution context
	@param submissionID string - the submission ID
*/
func (s *OfflineSyncService) ClearSubmission(ctx context.Context, submissionID string) error {
	return s.store.DeleteSubmission(ctx, submissionID)
}

/*
RotatePayloadKey seal newly queued payloads with a fresh device key. Submissions already
queued stay readable.

	@param ctx context.Context - execution context
	@returns ID of the new key
*/
func (s *OfflineSyncService) RotatePayloadKey(ctx context.Context) (string, error) {
	return s.store.RotatePayloadKey(ctx)
}

/*
RefreshSurveys refresh the offline survey mirror from the remote

	@param ctx context.Context - execution context
	@returns number of surveys refreshed
*/
func (s *OfflineSyncService) RefreshSurveys(ctx context.Context) (int, error) {
	return s.mirror.Refresh(ctx)
}

/*
ListSurveys list the surveys available offline

	@param ctx context.Context - execution context
	@returns the cached surveys
*/
func (s *OfflineSyncService) ListSurveys(ctx context.Context) ([]models.CachedSurvey, error) {
	return s.mirror.ListSurveys(ctx)
}

/*
GetSurvey fetch a survey and its questions from the offline mirror

	@param ctx context.Context - execution context
	@param surveyID string - the survey ID
	@returns the survey and its questions in display order
*/
func (s *OfflineSyncService) GetSurvey(
	ctx context.Context, surveyID string,
) (models.CachedSurvey, []models.CachedQuestion, error) {
	return s.mirror.GetSurvey(ctx, surveyID)
}
