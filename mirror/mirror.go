// Package mirror - offline cache of server side surveys
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/fieldsync/db"
	"github.com/alwitt/fieldsync/models"
	"github.com/alwitt/fieldsync/remote"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrSurveyNotCached the survey has not been mirrored to this device
var ErrSurveyNotCached = errors.New("survey not cached")

// Store provides the persistence client of the local store
type Store interface {
	Persistence(ctx context.Context) (db.Client, error)
}

// SurveyMirror offline cache of server side surveys and their questions
type SurveyMirror interface {
	/*
		Refresh fetch every survey available to the device and replace its cached copy.
		Surveys which failed to fetch keep their previous cached copy.

			@param ctx context.Context - execution context
			@returns number of surveys refreshed
	*/
	Refresh(ctx context.Context) (int, error)

	/*
		RefreshSurvey fetch one survey and replace its cached copy

			@param ctx context.Context - execution context
			@param surveyID string - the survey
	*/
	RefreshSurvey(ctx context.Context, surveyID string) error

	/*
		ListSurveys list the cached surveys

			@param ctx context.Context - execution context
			@returns the surveys
	*/
	ListSurveys(ctx context.Context) ([]models.CachedSurvey, error)

	/*
		GetSurvey read a cached survey and its questions in display order

			@param ctx context.Context - execution context
			@param surveyID string - the survey
			@returns the survey and its questions
	*/
	GetSurvey(ctx context.Context, surveyID string) (models.CachedSurvey, []models.CachedQuestion, error)
}

// surveyMirror implements SurveyMirror
type surveyMirror struct {
	goutils.Component

	store  Store
	client remote.Client
	// fetchParallelism max number of surveys fetched at once during a full refresh
	fetchParallelism int
	now              func() time.Time
}

/*
NewSurveyMirror define a new survey mirror

	@param store Store - the local store
	@param client remote.Client - remote API client
	@param fetchParallelism int - max number of surveys fetched at once
	@returns mirror instance
*/
func NewSurveyMirror(store Store, client remote.Client, fetchParallelism int) SurveyMirror {
	if fetchParallelism <= 0 {
		fetchParallelism = 1
	}
	return &surveyMirror{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "mirror", "component": "survey-mirror"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		store:            store,
		client:           client,
		fetchParallelism: fetchParallelism,
		now:              time.Now,
	}
}

// fetchedSurvey one survey as fetched from the remote
type fetchedSurvey struct {
	survey    remote.Survey
	questions []remote.Question
}

// convert translate the fetched survey into cache entries
func (m *surveyMirror) convert(
	ctx context.Context, fetched fetchedSurvey,
) (models.CachedSurvey, []models.CachedQuestion, error) {
	survey := models.CachedSurvey{
		ID:          fetched.survey.ID,
		Title:       fetched.survey.Title,
		Description: fetched.survey.Description,
		FetchedAt:   m.now().UTC(),
	}
	if len(fetched.survey.Raw) > 0 && json.Valid(fetched.survey.Raw) {
		survey.Document = datatypes.JSON(fetched.survey.Raw)
	}

	questions := make([]models.CachedQuestion, 0, len(fetched.questions))
	for _, question := range fetched.questions {
		questionType := models.QuestionTypeENUMType(question.QuestionType)
		switch questionType {
		case models.QuestionTypeText,
			models.QuestionTypeNumber,
			models.QuestionTypeSingleChoice,
			models.QuestionTypeMultipleChoice:
		default:
			log.WithFields(m.GetLogTagsForContext(ctx)).
				WithField("question_id", question.ID).
				WithField("question_type", question.QuestionType).
				Warn("Unknown question type, caching as free text")
			questionType = models.QuestionTypeText
		}

		entry := models.CachedQuestion{
			ID:           question.ID,
			SurveyID:     fetched.survey.ID,
			Position:     question.Position,
			QuestionText: question.QuestionText,
			QuestionType: questionType,
			Randomize:    question.RandomizeOptions,
		}
		if len(question.Options) > 0 {
			options, err := json.Marshal(question.Options)
			if err != nil {
				return models.CachedSurvey{}, nil, fmt.Errorf(
					"question %s options not serializable [%w]", question.ID, err,
				)
			}
			entry.Options = datatypes.JSON(options)
		}
		questions = append(questions, entry)
	}

	return survey, questions, nil
}

// fetch pull one survey with its questions from the remote
func (m *surveyMirror) fetch(ctx context.Context, surveyID string) (fetchedSurvey, error) {
	survey, err := m.client.GetSurvey(ctx, surveyID)
	if err != nil {
		return fetchedSurvey{}, err
	}
	questions, err := m.client.GetSurveyQuestions(ctx, surveyID)
	if err != nil {
		return fetchedSurvey{}, err
	}
	return fetchedSurvey{survey: survey, questions: questions}, nil
}

// write replace the cached copy of one survey
func (m *surveyMirror) write(ctx context.Context, fetched fetchedSurvey) error {
	survey, questions, err := m.convert(ctx, fetched)
	if err != nil {
		return err
	}

	persistence, err := m.store.Persistence(ctx)
	if err != nil {
		return err
	}
	return persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			if _, err := dbClient.UpsertSurvey(dbCtx, survey); err != nil {
				return err
			}
			return dbClient.ReplaceSurveyQuestions(dbCtx, survey.ID, questions)
		},
	)
}

func (m *surveyMirror) RefreshSurvey(ctx context.Context, surveyID string) error {
	fetched, err := m.fetch(ctx, surveyID)
	if err != nil {
		return fmt.Errorf("failed to fetch survey %s [%w]", surveyID, err)
	}
	if err := m.write(ctx, fetched); err != nil {
		return fmt.Errorf("failed to cache survey %s [%w]", surveyID, err)
	}
	return nil
}

func (m *surveyMirror) Refresh(ctx context.Context) (int, error) {
	logTags := m.GetLogTagsForContext(ctx)

	surveys, err := m.client.ListSurveys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list remote surveys [%w]", err)
	}

	fetched := make([]*fetchedSurvey, len(surveys))
	fetchErrs := make([]error, len(surveys))
	fetchers, fetchCtx := errgroup.WithContext(ctx)
	fetchers.SetLimit(m.fetchParallelism)
	for idx, survey := range surveys {
		fetchers.Go(func() error {
			entry, err := m.fetch(fetchCtx, survey.ID)
			if err != nil {
				fetchErrs[idx] = err
				return nil
			}
			fetched[idx] = &entry
			return nil
		})
	}
	_ = fetchers.Wait()

	refreshed := 0
	var firstErr error
	for idx, entry := range fetched {
		if entry == nil {
			log.WithError(fetchErrs[idx]).
				WithFields(logTags).
				WithField("survey_id", surveys[idx].ID).
				Warn("Survey fetch failed, keeping cached copy")
			if firstErr == nil {
				firstErr = fetchErrs[idx]
			}
			continue
		}
		if err := m.write(ctx, *entry); err != nil {
			return refreshed, fmt.Errorf("failed to cache survey %s [%w]", entry.survey.ID, err)
		}
		refreshed++
	}

	log.WithFields(logTags).
		WithField("refreshed", refreshed).
		WithField("available", len(surveys)).
		Debug("Survey mirror refreshed")

	if firstErr != nil {
		return refreshed, fmt.Errorf(
			"%d of %d surveys not refreshed [%w]", len(surveys)-refreshed, len(surveys), firstErr,
		)
	}
	return refreshed, nil
}

func (m *surveyMirror) ListSurveys(ctx context.Context) ([]models.CachedSurvey, error) {
	persistence, err := m.store.Persistence(ctx)
	if err != nil {
		return nil, err
	}
	var surveys []models.CachedSurvey
	err = persistence.UseDatabase(ctx, func(dbCtx context.Context, dbClient db.Database) error {
		var err error
		surveys, err = dbClient.ListSurveys(dbCtx, db.CommonListEntryQueryFilter{})
		return err
	})
	return surveys, err
}

func (m *surveyMirror) GetSurvey(
	ctx context.Context, surveyID string,
) (models.CachedSurvey, []models.CachedQuestion, error) {
	persistence, err := m.store.Persistence(ctx)
	if err != nil {
		return models.CachedSurvey{}, nil, err
	}

	var survey models.CachedSurvey
	var questions []models.CachedQuestion
	err = persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			survey, err = dbClient.GetSurvey(dbCtx, surveyID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: %s [%w]", ErrSurveyNotCached, surveyID, err)
				}
				return err
			}
			questions, err = dbClient.ListSurveyQuestions(dbCtx, surveyID)
			return err
		},
	)
	return survey, questions, err
}
