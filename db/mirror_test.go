package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/fieldsync/db"
	"github.com/alwitt/fieldsync/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestDBSurveyMirror(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut := prepareTestDB(t)

	survey := models.CachedSurvey{
		ID:        uuid.NewString(),
		Title:     "Household census",
		FetchedAt: time.Now().UTC(),
	}

	// Write twice, last write wins
	for _, title := range []string{"Household census", "Household census v2"} {
		survey.Title = title
		assert.Nil(uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				_, err := dbClient.UpsertSurvey(ctx, survey)
				return err
			},
		))
	}

	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		all, err := dbClient.ListSurveys(ctx, db.CommonListEntryQueryFilter{})
		assert.Nil(err)
		assert.Len(all, 1)
		assert.Equal("Household census v2", all[0].Title)
		return err
	}))

	questionSet1 := []models.CachedQuestion{
		{
			ID:           uuid.NewString(),
			SurveyID:     survey.ID,
			Position:     1,
			QuestionText: "Pick a color",
			QuestionType: models.QuestionTypeSingleChoice,
			Options:      datatypes.JSON(`["red","green","blue"]`),
			Randomize:    true,
		},
		{
			ID:           uuid.NewString(),
			SurveyID:     survey.ID,
			Position:     0,
			QuestionText: "Name",
			QuestionType: models.QuestionTypeText,
		},
	}
	assert.Nil(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			return dbClient.ReplaceSurveyQuestions(ctx, survey.ID, questionSet1)
		},
	))

	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		questions, err := dbClient.ListSurveyQuestions(ctx, survey.ID)
		assert.Nil(err)
		assert.Len(questions, 2)
		assert.Equal(questionSet1[1].ID, questions[0].ID)
		assert.Equal(questionSet1[0].ID, questions[1].ID)
		options, err := questions[1].OptionList()
		assert.Nil(err)
		assert.Equal([]string{"red", "green", "blue"}, options)
		return err
	}))

	// Replace wholesale
	questionSet2 := []models.CachedQuestion{
		{
			ID:           uuid.NewString(),
			SurveyID:     survey.ID,
			QuestionText: "Age",
			QuestionType: models.QuestionTypeNumber,
		},
	}
	assert.Nil(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			return dbClient.ReplaceSurveyQuestions(ctx, survey.ID, questionSet2)
		},
	))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		questions, err := dbClient.ListSurveyQuestions(ctx, survey.ID)
		assert.Nil(err)
		assert.Len(questions, 1)
		assert.Equal(questionSet2[0].ID, questions[0].ID)
		return err
	}))

	// Question for another survey is rejected
	assert.Error(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			return dbClient.ReplaceSurveyQuestions(ctx, uuid.NewString(), questionSet2)
		},
	))

	// Unknown question type is rejected
	bad := []models.CachedQuestion{
		{ID: uuid.NewString(), SurveyID: survey.ID, QuestionText: "?", QuestionType: "essay"},
	}
	assert.Error(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			return dbClient.ReplaceSurveyQuestions(ctx, survey.ID, bad)
		},
	))
}
