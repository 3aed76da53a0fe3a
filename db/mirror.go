package db

import (
	"context"
	"fmt"

	"github.com/alwitt/fieldsync/models"
	"gorm.io/gorm/clause"
)

/*
UpsertSurvey create or replace a cached survey

	@param ctx context.Context - execution context
	@param entry models.CachedSurvey - the survey
	@returns the persisted entry
*/
func (d *databaseImpl) UpsertSurvey(
	_ context.Context, entry models.CachedSurvey,
) (models.CachedSurvey, error) {
	newEntry := SurveyDBEntry{CachedSurvey: entry}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.CachedSurvey{}, fmt.Errorf("survey '%s' is not valid [%w]", entry.ID, err)
	}

	if tmp := d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"title", "description", "document", "fetched_at", "updated_at"},
		),
	}).Create(&newEntry); tmp.Error != nil {
		return models.CachedSurvey{}, fmt.Errorf(
			"survey '%s' cache write failed [%w]", entry.ID, tmp.Error,
		)
	}

	return newEntry.CachedSurvey, nil
}

/*
GetSurvey fetch a cached survey

	@param ctx context.Context - execution context
	@param surveyID string - the survey ID
	@returns the entry
*/
func (d *databaseImpl) GetSurvey(
	_ context.Context, surveyID string,
) (models.CachedSurvey, error) {
	var entry SurveyDBEntry
	if tmp := d.db.Where("id = ?", surveyID).First(&entry); tmp.Error != nil {
		return models.CachedSurvey{}, fmt.Errorf(
			"failed to fetch cached survey %s [%w]", surveyID, tmp.Error,
		)
	}
	return entry.CachedSurvey, nil
}

/*
ListSurveys list cached surveys

	@param ctx context.Context - execution context
	@param filters CommonListEntryQueryFilter - entry listing filter
	@return list of surveys
*/
func (d *databaseImpl) ListSurveys(
	_ context.Context, filters CommonListEntryQueryFilter,
) ([]models.CachedSurvey, error) {
	query := d.db.Model(&SurveyDBEntry{})

	if filters.Limit != nil {
		query = query.Limit(*filters.Limit)
	}
	if filters.Offset != nil {
		query = query.Offset(*filters.Offset)
	}

	query = query.Order("title").Order("id")

	var entries []SurveyDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list cached surveys [%w]", tmp.Error)
	}

	result := []models.CachedSurvey{}
	for _, entry := range entries {
		result = append(result, entry.CachedSurvey)
	}

	return result, nil
}

/*
ReplaceSurveyQuestions replace all cached questions of a survey

	@param ctx context.Context - execution context
	@param surveyID string - the survey ID
	@param questions []models.CachedQuestion - the new question set
*/
func (d *databaseImpl) ReplaceSurveyQuestions(
	_ context.Context, surveyID string, questions []models.CachedQuestion,
) error {
	newEntries := make([]QuestionDBEntry, 0, len(questions))
	for _, question := range questions {
		if question.SurveyID != surveyID {
			return fmt.Errorf(
				"question %s belongs to survey %s, not %s", question.ID, question.SurveyID, surveyID,
			)
		}
		newEntry := QuestionDBEntry{CachedQuestion: question}
		if err := d.validator.Struct(&newEntry); err != nil {
			return fmt.Errorf("question '%s' is not valid [%w]", question.ID, err)
		}
		newEntries = append(newEntries, newEntry)
	}

	if tmp := d.db.Where("survey_id = ?", surveyID).Delete(&QuestionDBEntry{}); tmp.Error != nil {
		return fmt.Errorf("failed to clear cached questions of survey %s [%w]", surveyID, tmp.Error)
	}

	if len(newEntries) == 0 {
		return nil
	}

	if tmp := d.db.Omit(clause.Associations).Create(&newEntries); tmp.Error != nil {
		return fmt.Errorf("failed to cache questions of survey %s [%w]", surveyID, tmp.Error)
	}

	return nil
}

/*
ListSurveyQuestions list the cached questions of a survey in display order

	@param ctx context.Context - execution context
	@param surveyID string - the survey ID
	@return list of questions
*/
func (d *databaseImpl) ListSurveyQuestions(
	_ context.Context, surveyID string,
) ([]models.CachedQuestion, error) {
	var entries []QuestionDBEntry
	if tmp := d.db.
		Where("survey_id = ?", surveyID).
		Order("position").
		Order("id").
		Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list cached questions of survey %s [%w]", surveyID, tmp.Error)
	}

	result := []models.CachedQuestion{}
	for _, entry := range entries {
		result = append(result, entry.CachedQuestion)
	}
	return result, nil
}
