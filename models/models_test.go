package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alwitt/fieldsync/models"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestDisplayedOptionOrder(t *testing.T) {
	assert := assert.New(t)

	assert.Empty(models.DisplayedOptionOrder(5, "q-1", 0))

	order := models.DisplayedOptionOrder(42, "q-1", 6)
	assert.Len(order, 6)
	assert.ElementsMatch([]int{0, 1, 2, 3, 4, 5}, order)

	// Same seed and question always give the same order
	assert.Equal(order, models.DisplayedOptionOrder(42, "q-1", 6))
}

func TestCanonicalOption(t *testing.T) {
	assert := assert.New(t)

	options := []string{"Well", "Piped", "River", "Rain", "Vendor"}
	raw, err := json.Marshal(options)
	assert.Nil(err)

	question := models.CachedQuestion{
		ID:           "q-water",
		QuestionType: models.QuestionTypeSingleChoice,
		Options:      raw,
		Randomize:    true,
	}
	assert.True(question.IsChoice())

	seed := int64(1337)
	order := models.DisplayedOptionOrder(seed, question.ID, len(options))
	for displayed, canonical := range order {
		picked, err := models.CanonicalOption(question, seed, displayed)
		assert.Nil(err)
		assert.Equal(options[canonical], picked)
	}

	_, err = models.CanonicalOption(question, seed, len(options))
	assert.Error(err)
	_, err = models.CanonicalOption(question, seed, -1)
	assert.Error(err)

	// Not shuffled on screen
	question.Randomize = false
	picked, err := models.CanonicalOption(question, seed, 2)
	assert.Nil(err)
	assert.Equal("River", picked)

	// Broken option list
	question.Options = []byte("{")
	_, err = models.CanonicalOption(question, seed, 0)
	assert.Error(err)

	text := models.CachedQuestion{ID: "q-name", QuestionType: models.QuestionTypeText}
	assert.False(text.IsChoice())
}

func TestSubmissionStateTransitions(t *testing.T) {
	assert := assert.New(t)

	type testCase struct {
		from    models.SyncStatusENUMType
		to      models.SyncStatusENUMType
		allowed bool
	}
	testCases := []testCase{
		{models.SyncStatusPending, models.SyncStatusSyncing, true},
		{models.SyncStatusPending, models.SyncStatusSynced, false},
		{models.SyncStatusPending, models.SyncStatusError, false},
		{models.SyncStatusSyncing, models.SyncStatusSynced, true},
		{models.SyncStatusSyncing, models.SyncStatusError, true},
		{models.SyncStatusSyncing, models.SyncStatusPending, true},
		{models.SyncStatusError, models.SyncStatusSyncing, true},
		{models.SyncStatusError, models.SyncStatusPending, true},
		{models.SyncStatusError, models.SyncStatusSynced, false},
		{models.SyncStatusSynced, models.SyncStatusPending, false},
		{models.SyncStatusSynced, models.SyncStatusSyncing, false},
	}
	for _, oneCase := range testCases {
		entry := models.QueuedSubmission{ID: "sub-1", SyncStatus: oneCase.from}
		err := entry.ValidateNextState(oneCase.to)
		if oneCase.allowed {
			assert.Nil(err, "%s -> %s", oneCase.from, oneCase.to)
		} else {
			assert.Error(err, "%s -> %s", oneCase.from, oneCase.to)
		}
	}
}

func TestSubmissionValidation(t *testing.T) {
	assert := assert.New(t)

	validate := validator.New()
	assert.Nil(models.RegisterWithValidator(validate))

	valid := models.Submission{
		ID:        models.NewSubmissionID(),
		SurveyID:  "survey-1",
		Responses: []models.Response{{QuestionID: "q-1", ResponseText: "yes"}},
		Metadata: models.SubmissionMetadata{
			CollectedAt: time.Now().UTC(), SyncStatus: models.SyncStatusPending,
		},
	}
	assert.Nil(validate.Struct(&valid))

	noResponses := valid
	noResponses.Responses = []models.Response{}
	assert.Error(validate.Struct(&noResponses))

	noQuestion := valid
	noQuestion.Responses = []models.Response{{ResponseText: "yes"}}
	assert.Error(validate.Struct(&noQuestion))

	badIndex := valid
	negative := -1
	badIndex.Responses = []models.Response{{QuestionID: "q-1", DisplayedOptionIndex: &negative}}
	assert.Error(validate.Struct(&badIndex))

	badStatus := valid
	badStatus.Metadata.SyncStatus = "lost"
	assert.Error(validate.Struct(&badStatus))

	badLocation := valid
	badLocation.Location = &models.Location{Latitude: 91, Longitude: 0}
	assert.Error(validate.Struct(&badLocation))
}
