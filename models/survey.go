package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// QuestionTypeENUMType survey question type ENUM type
type QuestionTypeENUMType string

const (
	// QuestionTypeText free text answer
	QuestionTypeText QuestionTypeENUMType = "text"
	// QuestionTypeNumber numeric answer
	QuestionTypeNumber QuestionTypeENUMType = "number"
	// QuestionTypeSingleChoice pick one of the options
	QuestionTypeSingleChoice QuestionTypeENUMType = "single_choice"
	// QuestionTypeMultipleChoice pick one or more of the options
	QuestionTypeMultipleChoice QuestionTypeENUMType = "multiple_choice"
)

// CachedSurvey offline mirror of a server side survey
type CachedSurvey struct {
	// ID server side survey ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// Title survey title
	Title string `json:"title" gorm:"column:title;not null"`
	// Description survey description
	Description string `json:"description" gorm:"column:description"`
	// Document the survey document exactly as the server returned it
	Document datatypes.JSON `json:"document,omitempty" gorm:"column:document;default:null"`
	// FetchedAt when the mirror was last refreshed
	FetchedAt time.Time `json:"fetched_at" gorm:"column:fetched_at;not null" validate:"required"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// CachedQuestion offline mirror of a server side survey question
type CachedQuestion struct {
	// ID server side question ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// SurveyID parent survey
	SurveyID string `json:"survey_id" gorm:"column:survey_id;not null;index:idx_questions_survey_id" validate:"required"`
	// Position display position within the survey
	Position int `json:"position" gorm:"column:position;not null;default:0"`
	// QuestionText the question
	QuestionText string `json:"question_text" gorm:"column:question_text;not null"`
	// QuestionType the question type
	QuestionType QuestionTypeENUMType `json:"question_type" gorm:"column:question_type;not null" validate:"required,question_type"`
	// Options canonical option order for choice questions, as a JSON list of strings
	Options datatypes.JSON `json:"options,omitempty" gorm:"column:options;default:null"`
	// Randomize whether the options are shuffled on screen
	Randomize bool `json:"randomize" gorm:"column:randomize;not null;default:false"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// OptionList parse the canonical option list
func (q CachedQuestion) OptionList() ([]string, error) {
	if len(q.Options) == 0 {
		return nil, nil
	}
	var options []string
	if err := json.Unmarshal(q.Options, &options); err != nil {
		return nil, fmt.Errorf("question %s options parse failed [%w]", q.ID, err)
	}
	return options, nil
}

// IsChoice whether the question is answered by picking options
func (q CachedQuestion) IsChoice() bool {
	return q.QuestionType == QuestionTypeSingleChoice || q.QuestionType == QuestionTypeMultipleChoice
}
