// Package remote - client of the remote survey API
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
)

// ErrRemoteCallFailed a remote API call failed in transport, or was rejected by the server
var ErrRemoteCallFailed = errors.New("remote call failed")

// CreateInterviewRequest phase one of the two-phase submission
type CreateInterviewRequest struct {
	SurveyID              string   `json:"surveyId" validate:"required"`
	Latitude              *float64 `json:"latitude,omitempty"`
	Longitude             *float64 `json:"longitude,omitempty"`
	LocationJustification *string  `json:"locationJustification,omitempty"`
}

// Interview remote interview resource
type Interview struct {
	ID       string `json:"id"`
	SurveyID string `json:"surveyId"`
}

// ResponseEntry one answer as the remote API expects it
type ResponseEntry struct {
	QuestionID   string `json:"questionId"`
	ResponseText string `json:"responseText"`
}

// SubmitResponsesRequest phase two of the two-phase submission
type SubmitResponsesRequest struct {
	Responses []ResponseEntry `json:"responses"`
}

// Survey remote survey resource
type Survey struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	// Raw the survey document as returned by the server
	Raw []byte `json:"-"`
}

// Question remote survey question resource
type Question struct {
	ID               string   `json:"id"`
	SurveyID         string   `json:"surveyId"`
	Position         int      `json:"position"`
	QuestionText     string   `json:"questionText"`
	QuestionType     string   `json:"questionType"`
	Options          []string `json:"options,omitempty"`
	RandomizeOptions bool     `json:"randomizeOptions"`
}

// Client remote survey API client
type Client interface {
	/*
		CreateInterview create a remote interview resource. Every call creates a new resource.

			@param ctx context.Context - execution context
			@param request CreateInterviewRequest - the interview
			@returns the created interview
	*/
	CreateInterview(ctx context.Context, request CreateInterviewRequest) (Interview, error)

	/*
		SubmitResponses post the responses of an interview, completing it

			@param ctx context.Context - execution context
			@param interviewID string - the interview
			@param responses []ResponseEntry - the responses
	*/
	SubmitResponses(ctx context.Context, interviewID string, responses []ResponseEntry) error

	/*
		ListSurveys list the surveys available to this device

			@param ctx context.Context - execution context
			@returns the surveys
	*/
	ListSurveys(ctx context.Context) ([]Survey, error)

	/*
		GetSurvey fetch one survey

			@param ctx context.Context - execution context
			@param surveyID string - the survey
			@returns the survey
	*/
	GetSurvey(ctx context.Context, surveyID string) (Survey, error)

	/*
		GetSurveyQuestions fetch the questions of a survey

			@param ctx context.Context - execution context
			@param surveyID string - the survey
			@returns the questions
	*/
	GetSurveyQuestions(ctx context.Context, surveyID string) ([]Question, error)

	/*
		Ping check whether the remote API can be reached. Any HTTP response counts.

			@param ctx context.Context - execution context
	*/
	Ping(ctx context.Context) error
}

// ClientParams remote API client parameters
type ClientParams struct {
	// BaseURL remote API base URL
	BaseURL string `validate:"required,url"`
	// AuthToken optional bearer token
	AuthToken string
	// Timeout per request timeout. Zero leaves the transport default.
	Timeout time.Duration `validate:"gte=0"`
	// RetryCount transport level retries of failed requests
	RetryCount int `validate:"gte=0"`
	// HTTPClient optional base HTTP client
	HTTPClient *http.Client
}

// restClient implements Client
type restClient struct {
	goutils.Component
	client *resty.Client
}

/*
NewClient define a new remote API client

	@param params ClientParams - client parameters
	@returns client instance
*/
func NewClient(params ClientParams) (Client, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid remote client parameters [%w]", err)
	}

	logTags := log.Fields{"module": "remote", "component": "rest-client", "base_url": params.BaseURL}

	var client *resty.Client
	if params.HTTPClient != nil {
		client = resty.NewWithClient(params.HTTPClient)
	} else {
		client = resty.New()
	}
	client.
		SetBaseURL(params.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetLogger(log.WithFields(logTags)).
		SetRetryCount(params.RetryCount)
	if params.Timeout > 0 {
		client.SetTimeout(params.Timeout)
	}
	if params.AuthToken != "" {
		client.SetAuthToken(params.AuthToken)
	}

	instance := &restClient{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		client: client,
	}

	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		log.WithFields(logTags).
			WithField("method", resp.Request.Method).
			WithField("url", resp.Request.URL).
			WithField("status", resp.StatusCode()).
			WithField("elapsed", resp.Time()).
			Debug("Remote call complete")
		return nil
	})

	return instance, nil
}

// checkResponse convert transport errors and non-2xx responses into ErrRemoteCallFailed
func checkResponse(action string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s [%w]", ErrRemoteCallFailed, action, err)
	}
	if resp.IsError() || resp.StatusCode() >= http.StatusMultipleChoices {
		return fmt.Errorf(
			"%w: %s returned %d [%s]", ErrRemoteCallFailed, action, resp.StatusCode(), resp.String(),
		)
	}
	return nil
}

func (c *restClient) CreateInterview(
	ctx context.Context, request CreateInterviewRequest,
) (Interview, error) {
	if err := validator.New().Struct(&request); err != nil {
		return Interview{}, fmt.Errorf("invalid create interview request [%w]", err)
	}

	var created Interview
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&created).
		Post("/interviews")
	if err := checkResponse("create interview", resp, err); err != nil {
		return Interview{}, err
	}
	if created.ID == "" {
		return Interview{}, fmt.Errorf(
			"%w: create interview returned no interview ID", ErrRemoteCallFailed,
		)
	}

	log.WithFields(c.GetLogTagsForContext(ctx)).
		WithField("interview_id", created.ID).
		WithField("survey_id", request.SurveyID).
		Debug("Created remote interview")
	return created, nil
}

func (c *restClient) SubmitResponses(
	ctx context.Context, interviewID string, responses []ResponseEntry,
) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("interviewID", interviewID).
		SetBody(SubmitResponsesRequest{Responses: responses}).
		Post("/interviews/{interviewID}/responses")
	return checkResponse(fmt.Sprintf("submit interview %s responses", interviewID), resp, err)
}

func (c *restClient) ListSurveys(ctx context.Context) ([]Survey, error) {
	var surveys []Survey
	resp, err := c.client.R().SetContext(ctx).SetResult(&surveys).Get("/surveys")
	if err := checkResponse("list surveys", resp, err); err != nil {
		return nil, err
	}
	return surveys, nil
}

func (c *restClient) GetSurvey(ctx context.Context, surveyID string) (Survey, error) {
	var survey Survey
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("surveyID", surveyID).
		SetResult(&survey).
		Get("/surveys/{surveyID}")
	if err := checkResponse(fmt.Sprintf("get survey %s", surveyID), resp, err); err != nil {
		return Survey{}, err
	}
	survey.Raw = resp.Body()
	return survey, nil
}

func (c *restClient) GetSurveyQuestions(ctx context.Context, surveyID string) ([]Question, error) {
	var questions []Question
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("surveyID", surveyID).
		SetResult(&questions).
		Get("/surveys/{surveyID}/questions")
	if err := checkResponse(
		fmt.Sprintf("get survey %s questions", surveyID), resp, err,
	); err != nil {
		return nil, err
	}
	return questions, nil
}

func (c *restClient) Ping(ctx context.Context) error {
	_, err := c.client.R().SetContext(ctx).Head("/")
	if err != nil {
		return fmt.Errorf("%w: ping [%w]", ErrRemoteCallFailed, err)
	}
	return nil
}
