// Package fakeremote - in-memory stand-in for the remote survey API, for tests
package fakeremote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/alwitt/fieldsync/remote"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
)

// StoredInterview an interview as the fake server holds it
type StoredInterview struct {
	remote.CreateInterviewRequest
	ID        string
	Responses []remote.ResponseEntry
	Completed bool
}

// Server fake remote survey API
type Server struct {
	*httptest.Server

	lock sync.Mutex

	surveys   map[string]remote.Survey
	questions map[string][]remote.Question

	interviews     map[string]*StoredInterview
	interviewOrder []string

	// failure injection; a status of 0 means the call succeeds
	createFailStatus    int
	responsesFailStatus int

	// interview call delay, so concurrency can be observed
	callDelay   time.Duration
	inFlight    int
	maxInFlight int
	createCalls int
}

// NewServer start a new fake remote API server
func NewServer() *Server {
	s := &Server{
		surveys:    map[string]remote.Survey{},
		questions:  map[string][]remote.Question{},
		interviews: map[string]*StoredInterview{},
	}

	router := chi.NewRouter()
	router.Head("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Route("/interviews", func(r chi.Router) {
		r.Post("/", s.createInterview)
		r.Post("/{interviewID}/responses", s.submitResponses)
	})
	router.Route("/surveys", func(r chi.Router) {
		r.Get("/", s.listSurveys)
		r.Get("/{surveyID}", s.getSurvey)
		r.Get("/{surveyID}/questions", s.getSurveyQuestions)
	})

	s.Server = httptest.NewServer(router)
	return s
}

// AddSurvey add a survey and its questions
func (s *Server) AddSurvey(survey remote.Survey, questions []remote.Question) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.surveys[survey.ID] = survey
	s.questions[survey.ID] = questions
}

// FailCreate make interview creation return this status; 0 to succeed
func (s *Server) FailCreate(status int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.createFailStatus = status
}

// FailResponses make response submission return this status; 0 to succeed
func (s *Server) FailResponses(status int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.responsesFailStatus = status
}

// SetCallDelay delay every interview call
func (s *Server) SetCallDelay(delay time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.callDelay = delay
}

// MaxInFlight the highest number of interview calls observed in flight at once
func (s *Server) MaxInFlight() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.maxInFlight
}

// CreateCalls number of interview creation calls received
func (s *Server) CreateCalls() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.createCalls
}

// Interviews the stored interviews in creation order
func (s *Server) Interviews() []StoredInterview {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := []StoredInterview{}
	for _, id := range s.interviewOrder {
		result = append(result, *s.interviews[id])
	}
	return result
}

// enterCall track an in-flight interview call
func (s *Server) enterCall() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	return s.callDelay
}

func (s *Server) leaveCall() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.inFlight--
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": message})
}

func (s *Server) createInterview(w http.ResponseWriter, r *http.Request) {
	time.Sleep(s.enterCall())
	defer s.leaveCall()

	var request remote.CreateInterviewRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.createCalls++
	if s.createFailStatus != 0 {
		writeError(w, r, s.createFailStatus, "interview creation rejected")
		return
	}
	if _, ok := s.surveys[request.SurveyID]; !ok && len(s.surveys) > 0 {
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("survey %s unknown", request.SurveyID))
		return
	}

	entry := &StoredInterview{CreateInterviewRequest: request, ID: uuid.NewString()}
	s.interviews[entry.ID] = entry
	s.interviewOrder = append(s.interviewOrder, entry.ID)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, remote.Interview{ID: entry.ID, SurveyID: request.SurveyID})
}

func (s *Server) submitResponses(w http.ResponseWriter, r *http.Request) {
	time.Sleep(s.enterCall())
	defer s.leaveCall()

	interviewID := chi.URLParam(r, "interviewID")

	var request remote.SubmitResponsesRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.responsesFailStatus != 0 {
		writeError(w, r, s.responsesFailStatus, "response submission rejected")
		return
	}
	entry, ok := s.interviews[interviewID]
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("interview %s unknown", interviewID))
		return
	}
	entry.Responses = request.Responses
	entry.Completed = true

	render.JSON(w, r, map[string]string{"id": interviewID})
}

func (s *Server) listSurveys(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := []remote.Survey{}
	for _, survey := range s.surveys {
		result = append(result, survey)
	}
	render.JSON(w, r, result)
}

func (s *Server) getSurvey(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	defer s.lock.Unlock()
	survey, ok := s.surveys[chi.URLParam(r, "surveyID")]
	if !ok {
		writeError(w, r, http.StatusNotFound, "survey unknown")
		return
	}
	render.JSON(w, r, survey)
}

func (s *Server) getSurveyQuestions(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	defer s.lock.Unlock()
	questions, ok := s.questions[chi.URLParam(r, "surveyID")]
	if !ok {
		writeError(w, r, http.StatusNotFound, "survey unknown")
		return
	}
	render.JSON(w, r, questions)
}
