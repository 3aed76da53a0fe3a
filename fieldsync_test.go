package fieldsync_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alwitt/fieldsync"
	"github.com/alwitt/fieldsync/db"
	"github.com/alwitt/fieldsync/models"
	"github.com/alwitt/fieldsync/queue"
	"github.com/alwitt/fieldsync/remote"
	"github.com/alwitt/fieldsync/remote/fakeremote"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

func testDBFile() string {
	return fmt.Sprintf("/tmp/fieldsync_ut_%s.db", ulid.Make().String())
}

func testServiceParams(dbFile, baseURL string) fieldsync.ServiceParams {
	params := fieldsync.DefaultServiceParams()
	params.Dialector = db.GetSqliteDialector(dbFile)
	params.Remote.BaseURL = baseURL
	params.Sync.Debounce = time.Millisecond * 100
	params.StatusPollInterval = time.Millisecond * 50
	params.ProbeInterval = 0
	return params
}

func threeResponses(surveyID string) fieldsync.InterviewInput {
	return fieldsync.InterviewInput{
		SurveyID:      surveyID,
		InterviewerID: "enumerator-7",
		Responses: []models.Response{
			{QuestionID: "q-1", ResponseText: "Mango"},
			{QuestionID: "q-2", ResponseText: "34"},
			{QuestionID: "q-3", ResponseText: "Piped water"},
		},
		Location: &models.Location{
			Latitude: -6.2, Longitude: 106.8, Accuracy: 12, CapturedAt: time.Now().UTC(),
		},
		DeviceInfo: "field-tablet",
	}
}

func TestOfflineCaptureThenReconnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	server := fakeremote.NewServer()
	defer server.Close()

	uut, err := fieldsync.NewOfflineSyncService(testServiceParams(testDBFile(), server.URL))
	assert.Nil(err)
	assert.Nil(uut.Start(utCtx))
	assert.Error(uut.Start(utCtx))
	defer func() {
		assert.Nil(uut.Stop())
	}()

	surveyID := uuid.NewString()
	submissionID, err := uut.SaveOfflineInterview(utCtx, threeResponses(surveyID))
	assert.Nil(err)
	assert.NotEmpty(submissionID)

	snapshot, err := uut.GetSyncStatus(utCtx)
	assert.Nil(err)
	assert.Equal(1, snapshot.Pending)
	assert.False(snapshot.IsOnline)
	assert.False(snapshot.IsSyncing)

	stored, err := uut.GetSubmission(utCtx, submissionID)
	assert.Nil(err)
	assert.Len(stored.Responses, 3)
	assert.Equal(models.SyncStatusPending, stored.Metadata.SyncStatus)

	// Nothing is sent while offline
	time.Sleep(time.Millisecond * 200)
	assert.Empty(server.Interviews())

	uut.Connectivity().SetOnline(true)
	assert.Eventually(func() bool {
		snapshot, err := uut.GetSyncStatus(utCtx)
		return err == nil && snapshot.Pending == 0 && snapshot.IsOnline
	}, time.Second*5, time.Millisecond*20)

	interviews := server.Interviews()
	assert.Len(interviews, 1)
	assert.True(interviews[0].Completed)
	assert.Equal(surveyID, interviews[0].SurveyID)
	assert.InDelta(-6.2, *interviews[0].Latitude, 0.0001)
	assert.Len(interviews[0].Responses, 3)

	_, err = uut.GetSubmission(utCtx, submissionID)
	assert.ErrorIs(err, queue.ErrRecordNotFound)
}

func TestValidationRejection(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	server := fakeremote.NewServer()
	defer server.Close()

	uut, err := fieldsync.NewOfflineSyncService(testServiceParams(testDBFile(), server.URL))
	assert.Nil(err)
	assert.Nil(uut.Start(utCtx))
	defer func() {
		assert.Nil(uut.Stop())
	}()

	surveyID := uuid.NewString()
	_, err = uut.SaveOfflineInterview(utCtx, threeResponses(surveyID))
	assert.Nil(err)

	empty := threeResponses(surveyID)
	empty.Responses = []models.Response{}
	_, err = uut.SaveOfflineInterview(utCtx, empty)
	assert.ErrorIs(err, queue.ErrInvalidRecord)

	noSurvey := threeResponses("")
	_, err = uut.SaveOfflineInterview(utCtx, noSurvey)
	assert.ErrorIs(err, queue.ErrInvalidRecord)

	snapshot, err := uut.GetSyncStatus(utCtx)
	assert.Nil(err)
	assert.Equal(1, snapshot.Pending)
}

func TestForceSyncAndRetry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	server := fakeremote.NewServer()
	defer server.Close()

	params := testServiceParams(testDBFile(), server.URL)
	params.InitiallyOnline = true
	params.Sync.PeriodicInterval = time.Hour
	uut, err := fieldsync.NewOfflineSyncService(params)
	assert.Nil(err)

	_, err = uut.ForceSync(utCtx)
	assert.Error(err)

	assert.Nil(uut.Start(utCtx))
	defer func() {
		assert.Nil(uut.Stop())
	}()

	server.FailCreate(http.StatusServiceUnavailable)
	surveyID := uuid.NewString()
	ids := []string{}
	for itr := 0; itr < 3; itr++ {
		submissionID, err := uut.SaveOfflineInterview(utCtx, threeResponses(surveyID))
		assert.Nil(err)
		ids = append(ids, submissionID)
	}

	result, err := uut.ForceSync(utCtx)
	assert.Nil(err)
	assert.Equal(0, result.SuccessCount)
	assert.Equal(3, result.ErrorCount)

	snapshot, err := uut.GetSyncStatus(utCtx)
	assert.Nil(err)
	assert.Equal(0, snapshot.Pending)
	assert.Equal(3, snapshot.Errors)

	// Clear one failing submission by hand
	assert.Nil(uut.ClearSubmission(utCtx, ids[0]))

	moved, err := uut.RetryErrored(utCtx)
	assert.Nil(err)
	assert.Equal(int64(2), moved)

	server.FailCreate(0)
	result, err = uut.ForceSync(utCtx)
	assert.Nil(err)
	assert.Equal(2, result.SuccessCount)

	snapshot, err = uut.GetSyncStatus(utCtx)
	assert.Nil(err)
	assert.Equal(0, snapshot.Pending)
	assert.Equal(0, snapshot.Errors)
	assert.Len(server.Interviews(), 2)
}

func TestSurveyMirrorAccess(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	server := fakeremote.NewServer()
	defer server.Close()
	surveyID := uuid.NewString()
	server.AddSurvey(
		remote.Survey{ID: surveyID, Title: "Household water access"},
		[]remote.Question{
			{ID: "q-1", SurveyID: surveyID, Position: 1, QuestionText: "Source", QuestionType: "text"},
		},
	)

	uut, err := fieldsync.NewOfflineSyncService(testServiceParams(testDBFile(), server.URL))
	assert.Nil(err)
	assert.Nil(uut.Start(utCtx))
	defer func() {
		assert.Nil(uut.Stop())
	}()

	refreshed, err := uut.RefreshSurveys(utCtx)
	assert.Nil(err)
	assert.Equal(1, refreshed)

	surveys, err := uut.ListSurveys(utCtx)
	assert.Nil(err)
	assert.Len(surveys, 1)

	survey, questions, err := uut.GetSurvey(utCtx, surveyID)
	assert.Nil(err)
	assert.Equal("Household water access", survey.Title)
	assert.Len(questions, 1)
}

// writeTestRSAKeyPair generate a self-signed RSA certificate and key as PEM files
func writeTestRSAKeyPair(t *testing.T) (string, string) {
	assert := assert.New(t)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "fieldsync-ut-device"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	assert.Nil(err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "device.crt")
	keyFile := filepath.Join(dir, "device.key")
	assert.Nil(os.WriteFile(
		certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0600,
	))
	assert.Nil(os.WriteFile(
		keyFile,
		pem.EncodeToMemory(
			&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)},
		),
		0600,
	))
	return certFile, keyFile
}

func TestEncryptedAtRest(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	server := fakeremote.NewServer()
	defer server.Close()

	certFile, keyFile := writeTestRSAKeyPair(t)
	dbFile := testDBFile()

	params := testServiceParams(dbFile, server.URL)
	params.DeviceRSACertFile = certFile
	_, err := fieldsync.NewOfflineSyncService(params)
	assert.Error(err)

	params.DeviceRSAKeyFile = keyFile
	uut, err := fieldsync.NewOfflineSyncService(params)
	assert.Nil(err)
	assert.Nil(uut.Start(utCtx))

	input := threeResponses(uuid.NewString())
	submissionID, err := uut.SaveOfflineInterview(utCtx, input)
	assert.Nil(err)
	assert.Nil(uut.Stop())

	// The stored payload is cipher text
	var firstKeyID string
	{
		dbClient, err := db.NewConnection(db.GetSqliteDialector(dbFile), logger.Error)
		assert.Nil(err)
		assert.Nil(dbClient.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
			entry, err := dbClient.GetSubmission(ctx, submissionID)
			assert.Nil(err)
			assert.NotNil(entry.PayloadKeyID)
			if entry.PayloadKeyID != nil {
				firstKeyID = *entry.PayloadKeyID
			}
			assert.NotEmpty(entry.PayloadNonce)
			assert.False(bytes.Contains(entry.Payload, []byte("Piped water")))
			return nil
		}))
		assert.Nil(dbClient.Close())
	}

	// A restarted service opens it again
	restarted, err := fieldsync.NewOfflineSyncService(params)
	assert.Nil(err)
	assert.Nil(restarted.Start(utCtx))
	defer func() {
		assert.Nil(restarted.Stop())
	}()

	stored, err := restarted.GetSubmission(utCtx, submissionID)
	assert.Nil(err)
	assert.Equal(input.Responses, stored.Responses)
	assert.InDelta(input.Location.Latitude, stored.Location.Latitude, 0.0001)

	// New interviews are sealed with the rotated key; older ones still open
	newKeyID, err := restarted.RotatePayloadKey(utCtx)
	assert.Nil(err)
	assert.NotEmpty(newKeyID)
	assert.NotEqual(firstKeyID, newKeyID)

	second := threeResponses(uuid.NewString())
	secondID, err := restarted.SaveOfflineInterview(utCtx, second)
	assert.Nil(err)
	stored, err = restarted.GetSubmission(utCtx, secondID)
	assert.Nil(err)
	assert.Equal(second.Responses, stored.Responses)
	stored, err = restarted.GetSubmission(utCtx, submissionID)
	assert.Nil(err)
	assert.Equal(input.Responses, stored.Responses)
}
