package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/TaskPipe/internal/jobs"
	"github.com/BTreeMap/TaskPipe/internal/messaging"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

type recordingSubmitter struct {
	types    []string
	payloads []json.RawMessage
	err      error
}

func (r *recordingSubmitter) Submit(_ context.Context, jobType string, payload json.RawMessage) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.types = append(r.types, jobType)
	r.payloads = append(r.payloads, payload)
	return "job_test", nil
}

func runHandler(t *testing.T, handler jobs.Handler, payload string) (*jobs.Execution, error) {
	t.Helper()
	exec := &jobs.Execution{JobID: "job_abc", Attempt: 1, Payload: json.RawMessage(payload)}
	return exec, handler(context.Background(), exec)
}

func TestProcessMessageMarksProcessed(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.CreateMessage(&models.Message{ID: "msg_1", Content: "hello", CreatedAt: time.Now()}))

	exec, err := runHandler(t, ProcessMessageHandler(st), `{"message_id":"msg_1"}`)
	require.NoError(t, err)

	msg, err := st.GetMessage("msg_1")
	require.NoError(t, err)
	require.NotNil(t, msg.ProcessedAt)
	assert.Equal(t, "job_abc", msg.JobID)

	var result ProcessMessageResult
	require.NoError(t, json.Unmarshal(exec.Result(), &result))
	assert.Equal(t, "msg_1", result.MessageID)
	assert.Equal(t, 5, result.ContentLength)
	assert.False(t, result.AlreadyDone)
}

func TestProcessMessageIsIdempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.CreateMessage(&models.Message{ID: "msg_1", Content: "hello", CreatedAt: time.Now()}))
	handler := ProcessMessageHandler(st)

	_, err := runHandler(t, handler, `{"message_id":"msg_1"}`)
	require.NoError(t, err)
	first, err := st.GetMessage("msg_1")
	require.NoError(t, err)

	// A redelivered execution succeeds without re-stamping.
	exec, err := runHandler(t, handler, `{"message_id":"msg_1"}`)
	require.NoError(t, err)
	second, err := st.GetMessage("msg_1")
	require.NoError(t, err)
	assert.Equal(t, first.ProcessedAt, second.ProcessedAt)

	var result ProcessMessageResult
	require.NoError(t, json.Unmarshal(exec.Result(), &result))
	assert.True(t, result.AlreadyDone)
}

func TestProcessMessageMissingMessageIsPermanent(t *testing.T) {
	st := store.NewInMemoryStore()
	_, err := runHandler(t, ProcessMessageHandler(st), `{"message_id":"msg_ghost"}`)
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindPermanent, jobs.ClassifyError(err, nil))
}

func TestProcessMessageBadPayloadIsPermanent(t *testing.T) {
	st := store.NewInMemoryStore()
	handler := ProcessMessageHandler(st)

	_, err := runHandler(t, handler, `not-json`)
	assert.Equal(t, models.ErrorKindPermanent, jobs.ClassifyError(err, nil))

	_, err = runHandler(t, handler, `{}`)
	assert.Equal(t, models.ErrorKindPermanent, jobs.ClassifyError(err, nil))
}

func TestHeartbeatCreatesMessageAndSubmitsProcessing(t *testing.T) {
	st := store.NewInMemoryStore()
	submitter := &recordingSubmitter{}

	_, err := runHandler(t, HeartbeatHandler(st, submitter), `{}`)
	require.NoError(t, err)

	messages, err := st.ListMessages(10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, "heartbeat at")

	require.Len(t, submitter.types, 1)
	assert.Equal(t, TypeProcessMessage, submitter.types[0])

	var payload ProcessMessagePayload
	require.NoError(t, json.Unmarshal(submitter.payloads[0], &payload))
	assert.Equal(t, messages[0].ID, payload.MessageID)
}

func TestHeartbeatSubmitFailureIsTransient(t *testing.T) {
	st := store.NewInMemoryStore()
	submitter := &recordingSubmitter{err: errors.New("queue unavailable")}

	_, err := runHandler(t, HeartbeatHandler(st, submitter), `{}`)
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindTransient, jobs.ClassifyError(err, nil))
}

func TestSendMessageDelivers(t *testing.T) {
	svc := messaging.NewMockService()
	_, err := runHandler(t, SendMessageHandler(svc), `{"to":"+1 416 555 0199","body":"hi"}`)
	require.NoError(t, err)

	sent := svc.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "14165550199", sent[0].To)
	assert.Equal(t, "hi", sent[0].Body)
}

func TestSendMessageInvalidRecipientIsPermanent(t *testing.T) {
	svc := messaging.NewMockService()
	_, err := runHandler(t, SendMessageHandler(svc), `{"to":"bogus","body":"hi"}`)
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindPermanent, jobs.ClassifyError(err, nil))
}

func TestSendMessageDeliveryFailureIsTransient(t *testing.T) {
	svc := messaging.NewMockService()
	svc.SendErr = errors.New("carrier down")
	_, err := runHandler(t, SendMessageHandler(svc), `{"to":"14165550199","body":"hi"}`)
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindTransient, jobs.ClassifyError(err, nil))
}

func TestRegisterAll(t *testing.T) {
	registry := jobs.NewRegistry()
	require.NoError(t, RegisterAll(registry, Deps{
		Store:     store.NewInMemoryStore(),
		Messenger: messaging.NewMockService(),
	}))
	assert.ElementsMatch(t, []string{TypeProcessMessage, TypeHeartbeat, TypeSendMessage}, registry.Types())

	policy, ok := registry.Policy(TypeHeartbeat)
	require.True(t, ok)
	assert.Equal(t, 1, policy.MaxAttempts)
}
