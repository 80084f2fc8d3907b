package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusIsTerminal(t *testing.T) {
	assert.True(t, JobStatusSucceeded.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusAbandoned.IsTerminal())

	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
	assert.False(t, JobStatusRetrying.IsTerminal())
}

func TestIsValidJobStatus(t *testing.T) {
	assert.True(t, IsValidJobStatus(JobStatusRetrying))
	assert.False(t, IsValidJobStatus(JobStatus("paused")))
}

func TestSubmitRequestValidate(t *testing.T) {
	assert.ErrorIs(t, (&SubmitRequest{}).Validate(), ErrEmptyJobType)

	big := SubmitRequest{Type: "noop", Payload: []byte(strings.Repeat("x", MaxPayloadBytes+1))}
	assert.ErrorIs(t, big.Validate(), ErrPayloadTooLarge)

	ok := SubmitRequest{Type: "noop", Payload: []byte(`{"k":"v"}`)}
	assert.NoError(t, ok.Validate())
}

func TestCreateMessageRequestValidate(t *testing.T) {
	assert.ErrorIs(t, (&CreateMessageRequest{}).Validate(), ErrEmptyContent)

	long := CreateMessageRequest{Content: strings.Repeat("x", MaxMessageContentLength+1)}
	assert.ErrorIs(t, long.Validate(), ErrContentTooLong)

	assert.NoError(t, (&CreateMessageRequest{Content: "hello"}).Validate())
}

func TestPeriodicScheduleEntryValidate(t *testing.T) {
	assert.ErrorIs(t, (&PeriodicScheduleEntry{Interval: time.Minute}).Validate(), ErrEmptyJobType)
	assert.ErrorIs(t, (&PeriodicScheduleEntry{JobType: "heartbeat"}).Validate(), ErrScheduleCadence)
	assert.ErrorIs(t, (&PeriodicScheduleEntry{JobType: "heartbeat", Interval: time.Minute, Cron: "* * * * *"}).Validate(), ErrScheduleCadence)

	assert.NoError(t, (&PeriodicScheduleEntry{JobType: "heartbeat", Interval: time.Minute}).Validate())
	assert.NoError(t, (&PeriodicScheduleEntry{JobType: "heartbeat", Cron: "*/5 * * * *"}).Validate())
}

func TestMessageProcessed(t *testing.T) {
	m := Message{ID: "msg_1", Content: "hi", CreatedAt: time.Now()}
	assert.False(t, m.Processed())

	now := time.Now()
	m.ProcessedAt = &now
	assert.True(t, m.Processed())
}
