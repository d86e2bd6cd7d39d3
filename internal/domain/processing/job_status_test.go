package processing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_ValidateTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{"queued to chunking", JobStatusQueued, JobStatusChunking, false},
		{"chunking to processing", JobStatusChunking, JobStatusProcessing, false},
		{"processing to stitching", JobStatusProcessing, JobStatusStitching, false},
		{"stitching to completed", JobStatusStitching, JobStatusCompleted, false},
		{"failure from queued", JobStatusQueued, JobStatusFailed, false},
		{"failure from stitching", JobStatusStitching, JobStatusFailed, false},
		{"cancel from processing", JobStatusProcessing, JobStatusCancelled, false},

		{"skipping chunking", JobStatusQueued, JobStatusProcessing, true},
		{"skipping processing", JobStatusChunking, JobStatusStitching, true},
		{"backwards", JobStatusProcessing, JobStatusChunking, true},
		{"completed is terminal", JobStatusCompleted, JobStatusFailed, true},
		{"failed is terminal", JobStatusFailed, JobStatusCancelled, true},
		{"cancelled is terminal", JobStatusCancelled, JobStatusChunking, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.from.ValidateTransition(tc.to)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusStitching.IsTerminal())
}

func TestParseJobStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, JobStatusProcessing, ParseJobStatus("PROCESSING"))
	assert.Equal(t, JobStatus(""), ParseJobStatus("NOT_A_STATUS"))
}
