package orchestration

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskwright/cloakwork/internal/domain/events"
	"github.com/maskwright/cloakwork/internal/domain/policy"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	busmem "github.com/maskwright/cloakwork/internal/infra/eventbus/memory"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

// fakeLeaderElector drives leadership changes by hand.
type fakeLeaderElector struct {
	mu sync.Mutex
	cb func(bool)
}

func (f *fakeLeaderElector) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeLeaderElector) Stop() error { return nil }

func (f *fakeLeaderElector) OnLeadershipChange(cb func(bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *fakeLeaderElector) setLeader(isLeader bool) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(isLeader)
}

func TestController_ConsumesOnlyWhileLeader(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newIngestFixture(t, 125)
	stitching := NewStitchCoordinator(
		StitchConfig{WorkDir: t.TempDir()},
		f.store, f.store, f.blobs, &fakeAssembler{}, f.publisher,
		logger.Noop(), testTracer(),
	)

	bus := busmem.NewBroker()
	elector := &fakeLeaderElector{}
	ctrl := NewController("ctrl-test", elector, bus, f.coordinator, stitching,
		logger.Noop(), testTracer())

	readyCh, err := ctrl.Run(ctx)
	require.NoError(t, err)

	// A task published before leadership is retained but not consumed.
	task := processing.NewIngestTask(f.jobID, 0)
	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: task.EventType(), Payload: task}))

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusQueued, job.Status())

	// Gaining leadership subscribes and replays the backlog.
	elector.setLeader(true)
	select {
	case <-readyCh:
	case <-time.After(5 * time.Second):
		t.Fatal("controller never reported ready after gaining leadership")
	}

	job, err = f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusProcessing, job.Status())
	assert.Len(t, f.publisher.byType(processing.EventTypeChunkTask), 3)

	// Ingest and stitch tasks share a single consume session; a consumer group
	// handle does not support concurrent sessions.
	assert.Equal(t, 1, bus.LiveSubscriptions())

	// Losing leadership cancels the subscriptions.
	elector.setLeader(false)
	require.Eventually(t, func() bool { return bus.LiveSubscriptions() == 0 },
		5*time.Second, 10*time.Millisecond)

	jobID2 := uuid.New()
	inputRef2 := "jobs/" + jobID2.String() + "/input.mp4"
	pol := policy.Policy{Rules: map[policy.Target]policy.Rule{
		policy.TargetFace: {Mode: policy.ModeBlur, MinConfidence: 0.6},
	}}
	require.NoError(t, f.store.CreateJob(ctx, processing.NewJob(jobID2, inputRef2, pol, "")))
	require.NoError(t, f.blobs.Put(ctx, inputRef2, strings.NewReader("source video")))

	task2 := processing.NewIngestTask(jobID2, 0)
	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: task2.EventType(), Payload: task2}))

	job2, err := f.store.GetJob(ctx, jobID2)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusQueued, job2.Status(),
		"a non-leader must not consume coordination topics")
}
