package jobscheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/dbcdk/dataio/internal/jobscheduler/configuration"
)

type testLeaseListener struct {
	mu      sync.Mutex
	started []LeaderToken
	stopped int
}

func (l *testLeaseListener) onStartedLeading(_ context.Context, token LeaderToken) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, token)
}

func (l *testLeaseListener) onStoppedLeading() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped++
}

func (l *testLeaseListener) events() ([]LeaderToken, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LeaderToken(nil), l.started...), l.stopped
}

func TestStandaloneLeaderController(t *testing.T) {
	controller := NewStandaloneLeaderController()
	listener := &testLeaseListener{}
	controller.RegisterListener(listener)
	token := controller.GetToken()
	assert.True(t, controller.ValidateToken(token))
	assert.False(t, controller.ValidateToken(InvalidLeaderToken()))
	assert.False(t, controller.ValidateToken(NewLeaderToken()))
	assert.True(t, controller.GetLeaderReport().IsCurrentProcessLeader)
	assert.NoError(t, controller.Run(context.Background()))
	started, stopped := listener.events()
	assert.Equal(t, []LeaderToken{token}, started)
	assert.Equal(t, 0, stopped)
}

func TestStandaloneLeaderController_ActivatesService(t *testing.T) {
	s := newTestService(t)
	s.StepDown()
	s.leaderController.RegisterListener(s.Service)
	require.NoError(t, s.leaderController.Run(context.Background()))
	assert.True(t, s.IsActive())
}

func TestKubernetesLeaderController_BecomesLeader(t *testing.T) {
	client := fake.NewSimpleClientset()
	config := configuration.LeaderConfig{
		Mode:               "kubernetes",
		LeaseLockName:      "dataio-test",
		LeaseLockNamespace: "dataio-test",
		LeaseDuration:      2 * time.Second,
		RenewDeadline:      time.Second,
		RetryPeriod:        100 * time.Millisecond,
		PodName:            "dataio-test-123",
	}
	controller := NewKubernetesLeaderController(config, client.CoordinationV1())
	listener := &testLeaseListener{}
	controller.RegisterListener(listener)
	assert.False(t, controller.ValidateToken(controller.GetToken()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- controller.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return controller.ValidateToken(controller.GetToken())
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return controller.GetLeaderReport().IsCurrentProcessLeader
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		started, _ := listener.events()
		return len(started) == 1 && controller.ValidateToken(started[0])
	}, 5*time.Second, 10*time.Millisecond)

	// A token handed out before leadership changes hands is no longer valid afterwards.
	token := controller.GetToken()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, controller.ValidateToken(token))
	_, stopped := listener.events()
	assert.GreaterOrEqual(t, stopped, 1)
}
