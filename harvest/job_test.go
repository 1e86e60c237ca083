package harvest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remilejeune/udata-harvest/errors"
)

func TestJobStatus_Transitions(t *testing.T) {
	allowed := map[JobStatus][]JobStatus{
		JobPending:      {JobInitializing, JobFailed},
		JobInitializing: {JobInitialized, JobFailed},
		JobInitialized:  {JobProcessing, JobFailed},
		JobProcessing:   {JobDone, JobDoneErrors, JobFailed},
	}
	for _, from := range JobStatuses {
		for _, to := range JobStatuses {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	for _, s := range []JobStatus{JobDone, JobDoneErrors, JobFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []JobStatus{JobPending, JobInitializing, JobInitialized, JobProcessing} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.False(t, JobStatus("running").Valid())
}

func TestJob_Lifecycle(t *testing.T) {
	job := NewJob("source")
	assert.Equal(t, JobPending, job.Status)
	assert.Nil(t, job.StartedAt)

	require.NoError(t, job.Start())
	require.NotNil(t, job.StartedAt)

	job.AddItem("1", nil, nil)
	job.AddItem("2", nil, nil)
	require.NoError(t, job.MarkInitialized())
	require.NoError(t, job.BeginProcessing())

	for _, item := range job.Items {
		require.NoError(t, item.Start())
		require.NoError(t, item.Complete())
		assert.False(t, item.EndedAt.Before(*item.StartedAt))
	}
	require.NoError(t, job.Finish())
	assert.Equal(t, JobDone, job.Status)
	require.NotNil(t, job.EndedAt)
	assert.False(t, job.EndedAt.Before(*job.StartedAt))
}

func TestJob_FinishWithItemErrors(t *testing.T) {
	job := NewJob("source")
	require.NoError(t, job.Start())
	ok := job.AddItem("ok", nil, nil)
	bad := job.AddItem("bad", nil, nil)
	require.NoError(t, job.MarkInitialized())
	require.NoError(t, job.BeginProcessing())

	require.NoError(t, ok.Start())
	require.NoError(t, ok.Complete())
	require.NoError(t, bad.Start())
	require.NoError(t, bad.Fail(errBoom))

	assert.True(t, job.HasItemErrors())
	require.NoError(t, job.Finish())
	assert.Equal(t, JobDoneErrors, job.Status)
	assert.Empty(t, job.Errors, "item errors stay on the item")
	assert.Equal(t, map[ItemStatus]int{ItemDone: 1, ItemFailed: 1}, job.CountItems())
}

func TestJob_InvalidTransitionLeavesJobUnchanged(t *testing.T) {
	job := NewJob("source")

	err := job.Finish()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, JobPending, job.Status)
	assert.Nil(t, job.EndedAt)

	require.NoError(t, job.Start())
	require.NoError(t, job.Fail(errBoom))
	require.Len(t, job.Errors, 1)
	ended := *job.EndedAt

	// terminal jobs are immutable
	err = job.Fail(errors.New("again"))
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Len(t, job.Errors, 1)
	assert.Equal(t, ended, *job.EndedAt)
	assert.True(t, errors.Is(job.Start(), ErrInvalidTransition))
}

func TestJob_FailCapturesDetails(t *testing.T) {
	job := NewJob("source")
	require.NoError(t, job.Start())
	require.NoError(t, job.Fail(errors.Wrap(errBoom, "fetch catalog")))

	herr := job.Errors[0]
	assert.Equal(t, "fetch catalog: boom", herr.Message)
	assert.Contains(t, herr.Details, "fetch catalog")
	assert.False(t, herr.CreatedAt.IsZero())
}

func TestItem_Transitions(t *testing.T) {
	job := NewJob("source")
	item := job.AddItem("1", []string{"a"}, Values{"k": IntValue(1)})
	assert.Equal(t, ItemPending, item.Status)

	assert.True(t, errors.Is(item.Complete(), ErrInvalidTransition), "pending cannot complete")
	assert.True(t, errors.Is(item.Fail(errBoom), ErrInvalidTransition), "pending cannot fail")
	assert.Empty(t, item.Errors)

	require.NoError(t, item.Start())
	require.NoError(t, item.Fail(errBoom))
	assert.True(t, item.Status.IsTerminal())
	assert.True(t, errors.Is(item.Start(), ErrInvalidTransition))
	assert.Len(t, item.Errors, 1)
}

func TestJob_CloneIsDeep(t *testing.T) {
	job := NewJob("source")
	require.NoError(t, job.Start())
	item := job.AddItem("1", []string{"a"}, Values{"k": StringsValue("x")})

	c := job.Clone()
	require.NoError(t, item.Start())
	job.Items[0].Args[0] = "changed"

	assert.Equal(t, ItemPending, c.Items[0].Status)
	assert.Equal(t, []string{"a"}, c.Items[0].Args)
	assert.NotSame(t, job.StartedAt, c.StartedAt)
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestFrequency_Valid(t *testing.T) {
	for _, f := range Frequencies {
		assert.True(t, f.Valid())
	}
	assert.False(t, Frequency("hourly").Valid())
	assert.Equal(t, FrequencyManual, DefaultFrequency)
}

func TestSentinelsAreDistinct(t *testing.T) {
	wrapped := errors.Wrapf(ErrJobActive, "source %s", "x")
	assert.True(t, errors.Is(wrapped, ErrJobActive))
	assert.False(t, errors.Is(wrapped, ErrAlreadyScheduled))
	assert.False(t, errors.Is(errors.Wrap(ErrJobNotFound, "x"), ErrSourceNotFound))

	assert.True(t, IsNotFound(errors.Wrap(ErrSourceNotFound, "x")))
	assert.True(t, IsNotFound(ErrLaunchNotFound))
	assert.False(t, IsNotFound(ErrNotScheduled))
	assert.True(t, IsConfigurationError(errors.Wrap(ErrUnknownBackend, "ckan")))
	assert.False(t, IsConfigurationError(errBoom))
}
