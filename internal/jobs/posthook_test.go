package jobs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openvdm-jobs/internal/config"
	"openvdm-jobs/internal/models"
)

func TestPostHookRunsMatchingCommands(t *testing.T) {
	h := newHarness(t, func(sys *config.System) {
		sys.PostHookCommands = map[string][]config.HookCommand{
			"postCollectionSystemTransfer": {
				{Name: "plot", Argv: []string{"/usr/local/bin/plot", "--cruise", "{cruiseID}"}},
				{Name: "scs-only", Argv: []string{"scs-proc"}, CollectionSystemTransfer: "SCS"},
				{Name: "adcp-only", Argv: []string{"adcp-proc"}, CollectionSystemTransfer: "ADCP"},
			},
		}
	})
	h.fake.AddCollectionSystemTransfer(scs())

	res := h.run(t, models.JobPostCollectionSystemTransfer, `{"collectionSystemTransferID":"1"}`)
	require.False(t, res.Failed(), "%+v", res.Parts)
	cmds := h.runner.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "/usr/local/bin/plot", cmds[0].Name)
	assert.Equal(t, []string{"--cruise", "FK2301"}, cmds[0].Args)
	assert.Equal(t, "scs-proc", cmds[1].Name)
}

func TestPostHookReportsEveryFailure(t *testing.T) {
	h := newHarness(t, func(sys *config.System) {
		sys.PostHookCommands = map[string][]config.HookCommand{
			"postSetupNewCruise": {
				{Name: "first", Argv: []string{"a"}},
				{Name: "second", Argv: []string{"b"}},
				{Name: "third", Argv: []string{"c"}},
			},
		}
	})
	h.runner.errs["a"] = errors.New("exit status 1")
	h.runner.errs["c"] = errors.New("exit status 2")

	res := h.run(t, models.JobPostSetupNewCruise, "")
	require.True(t, res.Failed())
	assert.Len(t, h.runner.commands(), 3)
	reason := res.Final().Reason
	assert.Contains(t, reason, "first: exit status 1")
	assert.Contains(t, reason, "third: exit status 2")
	assert.NotContains(t, reason, "second")
}

func TestPostHookWithoutCommands(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, models.JobPostDataDashboard, "")
	require.False(t, res.Failed())
	assert.Equal(t, "No commands configured", res.Final().Reason)
	assert.Empty(t, h.runner.commands())
}
