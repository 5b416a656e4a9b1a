package version

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	orig := [3]string{Version, GitCommit, BuildDate}
	t.Cleanup(func() { Version, GitCommit, BuildDate = orig[0], orig[1], orig[2] })

	Version, GitCommit, BuildDate = "1.4.0", "abc1234", "2026-10-01"

	info := Get()
	assert.Equal(t, "incident-medic 1.4.0 (commit abc1234, built 2026-10-01)", info.String())

	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1.4.0","commit":"abc1234","build_date":"2026-10-01"}`, string(data))
}
