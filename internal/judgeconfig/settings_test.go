package judgeconfig

import (
	"testing"

	"github.com/judge/judge/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	s, err := Load(&config.Env{Prefix: "JUDGE_TEST_UNSET_"})
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", s.RedisURL)
	assert.Equal(t, 2000, s.MaxOutputChars)
	assert.Equal(t, "isolate", s.TorchExecutionMode)
	assert.True(t, s.WarmForkEnableNoNewPrivs)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	t.Setenv("JUDGE_T_REDIS_URL", "redis://example:6380/1")
	t.Setenv("JUDGE_T_TORCH_EXECUTION_MODE", "warm_fork")

	s, err := Load(&config.Env{Prefix: "JUDGE_T_"})
	require.NoError(t, err)
	assert.Equal(t, "redis://example:6380/1", s.RedisURL)
	assert.Equal(t, "warm_fork", s.TorchExecutionMode)
}

func TestValidateRejectsInvalidTorchMode(t *testing.T) {
	s := &Settings{
		IsolateBin:           "/usr/bin/isolate",
		IsolateProcessLimit:  1,
		IsolateFsizeKB:       1,
		PythonBin:            "/usr/bin/python3",
		TorchExecutionMode:   "bogus",
		WarmForkChildNofile:  16,
	}
	err := s.Validate()
	require.Error(t, err)
}

func TestValidateRejectsSeccompWithoutNoNewPrivs(t *testing.T) {
	s := &Settings{
		IsolateBin:                "/usr/bin/isolate",
		IsolateProcessLimit:       1,
		IsolateFsizeKB:            1,
		PythonBin:                 "/usr/bin/python3",
		TorchExecutionMode:        "isolate",
		WarmForkEnableSeccomp:     true,
		WarmForkEnableNoNewPrivs:  false,
		WarmForkChildNofile:       16,
	}
	err := s.Validate()
	require.Error(t, err)
}
