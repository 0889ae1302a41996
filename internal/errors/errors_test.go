package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHiveErrorFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *HiveError
		want string
	}{
		{
			name: "what only",
			err:  New(CodeTaskNotFound, "task TASK-001 not found"),
			want: "task TASK-001 not found",
		},
		{
			name: "what and why",
			err:  New(CodeAgentTimeout, "agent timed out").WithWhy("no output for 600s"),
			want: "agent timed out: no output for 600s",
		},
		{
			name: "with cause",
			err:  Wrap(CodeIOError, "save run", fmt.Errorf("disk full")),
			want: "save run: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestHiveErrorIs(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", New(CodeMaxRetries, "retries exhausted"))
	assert.True(t, errors.Is(err, New(CodeMaxRetries, "anything")))
	assert.False(t, errors.Is(err, New(CodeTaskNotFound, "anything")))
}

func TestHiveErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("connection refused")
	err := Wrap(CodeSpawnFailed, "spawn worker", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("tick: %w", New(CodeRoleSaturated, "backend at cap").In("queen", "spawn"))
	assert.Equal(t, CodeRoleSaturated, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(fmt.Errorf("plain")))
}

func TestCategoryAndRetryable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CategoryTimeout, CodeAgentTimeout.Category())
	assert.True(t, CodeAgentTimeout.Retryable())
	assert.True(t, CodeAgentRateLimit.Retryable())
	assert.False(t, CodeSchemaError.Retryable())
	assert.Equal(t, CategoryUnknown, Code("BOGUS").Category())
}

func TestJSON(t *testing.T) {
	t.Parallel()

	he := New(CodeConfigInvalid, "bad config").
		In("config", "load").
		WithFix("run hive init")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(he.JSON()), &decoded))
	assert.Equal(t, string(CodeConfigInvalid), decoded["code"])
	assert.Equal(t, "config", decoded["component"])
	assert.Equal(t, "run hive init", decoded["fix"])
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	he := New(CodeAgentUnavailable, "claude CLI not found").
		WithWhy("not on PATH").
		WithFix("install claude or set agent.path in .hive/config.yaml")

	msg := he.UserMessage()
	assert.Contains(t, msg, "claude CLI not found")
	assert.Contains(t, msg, "why: not on PATH")
	assert.Contains(t, msg, "fix: install claude")
}
