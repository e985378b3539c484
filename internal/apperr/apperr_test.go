package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(KindAuth, "token rejected", errors.New("401"))
	assert.Equal(t, "[auth] token rejected: 401", err.Error())

	bare := Validation("path disallowed")
	assert.Equal(t, "[validation] path disallowed", bare.Error())
}

func TestUnwrapAndIs(t *testing.T) {
	cause := errors.New("connection refused")
	err := Upstream("embedding call failed", cause)

	require.ErrorIs(t, err, cause)
	assert.True(t, errors.Is(err, &Error{Kind: KindUpstreamFailure}))
	assert.False(t, errors.Is(err, &Error{Kind: KindAuth}))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), KindInternal},
		{"validation", Validation("bad"), KindValidation},
		{"wrapped", fmt.Errorf("outer: %w", Timeout("slow", nil)), KindUpstreamTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Timeout("slow", nil)))
	assert.True(t, IsRetryable(Upstream("503", nil)))
	assert.False(t, IsRetryable(Validation("bad input")))
	assert.False(t, IsRetryable(Auth("rejected", nil)))
	assert.False(t, IsRetryable(nil))
}

func TestWithDetail(t *testing.T) {
	err := NotFound("blob missing").WithDetail("repo", "light/help-center").WithDetail("path", "docs/a.md")
	assert.Equal(t, "light/help-center", err.Details["repo"])
	assert.Equal(t, "docs/a.md", err.Details["path"])
}
