package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeKinds(t *testing.T) {
	tests := []struct {
		code Code
		kind Kind
	}{
		{CodeInvalidState, KindValidation},
		{CodeDeclarationsIncomplete, KindValidation},
		{CodeNotVerified, KindValidation},
		{CodeRateLimited, KindValidation},
		{CodeProviderUnavailable, KindProviderTransient},
		{CodeAuthorityUnavailable, KindProviderTransient},
		{CodeInvalidIdentity, KindProviderRejected},
		{CodeAuthorityRejected, KindProviderRejected},
		{CodeAlreadySubmitted, KindConflict},
		{CodeAlreadyActive, KindConflict},
		{CodeQuarantined, KindFatal},
		{Code("something_new"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.code.Kind())
		})
	}
}

func TestWrapPreservesChain(t *testing.T) {
	root := errors.New("connection reset")
	err := Wrap(root, CodeAuthorityUnavailable, "authority unreachable")

	require.ErrorIs(t, err, root)
	assert.True(t, HasCode(err, CodeAuthorityUnavailable))
	assert.True(t, Retryable(err))
	assert.Equal(t, KindProviderTransient, KindOf(err))
}

func TestHasCodeUsesOutermostCode(t *testing.T) {
	inner := New(CodeNotFound, "filing not found")
	outer := Wrap(inner, CodeInternal, "load failed")

	assert.True(t, HasCode(outer, CodeInternal))
	assert.False(t, HasCode(outer, CodeNotFound))
}

func TestUncodedErrors(t *testing.T) {
	err := fmt.Errorf("plain: %w", errors.New("boom"))
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.False(t, Retryable(err))
	assert.False(t, HasCode(nil, CodeInternal))
}
