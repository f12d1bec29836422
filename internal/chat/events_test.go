// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"errors"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureFromError_CodedError(t *testing.T) {
	err := oops.Code(CodeNotParticipant).Errorf("join not authorized")

	ev := FailureFromError("sendMessage", err)

	assert.Equal(t, "sendMessageFailed", ev.Event)
	payload, ok := ev.Data.(FailurePayload)
	require.True(t, ok)
	assert.Equal(t, CodeNotParticipant, payload.ErrorCode)
	assert.NotEmpty(t, payload.Message)
}

func TestFailureFromError_UncodedError(t *testing.T) {
	ev := FailureFromError("editMessage", errors.New("pq: connection reset"))

	assert.Equal(t, "editMessageFailed", ev.Event)
	payload, ok := ev.Data.(FailurePayload)
	require.True(t, ok)
	assert.Equal(t, CodeServerError, payload.ErrorCode)
	assert.Equal(t, "internal error", payload.Message)
	assert.NotContains(t, payload.Message, "connection reset",
		"internals must not leak to the client")
}

func TestFailureFromError_OopsWithoutCode(t *testing.T) {
	ev := FailureFromError("deleteMessage", oops.Errorf("boom"))

	payload, ok := ev.Data.(FailurePayload)
	require.True(t, ok)
	assert.Equal(t, CodeServerError, payload.ErrorCode)
}
