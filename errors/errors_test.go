package errors

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnretriable(t *testing.T) {
	err := Unretriable(errors.New("some error"))
	require.True(t, IsUnretriable(err))
	require.EqualError(t, err, "some error")

	// marker survives further wrapping
	wrapped := fmt.Errorf("failed to process job: %w", err)
	require.True(t, IsUnretriable(wrapped))

	require.False(t, IsUnretriable(errors.New("transient error")))
}

func TestWriteHTTPError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteHTTPNotFound(rr, "chapter not found", errors.New("no completed renditions"))

	require.Equal(t, 404, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.JSONEq(t, `{"error":"chapter not found","error_detail":"no completed renditions"}`, rr.Body.String())
}
