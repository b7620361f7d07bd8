package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedoc/internal/model"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"key": "notes/a"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"key": "notes/a"}, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error("E130116", "bad patch", map[string]string{"name": "INVALID_REQUEST"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E130116", resp.Error.Code)
	assert.Equal(t, "bad patch", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error("E001", "database locked", map[string]string{"path": "x.db"}))
	assert.Contains(t, buf.String(), "Error [E001]: database locked")
	assert.NotContains(t, buf.String(), "Details:")

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error("E001", "database locked", map[string]string{"path": "x.db"}))
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, diag := &bytes.Buffer{}, &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: tt.verbose}

			formatter.VerboseLog("opening %s", "livedoc.db")

			assert.Empty(t, out.String(), "diagnostics never mix with JSON output")
			if tt.wantLog {
				assert.Contains(t, diag.String(), "opening livedoc.db")
			} else {
				assert.Empty(t, diag.String())
			}
		})
	}
}

func TestErrorCodeOf(t *testing.T) {
	key := model.NewKey("notes", "a")
	assert.Equal(t, "E625676", ErrorCodeOf(model.KeyError(model.ErrDocumentNotFound, key, nil)))
	assert.Equal(t, "E130116", ErrorCodeOf(fmt.Errorf("wrapped: %w", model.NewCodedError(model.ErrInvalidRequest, "x"))))
	assert.Equal(t, ErrCodeGeneric, ErrorCodeOf(errors.New("plain")))
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Fail("create failed", model.NewCodedError(model.ErrDocumentAlreadyCreated, "exists"))
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "E130092", resp.Error.Code)
	assert.Equal(t, map[string]any{"name": "DOCUMENT_ALREADY_CREATED"}, resp.Error.Details)

	buf.Reset()
	err = formatter.Fail("bad key", model.NewCodedError(model.ErrInvalidKey, "empty id"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "x", errors.New("y")))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("anything else")))

	err := WrapExitError(ExitCommandError, "failed to open database", errors.New("locked"))
	assert.Equal(t, "failed to open database: locked", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "locked")
}
