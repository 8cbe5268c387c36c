package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/fault"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"result": "success"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error("E_STORAGE", "storage unavailable", nil))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_STORAGE", resp.Error.Code)
	assert.Equal(t, "storage unavailable", resp.Error.Message)
}

func TestOutputFormatter_FaultCarriesStructuredFields(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := fault.New(fault.CodeReplayMismatch, "recorded call is dns::resolve").
		WithWorker("c/w").WithFunction("http::get").WithIndex(7)
	require.NoError(t, formatter.Fault(fmt.Errorf("replay: %w", err)))

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "REPLAY_MISMATCH", resp.Error.Code)
	assert.Equal(t, "c/w", resp.Error.Details["worker"])
	assert.Equal(t, "http::get", resp.Error.Details["function"])
	assert.Equal(t, float64(7), resp.Error.Details["index"])
}

func TestOutputFormatter_FaultPlainError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Fault(errors.New("disk full")))
	assert.Equal(t, "Error [E_INTERNAL]: disk full\n", buf.String())
}

func TestOutputFormatter_Result(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, formatter.Result([]int{1}, &CLIError{Code: "E_X", Message: "failed"}, nil))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)

	buf.Reset()
	formatter.Format = "text"
	require.NoError(t, formatter.Result(nil, nil, func(w io.Writer) { fmt.Fprint(w, "human") }))
	assert.Equal(t, "human", buf.String())
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("3 workers compacted"))
	assert.Contains(t, buf.String(), "3 workers compacted")
}

func TestOutputFormatter_TextErrorVerboseDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	require.NoError(t, formatter.Error("E_ARGS", "bad worker id", "expected <component>/<name>"))
	assert.Contains(t, buf.String(), "Error [E_ARGS]: bad worker id")
	assert.Contains(t, buf.String(), "Details: expected <component>/<name>")
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag}

	formatter.VerboseLog("hidden %d", 1)
	assert.Empty(t, diag.String())

	formatter.Verbose = true
	formatter.VerboseLog("opened %s", "c/w")
	assert.Empty(t, out.String())
	assert.Equal(t, "opened c/w\n", diag.String())
}

func TestExitErrors(t *testing.T) {
	base := errors.New("boom")
	err := WrapExitError(ExitCommandError, "open storage", base)
	assert.Equal(t, "open storage: boom", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, ExitFailure, GetExitCode(base))
	assert.Equal(t, "nope", NewExitError(ExitFailure, "nope").Error())
}
