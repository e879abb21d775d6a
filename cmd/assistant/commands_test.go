// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/projecthub/services/assistant/orchestrator"
	"github.com/AleutianAI/projecthub/services/assistant/usage"
)

func writeConfig(t *testing.T, inferURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	usageDB := filepath.Join(dir, "usage.db")
	cfg := `
inference:
  backend: http
  base_url: ` + inferURL + `
  api_key: sk-secret
  requests_per_second: 0
storage:
  in_memory: true
  usage_db_path: ` + usageDB + `
telemetry:
  metric_exporter: none
`
	path := filepath.Join(dir, "assistant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path, usageDB
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func inferServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":"Write the method chapter first.","confidence":0.8,"tokens_used":12}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAskCommand_JSON(t *testing.T) {
	path, usageDB := writeConfig(t, inferServer(t).URL)

	out, err := run(t, "--config", path, "ask", "--json", "--caller", "cli-user", "How", "do", "I", "start", "writing?")
	require.NoError(t, err)

	var res orchestrator.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, orchestrator.OutcomeAIAnswer, res.Outcome)
	require.NotNil(t, res.Answer)
	assert.Equal(t, "Write the method chapter first.", res.Answer.Response)

	out, err = run(t, "--config", path, "usage", "--caller", "cli-user")
	require.NoError(t, err)
	var summary usage.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, int64(1), summary.TotalRequests)
	assert.Equal(t, int64(12), summary.TokensUsed)
	assert.Equal(t, 1000, summary.MonthlyQuota)
	require.NotNil(t, summary.QuotaRemaining)
	assert.Equal(t, int64(999), *summary.QuotaRemaining)
	assert.FileExists(t, usageDB)

	out, err = run(t, "--config", path, "usage", "--list", "--caller", "cli-user", "--endpoint", "inference")
	require.NoError(t, err)
	var records []usage.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, usage.EndpointInference, records[0].Endpoint)
	assert.True(t, records[0].Success)
	assert.Equal(t, 12, records[0].TokensUsed)

	out, err = run(t, "--config", path, "usage", "--list", "--caller", "someone-else")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestAskCommand_Text(t *testing.T) {
	path, _ := writeConfig(t, inferServer(t).URL)

	out, err := run(t, "--config", path, "ask", "What", "now?")
	require.NoError(t, err)
	assert.Contains(t, out, "Write the method chapter first.")
	assert.Contains(t, out, "Source: AI")
}

func TestAskCommand_RequiresQuestion(t *testing.T) {
	path, _ := writeConfig(t, "http://127.0.0.1:1")
	_, err := run(t, "--config", path, "ask")
	assert.Error(t, err)
}

func TestUsageCommand_BadSince(t *testing.T) {
	path, _ := writeConfig(t, "http://127.0.0.1:1")
	_, err := run(t, "--config", path, "usage", "--since", "March")
	assert.ErrorContains(t, err, "YYYY-MM-DD")
}

func TestConfigCommand_RedactsKey(t *testing.T) {
	path, _ := writeConfig(t, "http://127.0.0.1:1")

	out, err := run(t, "--config", path, "config")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret")
	assert.Contains(t, out, "<redacted>")
	assert.True(t, strings.Contains(out, "backend: http"))
}

func TestRoot_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit:\n  per_minute: 0\n"), 0o600))

	_, err := run(t, "--config", path, "config")
	assert.Error(t, err)
}
