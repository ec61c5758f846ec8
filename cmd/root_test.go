package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"sentinel/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRules = `
rules:
  - id: auth-brute-force
    version: 1
    name: Repeated login failures
    enabled: true
    severity: high
    action: alert
    conditions:
      - field: type
        operator: equals
        value: login_failure
      - field: count
        operator: numeric
        compare: gte
        value: 5
`

const mixedRules = validRules + `
  - id: broken-regex
    version: 1
    name: Broken pattern
    enabled: true
    severity: low
    action: log
    conditions:
      - field: user
        operator: regex
        value: "("
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--no-color"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRootCommandStructure(t *testing.T) {
	root := NewRootCmd()
	assert.Equal(t, "sentinel", root.Use)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "simulate", "rules"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	for _, flag := range []string{"json", "config", "no-color"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestRulesValidate(t *testing.T) {
	path := writeFile(t, "rules.yaml", validRules)
	out, err := execute(t, "rules", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "All 1 rules are valid")
}

func TestRulesValidateReportsBrokenRules(t *testing.T) {
	path := writeFile(t, "rules.yaml", mixedRules)
	out, err := execute(t, "rules", "validate", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 rules are invalid")
	assert.Contains(t, out, "broken-regex v1")
	assert.Contains(t, out, "conditions[0]")
}

func TestRulesValidateJSON(t *testing.T) {
	path := writeFile(t, "rules.yaml", mixedRules)
	out, err := execute(t, "--json", "rules", "validate", path)
	require.Error(t, err)

	var result ruleValidation
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 2, result.Rules)
	assert.Equal(t, 1, result.Valid)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "broken-regex", result.Issues[0].ID)
}

func TestRulesValidateSchemaFailure(t *testing.T) {
	path := writeFile(t, "rules.yaml", "rules:\n  - name: no id\n")
	_, err := execute(t, "rules", "validate", path)
	assert.Error(t, err)
}

func TestRulesValidateMissingFile(t *testing.T) {
	_, err := execute(t, "rules", "validate", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSimulateJSON(t *testing.T) {
	rules := writeFile(t, "rules.yaml", mixedRules)
	events := writeFile(t, "events.json", `[
		{"id":"e1","timestamp":"2026-01-02T03:04:05Z","source":"idp","type":"login_failure","fields":{"count":7}},
		{"id":"e2","timestamp":"2026-01-02T03:04:05Z","source":"idp","type":"login_failure","fields":{"count":1}},
		{"source":"idp"}
	]`)

	out, err := execute(t, "--json", "simulate", "--rules", rules, "--events", events)
	require.NoError(t, err)

	var report core.SimulationReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 3, report.InputEventCount)
	require.Len(t, report.Matches, 1)
	assert.Equal(t, "e1", report.Matches[0].EventID)
	assert.Equal(t, "auth-brute-force", report.Matches[0].RuleID)
	assert.Equal(t, 1, report.ErrorCount)
}

func TestSimulateTable(t *testing.T) {
	rules := writeFile(t, "rules.yaml", mixedRules)
	events := writeFile(t, "events.jsonl",
		`{"id":"e1","timestamp":"2026-01-02T03:04:05Z","source":"idp","type":"login_failure","fields":{"count":9}}`+"\n\n"+
			`{"id":"e2","timestamp":"2026-01-02T03:04:05Z","source":"idp","type":"logout"}`+"\n")

	out, err := execute(t, "simulate", "--rules", rules, "--events", events)
	require.NoError(t, err)
	assert.Contains(t, out, "SIMULATION")
	assert.Contains(t, out, "2 of 2")
	assert.Contains(t, out, "Rejected rules")
	assert.Contains(t, out, "broken-regex v1")
	assert.Contains(t, out, "auth-brute-force v1")
}

func TestSimulateRequiresFlags(t *testing.T) {
	_, err := execute(t, "simulate")
	assert.Error(t, err)
}

func TestSimulateRejectsBadEventFile(t *testing.T) {
	rules := writeFile(t, "rules.yaml", validRules)
	events := writeFile(t, "events.json", `{"not":"an array"}`)
	_, err := execute(t, "simulate", "--rules", rules, "--events", events)
	assert.Error(t, err)
}

func TestDecodeEventFileEmpty(t *testing.T) {
	events, err := decodeEventFile([]byte("[]"), "events.json")
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NotNil(t, events)

	events, err = decodeEventFile([]byte("\n\n"), "events.ndjson")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
