package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

func TestPromptQuery(t *testing.T) {
	var out bytes.Buffer
	q, err := promptQuery(strings.NewReader("  solid-state batteries \n"), &out)
	require.NoError(t, err)
	assert.Equal(t, "solid-state batteries", q)
	assert.Equal(t, "Enter research question: ", out.String())

	// A question without a trailing newline is still read.
	q, err = promptQuery(strings.NewReader("heat pumps"), &out)
	require.NoError(t, err)
	assert.Equal(t, "heat pumps", q)
}

func TestWriteOutputs(t *testing.T) {
	report := &research.Report{
		Query:        "q",
		Title:        "Heat pumps",
		Introduction: "Intro.",
		Sources:      []research.Source{{Number: 1, URL: "https://a.example", Title: "A"}},
	}

	var stdout bytes.Buffer
	require.NoError(t, writeOutputs(report, "", "", &stdout))
	assert.Contains(t, stdout.String(), "# Heat pumps")

	dir := t.TempDir()
	out := filepath.Join(dir, "report.md")
	sources := filepath.Join(dir, "sources.json")
	stdout.Reset()
	require.NoError(t, writeOutputs(report, out, sources, &stdout))
	assert.Empty(t, stdout.String())

	md, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, report.Markdown(), string(md))

	data, err := os.ReadFile(sources)
	require.NoError(t, err)
	var got []research.Source
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, report.Sources, got)
}
