package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GriffinCanCode/simlab/backend/internal/sandbox"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const drawingArtifact = `{
  "markup": "<canvas id=\"c\" width=\"120\" height=\"80\"></canvas>",
  "script": "var ctx = document.getElementById('c').getContext('2d'); ctx.fillRect(0, 0, 4, 4); console.log('drawn');"
}`

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "simlab version "+version)

	out, err = run(t, "", "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version":"`+version+`"`)
}

func TestRenderCmdPrintsSnapshot(t *testing.T) {
	path := writeFile(t, "artifact.json", drawingArtifact)

	out, err := run(t, "", "render", path)
	require.NoError(t, err)

	var snap sandbox.Snapshot
	require.NoError(t, sonic.UnmarshalString(out, &snap))
	assert.True(t, snap.Mounted)
	assert.Equal(t, 1, snap.DrawCalls)
	require.NotEmpty(t, snap.Console)
	assert.Equal(t, "drawn", snap.Console[0].Message)
	assert.Nil(t, snap.Error)
}

func TestRenderCmdSources(t *testing.T) {
	markup := writeFile(t, "m.html", `<canvas id="c"></canvas>`)
	script := writeFile(t, "s.js", `console.log('from file')`)

	tests := []struct {
		name  string
		stdin string
		args  []string
		want  string
	}{
		{"stdin", drawingArtifact, []string{"render", "-"}, "drawn"},
		{"separate files", "", []string{"render", "--markup", markup, "--script", script}, "from file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.stdin, tt.args...)
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestRenderCmdDocument(t *testing.T) {
	path := writeFile(t, "artifact.json", drawingArtifact)

	out, err := run(t, "", "render", "--document", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
	assert.Contains(t, out, "fillRect")
}

func TestRenderCmdFailures(t *testing.T) {
	throwing := writeFile(t, "throw.json", `{"markup":"<canvas id=\"c\"></canvas>","script":"throw new Error('boom')"}`)
	noCanvas := writeFile(t, "nocanvas.json", `{"markup":"<div></div>","script":"console.log(1)"}`)
	broken := writeFile(t, "broken.json", `{"markup":`)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"no artifact", []string{"render"}, "no artifact given"},
		{"missing file", []string{"render", "/nonexistent/artifact.json"}, "failed to read"},
		{"malformed json", []string{"render", broken}, "failed to parse artifact"},
		{"script throws", []string{"render", throwing}, "boom"},
		{"no canvas", []string{"render", noCanvas}, "No canvas element found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, "", tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
