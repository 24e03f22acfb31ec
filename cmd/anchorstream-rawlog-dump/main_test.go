package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"anchorstream/internal/output"
)

func writeRecording(t *testing.T, bodies ...string) string {
	t.Helper()
	dir := t.TempDir()
	rec, err := output.NewRecorder(dir, "test", nil)
	require.NoError(t, err)
	for i, body := range bodies {
		if i%2 == 0 {
			rec.RecordInstruction([]byte(body))
		} else {
			rec.RecordError([]byte(body))
		}
	}
	require.NoError(t, rec.Close())
	return rec.Path()
}

func TestDumpHonorsLimitAndKind(t *testing.T) {
	path := writeRecording(t,
		`{"current_task_status":"a"}`,
		`{"error":"boom"}`,
		`{"current_task_status":"b"}`,
	)

	var out, diag bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs([]string{path, "--limit", "0", "--kind", "instruction"})
	cmd.SetOut(&out)
	cmd.SetErr(&diag)
	require.NoError(t, cmd.Execute())

	require.Equal(t, 2, strings.Count(out.String(), "# record"))
	require.Contains(t, out.String(), `"current_task_status": "b"`)
	require.NotContains(t, out.String(), "boom")
	require.Empty(t, diag.String())

	out.Reset()
	cmd = newRootCommand()
	cmd.SetArgs([]string{path})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	require.Equal(t, 1, strings.Count(out.String(), "# record"))
}

func TestDumpRejectsForeignFile(t *testing.T) {
	var out, diag bytes.Buffer
	err := dump(strings.NewReader("NOTAREC1"), &out, &diag, "", 0)
	require.Error(t, err)
}
