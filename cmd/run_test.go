package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-orchestrator/internal/checkpoint"
	"github.com/sells-group/research-orchestrator/internal/config"
	"github.com/sells-group/research-orchestrator/internal/events"
	"github.com/sells-group/research-orchestrator/internal/model"
)

const facultyPipeline = `
name: faculty
phases:
  - id: departments
    body: http
    batch_size: 1
    tasks:
      - id: list
        input:
          url: "{{SRV}}/departments"
          select: departments
  - id: people
    body: http
    batch_size: 2
    depends_on: [departments]
    fan_out_from: departments
    requires_shared_resource: true
`

// facultyServer serves a department list and one profile per department.
// The math profile is missing.
func facultyServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/departments":
			w.Write([]byte(`{"departments":[{"url":"` + srv.URL + `/people/cs"},{"url":"` + srv.URL + `/people/math"}]}`))
		case "/people/cs":
			w.Write([]byte(`{"name":"Ada","dept":"cs"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, srvURL string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(facultyPipeline, "{{SRV}}", srvURL)), 0o644))

	c := &config.Config{}
	c.Run.ID = "faculty-test"
	c.Run.PipelineFile = path
	c.Retry = config.RetryConfig{MaxAttempts: 2, InitialBackoffMs: 1, MaxBackoffMs: 1, Multiplier: 1}
	c.Resource = config.ResourceConfig{Name: "browser", AcquireTimeoutSecs: 5, MaxHoldSecs: 5}
	c.Fetcher = config.FetcherConfig{TimeoutSecs: 5, DefaultRate: 1000}
	return c
}

func TestExecuteRun_AndResume(t *testing.T) {
	var hits atomic.Int32
	srv := facultyServer(t, &hits)
	c := testConfig(t, srv.URL)
	st := checkpoint.NewMemory()
	rec := events.NewRecorder(0)

	var out bytes.Buffer
	outcome, err := executeRun(context.Background(), c, st, rec, &out)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, outcome.Status)
	assert.Equal(t, 1, outcome.Phases["people"].Successes)
	assert.Equal(t, 1, outcome.Phases["people"].Failures)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, "list#1", outcome.Failures[0].TaskID)
	assert.Equal(t, model.ErrorKindPermanent, outcome.Failures[0].Kind)
	assert.Equal(t, int32(3), hits.Load())
	assert.Len(t, rec.OfType(events.ResourceQueueWait), 2)

	var printed model.RunOutcome
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, model.RunStatusCompleted, printed.Status)
	assert.Equal(t, "faculty-test", printed.RunID)

	out.Reset()
	outcome, err = executeRun(context.Background(), c, st, events.Nop{}, &out)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, outcome.Status)
	assert.Equal(t, int32(3), hits.Load(), "a completed run makes no further requests")
	assert.True(t, outcome.Phases["people"].Resumed)
}

func TestExecuteRun_InvalidPipeline(t *testing.T) {
	c := &config.Config{}
	c.Run.ID = "r1"
	c.Run.PipelineFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := executeRun(context.Background(), c, checkpoint.NewMemory(), events.Nop{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, model.IsConfigError(err))
}

func TestExecuteRun_UnknownBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("phases:\n  - id: a\n    body: llm\n    batch_size: 1\n"), 0o644))
	c := &config.Config{}
	c.Run.ID = "r1"
	c.Run.PipelineFile = path

	_, err := executeRun(context.Background(), c, checkpoint.NewMemory(), events.Nop{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, model.IsConfigError(err))
	assert.Contains(t, err.Error(), "llm")
}
