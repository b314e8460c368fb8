package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/resilience"
)

func serve(t *testing.T, contentType, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func unit(t *testing.T, req Request) model.TaskUnit {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return model.TaskUnit{ID: "u1", Input: raw}
}

func TestBody_JSONSelect(t *testing.T) {
	url := serve(t, "application/json", `{"data":{"items":[{"name":"a"},{"name":"b"},{"name":"c"}]}}`)
	body := Body(newTestFetcher())

	out, err := body(context.Background(), unit(t, Request{URL: url, Select: "data.items"}))
	require.NoError(t, err)
	assert.Empty(t, out.QualityFlags)
	assert.JSONEq(t, `[{"name":"a"},{"name":"b"},{"name":"c"}]`, string(out.Payload))

	out, err = body(context.Background(), unit(t, Request{URL: url, Select: "data.items", Limit: 2}))
	require.NoError(t, err)
	assert.Equal(t, []string{FlagTruncatedItems}, out.QualityFlags)
	assert.JSONEq(t, `[{"name":"a"},{"name":"b"}]`, string(out.Payload))

	_, err = body(context.Background(), unit(t, Request{URL: url, Select: "data.missing"}))
	require.Error(t, err)
	assert.Equal(t, model.ErrorKindPermanent, resilience.Classify(err))
}

func TestBody_JSONObjectAndEmpty(t *testing.T) {
	obj := serve(t, "application/json; charset=utf-8", `{"id": 7}`)
	out, err := Body(newTestFetcher())(context.Background(), unit(t, Request{URL: obj}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7}`, string(out.Payload))

	empty := serve(t, "application/json", `[]`)
	out, err = Body(newTestFetcher())(context.Background(), unit(t, Request{URL: empty}))
	require.NoError(t, err)
	assert.Equal(t, []string{FlagEmpty}, out.QualityFlags)
	assert.JSONEq(t, `[]`, string(out.Payload))
}

func TestBody_InvalidJSONIsPermanent(t *testing.T) {
	url := serve(t, "application/json", `{"broken":`)
	_, err := Body(newTestFetcher())(context.Background(), unit(t, Request{URL: url}))
	require.Error(t, err)
	assert.Equal(t, model.ErrorKindPermanent, resilience.Classify(err))
}

func TestBody_Text(t *testing.T) {
	url := serve(t, "text/html", "<h1>Faculty</h1>")
	out, err := Body(newTestFetcher())(context.Background(), unit(t, Request{URL: url}))
	require.NoError(t, err)

	var p textPayload
	require.NoError(t, json.Unmarshal(out.Payload, &p))
	assert.Equal(t, "<h1>Faculty</h1>", p.Text)
	assert.Equal(t, http.StatusOK, p.Status)
	assert.Equal(t, url, p.URL)
}

func TestBody_TruncatedTextIsPartial(t *testing.T) {
	url := serve(t, "text/plain", "abcdefgh")
	f := NewHTTPFetcher(HTTPOptions{MaxBodyBytes: 3, DefaultRate: 1000})
	out, err := Body(f)(context.Background(), unit(t, Request{URL: url}))
	require.NoError(t, err)
	assert.Equal(t, []string{FlagTruncatedBody}, out.QualityFlags)

	jsonURL := serve(t, "application/json", `[1,2,3,4,5]`)
	_, err = Body(f)(context.Background(), unit(t, Request{URL: jsonURL}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds body limit")
}

func TestBody_CSV(t *testing.T) {
	url := serve(t, "text/csv", "name, dept\nAda,CS\nGrace , Math\nAlan,CS\n")
	out, err := Body(newTestFetcher())(context.Background(), unit(t, Request{URL: url, Format: FormatCSV, Limit: 2}))
	require.NoError(t, err)
	assert.Equal(t, []string{FlagTruncatedItems}, out.QualityFlags)
	assert.JSONEq(t, `[{"name":"Ada","dept":"CS"},{"name":"Grace","dept":"Math"}]`, string(out.Payload))
}

func TestBody_BadInput(t *testing.T) {
	body := Body(newTestFetcher())
	tests := []model.TaskUnit{
		{ID: "garbage", Input: json.RawMessage(`"not an object"`)},
		{ID: "no-url", Input: json.RawMessage(`{}`)},
		unit(t, Request{URL: serve(t, "text/plain", "x"), Format: "xml"}),
	}
	for _, u := range tests {
		_, err := body(context.Background(), u)
		require.Error(t, err, u.ID)
		assert.Equal(t, model.ErrorKindPermanent, resilience.Classify(err), u.ID)
	}
}
