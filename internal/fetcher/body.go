package fetcher

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/resilience"
)

// BodyName is the registry name of the http task body.
const BodyName = "http"

// textPayload is the payload of a text-format fetch.
type textPayload struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Text        string `json:"text"`
}

// Body returns the http task body. Each unit's input is a Request. JSON and
// CSV responses become the payload directly, so an array result can fan out
// into a dependent phase; text responses are wrapped in a small object.
// Truncated or empty results are returned as partial successes.
func Body(f Fetcher) model.TaskBody {
	return func(ctx context.Context, unit model.TaskUnit) (model.TaskOutput, error) {
		var req Request
		if err := json.Unmarshal(unit.Input, &req); err != nil {
			return model.TaskOutput{}, resilience.NewPermanentError(eris.Wrapf(err, "fetcher: task %s input", unit.ID))
		}
		if req.URL == "" {
			return model.TaskOutput{}, resilience.NewPermanentError(eris.Errorf("fetcher: task %s has no url", unit.ID))
		}

		resp, err := f.Fetch(ctx, req)
		if err != nil {
			return model.TaskOutput{}, err
		}

		format := req.Format
		if format == FormatAuto {
			format = FormatText
			if strings.Contains(resp.ContentType, "json") {
				format = FormatJSON
			}
		}

		var (
			payload json.RawMessage
			flags   []string
		)
		switch format {
		case FormatJSON:
			if resp.Truncated {
				return model.TaskOutput{}, resilience.NewPermanentError(eris.Errorf("fetcher: json response from %s exceeds body limit", req.URL))
			}
			payload, flags, err = decodeJSON(ctx, resp.Body, req)
		case FormatCSV:
			payload, flags, err = decodeCSV(ctx, resp.Body, req.Limit)
		case FormatText:
			payload, err = json.Marshal(textPayload{
				URL:         resp.URL,
				Status:      resp.Status,
				ContentType: resp.ContentType,
				Text:        string(resp.Body),
			})
			if err == nil && len(resp.Body) == 0 {
				flags = append(flags, FlagEmpty)
			}
		default:
			return model.TaskOutput{}, resilience.NewPermanentError(eris.Errorf("fetcher: task %s: unknown format %q", unit.ID, req.Format))
		}
		if err != nil {
			if ctx.Err() != nil {
				return model.TaskOutput{}, ctx.Err()
			}
			return model.TaskOutput{}, resilience.NewPermanentError(eris.Wrapf(err, "fetcher: decode %s", req.URL))
		}
		if resp.Truncated && format != FormatJSON {
			flags = append(flags, FlagTruncatedBody)
		}
		return model.TaskOutput{Payload: payload, QualityFlags: flags}, nil
	}
}
