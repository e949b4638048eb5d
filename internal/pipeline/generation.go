package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hazyhaar/savewatch/internal/safeio"
	"github.com/hazyhaar/savewatch/record"
)

// Generation is the per-item generation metadata.
type Generation struct {
	Type      string
	Meta      json.RawMessage
	ModelID   string
	VersionID string
}

func (g Generation) artifact() any {
	meta := g.Meta
	if len(meta) == 0 {
		meta = json.RawMessage("null")
	}
	return struct {
		Type string          `json:"type"`
		Meta json.RawMessage `json:"meta"`
	}{g.Type, meta}
}

type generationEnvelope struct {
	Result struct {
		Data struct {
			JSON *struct {
				Type      string          `json:"type"`
				Meta      json.RawMessage `json:"meta"`
				Resources []struct {
					ModelID   json.RawMessage `json:"modelId"`
					VersionID json.RawMessage `json:"versionId"`
				} `json:"resources"`
			} `json:"json"`
		} `json:"data"`
	} `json:"result"`
}

// GenerationURL builds the metadata endpoint URL for a numeric id.
func GenerationURL(base, id string) (string, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return "", fmt.Errorf("pipeline: non-numeric id %q", id)
	}
	input, err := json.Marshal(map[string]any{"json": map[string]any{"id": n, "authed": true}})
	if err != nil {
		return "", err
	}
	return base + "/api/trpc/image.getGenerationData?" + url.Values{"input": {string(input)}}.Encode(), nil
}

func (p *Pipeline) fetchGeneration(ctx context.Context, id string) (Generation, error) {
	u, err := GenerationURL(p.cfg.BaseURL, id)
	if err != nil {
		return Generation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Generation{}, fmt.Errorf("pipeline: metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return Generation{}, fmt.Errorf("pipeline: metadata fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Generation{}, fmt.Errorf("pipeline: metadata fetch: status %d", resp.StatusCode)
	}
	body, err := safeio.LimitedReadAll(resp.Body, safeio.MaxJSONBody)
	if err != nil {
		return Generation{}, fmt.Errorf("pipeline: metadata read: %w", err)
	}
	var env generationEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Generation{}, fmt.Errorf("pipeline: metadata decode: %w", err)
	}
	data := env.Result.Data.JSON
	if data == nil {
		return Generation{}, fmt.Errorf("pipeline: metadata envelope has no result.data.json")
	}
	g := Generation{Type: data.Type, Meta: data.Meta}
	if len(data.Resources) > 0 {
		g.ModelID = record.LooseID(data.Resources[0].ModelID)
		g.VersionID = record.LooseID(data.Resources[0].VersionID)
	}
	return g, nil
}
