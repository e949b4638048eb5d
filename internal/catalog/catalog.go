// Package catalog fetches a model's version catalog from the gallery site's
// public API and projects it into the entries the save pipeline needs.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/savewatch/internal/safeio"
	"github.com/hazyhaar/savewatch/record"
)

// ErrFetchFailed wraps every transport, status or decode failure of Fetch.
var ErrFetchFailed = errors.New("catalog: fetch failed")

// DefaultBaseURL is the site the catalog is fetched from.
const DefaultBaseURL = "https://civitai.com"

// File is one downloadable file of a version.
type File struct {
	Name        string `json:"name"`
	Primary     bool   `json:"primary"`
	DownloadURL string `json:"downloadUrl"`
}

// Version is one model version as returned by the API.
type Version struct {
	ID          string
	Name        string
	BaseModel   string
	Description string
	Files       []File
}

func (v *Version) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          json.RawMessage `json:"id"`
		Name        string          `json:"name"`
		BaseModel   string          `json:"baseModel"`
		Description *string         `json:"description"`
		Files       []File          `json:"files"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = Version{
		ID:        record.LooseID(raw.ID),
		Name:      raw.Name,
		BaseModel: raw.BaseModel,
		Files:     raw.Files,
	}
	if raw.Description != nil {
		v.Description = *raw.Description
	}
	return nil
}

// Catalog is the decoded /api/v1/models/{id} payload.
type Catalog struct {
	PrimaryID string    `json:"-"`
	Name      string    `json:"name"`
	Versions  []Version `json:"modelVersions"`
	FetchedAt time.Time `json:"-"`
}

// Entry is the projection of one version used for naming and ownership.
type Entry struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	BaseModel           string `json:"base_model"`
	Description         string `json:"description"`
	DescriptionMarkdown string `json:"description_markdown"`
	PrimaryFile         *File  `json:"primary_file"`
}

// Fetcher issues catalog requests. It never retries.
type Fetcher struct {
	base   string
	client *http.Client
	ua     string
	logger *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher for baseURL (DefaultBaseURL when empty).
func New(baseURL string, opts ...Option) *Fetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	f := &Fetcher{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
		ua:     "Mozilla/5.0 (compatible; savewatch/1.0)",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch GETs the catalog for primaryID.
func (f *Fetcher) Fetch(ctx context.Context, primaryID string) (*Catalog, error) {
	if primaryID == "" {
		return nil, fmt.Errorf("catalog: fetch: empty model id: %w", ErrFetchFailed)
	}
	endpoint := f.base + "/api/v1/models/" + url.PathEscape(primaryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: new request: %w: %w", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch %s: %w: %w", primaryID, ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("catalog: fetch %s: %w: status %d", primaryID, ErrFetchFailed, resp.StatusCode)
	}
	body, err := safeio.LimitedReadAll(resp.Body, safeio.MaxJSONBody)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w: %w", primaryID, ErrFetchFailed, err)
	}

	var cat Catalog
	if err := json.Unmarshal(body, &cat); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w: %w", primaryID, ErrFetchFailed, err)
	}
	cat.PrimaryID = primaryID
	cat.FetchedAt = time.Now()

	f.logger.Debug("catalog: fetched",
		"model_id", primaryID, "name", cat.Name, "versions", len(cat.Versions), "size", len(body))
	return &cat, nil
}

// FilterBySecondary projects the catalog. With a secondary id only the
// version with that id is kept; without one every version is.
func FilterBySecondary(cat *Catalog, secondaryID string) []Entry {
	if cat == nil {
		return nil
	}
	out := make([]Entry, 0, len(cat.Versions))
	for _, v := range cat.Versions {
		if secondaryID != "" && v.ID != secondaryID {
			continue
		}
		out = append(out, project(v))
	}
	return out
}

func project(v Version) Entry {
	e := Entry{
		ID:                  v.ID,
		Name:                v.Name,
		BaseModel:           v.BaseModel,
		Description:         v.Description,
		DescriptionMarkdown: defaultRenderer.Markdown(v.Description),
	}
	for i := range v.Files {
		if v.Files[i].Primary {
			f := v.Files[i]
			e.PrimaryFile = &f
			break
		}
	}
	return e
}
