// Package wikibase speaks the Action API dialect Wikibase adds to MediaWiki:
// batched entity reads, token-guarded entity writes, logins and term-language
// metadata. One Client serves one endpoint bundle.
package wikibase

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"wbmigrate/pkg/config"
	"wbmigrate/pkg/model"
	"wbmigrate/pkg/request"
)

const (
	// BatchSize is the wbgetentities ID window per call.
	BatchSize = 50
	// MaxParallelBatches bounds concurrent batch fetches.
	MaxParallelBatches = 10
)

// Client talks to one Wikibase instance.
type Client struct {
	request  *request.Client
	cfg      *config.Endpoint
	Logger   *slog.Logger
	UseCache bool

	mu        sync.Mutex
	csrf      string
	languages map[string]string
}

// NewClient creates a client for one endpoint bundle.
func NewClient(r *request.Client, ep *config.Endpoint, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{request: r, cfg: ep, Logger: logger}
}

// Name returns the endpoint's display name.
func (c *Client) Name() string { return c.cfg.Name }

// EntityPrefix returns the endpoint's entity IRI prefix.
func (c *Client) EntityPrefix() string { return c.cfg.ItemPrefix }

type apiBase struct {
	Error *struct {
		Code     string `json:"code"`
		Info     string `json:"info"`
		Messages []struct {
			Name string `json:"name"`
		} `json:"messages"`
	} `json:"error"`
	Warnings map[string]map[string]string `json:"warnings"`
}

// call executes one API call and handles the response envelope: warnings are
// logged, an error block becomes an *APIError. The raw body is returned for
// the caller to decode its action-specific fields.
func (c *Client) call(ctx context.Context, params url.Values, post bool, cacheKey string) ([]byte, error) {
	params.Set("format", "json")

	var body []byte
	var err error
	if post {
		body, err = c.request.PostForm(ctx, c.cfg.MediaWikiAPIURL, params)
	} else {
		u, uerr := url.Parse(c.cfg.MediaWikiAPIURL)
		if uerr != nil {
			return nil, fmt.Errorf("invalid api url: %w", uerr)
		}
		u.RawQuery = params.Encode()
		body, err = c.request.Get(ctx, u.String(), cacheKey)
	}
	if err != nil {
		return nil, err
	}

	var base apiBase
	if err := json.Unmarshal(body, &base); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	for module, w := range base.Warnings {
		c.Logger.Warn("API warning", "endpoint", c.cfg.Name, "module", module, "warning", w["*"])
	}
	if base.Error != nil {
		apiErr := &APIError{Code: base.Error.Code, Info: base.Error.Info}
		for _, m := range base.Error.Messages {
			apiErr.Messages = append(apiErr.Messages, m.Name)
		}
		return nil, apiErr
	}
	return body, nil
}

// GetEntities fetches a set of entities in parallel wbgetentities batches.
// The result is keyed by canonical entity ID; redirected IDs alias their
// target. Missing entities are logged and skipped. An unknown ID prefix
// fails before any call goes out.
func (c *Client) GetEntities(ctx context.Context, ids []string) (map[string]*model.Entity, error) {
	unique := dedupe(ids)
	for _, id := range unique {
		if _, err := model.KindOf(id); err != nil {
			return nil, err
		}
	}
	if len(unique) == 0 {
		return map[string]*model.Entity{}, nil
	}

	out := make(map[string]*model.Entity, len(unique))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxParallelBatches)

	for start := 0; start < len(unique); start += BatchSize {
		batch := unique[start:min(start+BatchSize, len(unique))]
		g.Go(func() error {
			entities, err := c.fetchBatch(ctx, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for id, e := range entities {
				out[id] = e
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.Logger.Debug("Entities fetched", "endpoint", c.cfg.Name, "requested", len(unique), "received", len(out))
	return out, nil
}

func (c *Client) fetchBatch(ctx context.Context, ids []string) (map[string]*model.Entity, error) {
	params := url.Values{
		"action": {"wbgetentities"},
		"ids":    {strings.Join(ids, "|")},
	}

	cacheKey := ""
	if c.UseCache {
		sorted := append([]string(nil), ids...)
		sort.Strings(sorted)
		sum := md5.Sum([]byte(c.cfg.MediaWikiAPIURL + "\n" + strings.Join(sorted, "|")))
		cacheKey = "wb_batch_" + hex.EncodeToString(sum[:])
	}

	body, err := c.call(ctx, params, false, cacheKey)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Entities map[string]json.RawMessage `json:"entities"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	out := make(map[string]*model.Entity, len(resp.Entities))
	for id, raw := range resp.Entities {
		var probe struct {
			Missing *json.RawMessage `json:"missing"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && probe.Missing != nil {
			c.Logger.Warn("Entity missing", "endpoint", c.cfg.Name, "id", id)
			continue
		}
		e, err := model.UnmarshalEntity(raw)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", id, err)
		}
		out[e.ID] = e
		if id != e.ID {
			out[id] = e
		}
	}
	return out, nil
}

// GetEntity fetches a single entity, nil when it does not exist.
func (c *Client) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	entities, err := c.GetEntities(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return entities[id], nil
}

// Labels fetches one language's labels for a set of IDs. Used for report
// output, so a missing label is simply absent from the result.
func (c *Client) Labels(ctx context.Context, ids []string, lang string) (map[string]string, error) {
	unique := dedupe(ids)
	for _, id := range unique {
		if _, err := model.KindOf(id); err != nil {
			return nil, err
		}
	}

	out := make(map[string]string, len(unique))
	for start := 0; start < len(unique); start += BatchSize {
		batch := unique[start:min(start+BatchSize, len(unique))]
		params := url.Values{
			"action":    {"wbgetentities"},
			"ids":       {strings.Join(batch, "|")},
			"props":     {"labels"},
			"languages": {lang},
		}
		body, err := c.call(ctx, params, false, "")
		if err != nil {
			return nil, err
		}
		var resp struct {
			Entities map[string]struct {
				Labels map[string]struct {
					Value string `json:"value"`
				} `json:"labels"`
			} `json:"entities"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		for id, e := range resp.Entities {
			if label, ok := e.Labels[lang]; ok {
				out[id] = label.Value
			}
		}
	}
	return out, nil
}

// SupportedLanguages returns the term languages the wiki accepts, code to
// autonym, cached for the client's lifetime.
func (c *Client) SupportedLanguages(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.languages != nil {
		return c.languages, nil
	}

	params := url.Values{
		"action":      {"query"},
		"meta":        {"wbcontentlanguages"},
		"wbclcontext": {"term"},
		"wbclprop":    {"code|name"},
	}
	body, err := c.call(ctx, params, false, "")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Query struct {
			Languages map[string]struct {
				Code string `json:"code"`
				Name string `json:"name"`
			} `json:"wbcontentlanguages"`
		} `json:"query"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	languages := make(map[string]string, len(resp.Query.Languages))
	for _, l := range resp.Query.Languages {
		languages[l.Code] = l.Name
	}
	c.languages = languages
	c.Logger.Debug("Content languages loaded", "endpoint", c.cfg.Name, "count", len(languages))
	return languages, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
