// Package sparql talks to SPARQL 1.1 endpoints: plain SELECTs, a liveness
// ASK, and the chunked VALUES fan-out the mapping queries run on.
package sparql

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"wbmigrate/pkg/logging"
	"wbmigrate/pkg/request"
)

const (
	// DefaultChunkSize is the number of VALUES terms per fan-out query.
	DefaultChunkSize = 1000
	// MaxParallelQueries bounds the fan-out concurrency.
	MaxParallelQueries = 10
)

// Value is one RDF term of a result row.
type Value struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Lang     string `json:"xml:lang,omitempty"`
	Datatype string `json:"datatype,omitempty"`
}

// Binding is one result row, keyed by the query's projected variables.
type Binding map[string]Value

// Get returns the string value bound to a variable, or "" when unbound.
// Entity IRIs come back in full; prefix trimming is the caller's business.
func (b Binding) Get(name string) string {
	return b[name].Value
}

type sparqlResponse struct {
	Results struct {
		Bindings []Binding `json:"bindings"`
	} `json:"results"`
	Boolean *bool `json:"boolean,omitempty"`
}

// Client runs queries against one SPARQL endpoint.
type Client struct {
	request  *request.Client
	Endpoint string
	Name     string
	UseCache bool
	Tracer   *Tracer
	Logger   *slog.Logger
}

// NewClient creates a client for one endpoint. Name is the endpoint's display
// name used in logs and errors.
func NewClient(r *request.Client, endpoint, name string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		request:  r,
		Endpoint: endpoint,
		Name:     name,
		Logger:   logger,
	}
}

// Select executes a SELECT query and returns its rows. A failed query
// returns no rows alongside the error; most callers treat that as an empty
// result after logging.
func (c *Client) Select(ctx context.Context, query string) ([]Binding, error) {
	body, err := c.run(ctx, query, c.UseCache)
	if err != nil {
		return nil, err
	}

	var result sparqlResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return result.Results.Bindings, nil
}

// SelectChunked substitutes chunks of preformatted terms for the $placeholder
// variable in template and fans the resulting queries out with bounded
// parallelism. Rows concatenate in completion order, which is arbitrary.
func (c *Client) SelectChunked(ctx context.Context, template, placeholder string, values []string, chunkSize int) ([]Binding, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxParallelQueries)

	var mu sync.Mutex
	var rows []Binding

	for start := 0; start < len(values); start += chunkSize {
		chunk := values[start:min(start+chunkSize, len(values))]
		g.Go(func() error {
			query := strings.ReplaceAll(template, "$"+placeholder, strings.Join(chunk, " "))
			got, err := c.Select(ctx, query)
			if err != nil {
				return err
			}
			mu.Lock()
			rows = append(rows, got...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// Ask probes the endpoint with a trivial ASK. False on any error.
func (c *Client) Ask(ctx context.Context) (bool, error) {
	body, err := c.run(ctx, "ASK { ?s ?p ?o }", false)
	if err != nil {
		return false, err
	}

	var result sparqlResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if result.Boolean == nil {
		return false, fmt.Errorf("%w: ASK response without boolean", ErrParse)
	}
	return *result.Boolean, nil
}

func (c *Client) run(ctx context.Context, query string, useCache bool) ([]byte, error) {
	form := url.Values{
		"query":  {query},
		"format": {"json"},
	}
	headers := map[string]string{
		"Accept": "application/sparql-results+json",
	}

	cacheKey := ""
	if useCache {
		sum := md5.Sum([]byte(c.Endpoint + "\n" + query))
		cacheKey = "sparql_" + hex.EncodeToString(sum[:])
	}

	logging.Trace(c.Logger, "SPARQL Query", "endpoint", c.Name, "bytes", len(query))
	body, err := c.request.PostFormWithCache(ctx, c.Endpoint, form, headers, cacheKey)
	c.Tracer.Record(query, body, err)
	if err != nil {
		c.Logger.Warn("SPARQL query failed", "endpoint", c.Name, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return body, nil
}

// Literal renders a string as a quoted SPARQL literal.
func Literal(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return `"` + r.Replace(s) + `"`
}

// IRI renders an absolute IRI as a bracketed reference.
func IRI(s string) string {
	return "<" + s + ">"
}
