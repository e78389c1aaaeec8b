package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/xiaot623/mcprunner/internal/domain"
)

const maxBodyBytes = 1 << 20

var variablePattern = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// HTTPRunner replays the requests of a Postman-style collection and asks a
// Verdict whether each response passes.
type HTTPRunner struct {
	client  *http.Client
	verdict *Verdict
}

// NewHTTPRunner creates a runner whose requests time out after timeout.
func NewHTTPRunner(timeout time.Duration, verdict *Verdict) *HTTPRunner {
	return &HTTPRunner{
		client:  &http.Client{Timeout: timeout},
		verdict: verdict,
	}
}

type collectionDoc struct {
	Item     []collectionItem `json:"item"`
	Variable []keyValue       `json:"variable"`
}

type collectionItem struct {
	Name    string             `json:"name"`
	Item    []collectionItem   `json:"item"`
	Request *collectionRequest `json:"request"`
}

type collectionRequest struct {
	Method string          `json:"method"`
	URL    json.RawMessage `json:"url"`
	Header []keyValue      `json:"header"`
	Body   *struct {
		Mode string `json:"mode"`
		Raw  string `json:"raw"`
	} `json:"body"`
}

type keyValue struct {
	Key      string      `json:"key"`
	Value    interface{} `json:"value"`
	Disabled bool        `json:"disabled"`
	Enabled  *bool       `json:"enabled"`
}

func (kv keyValue) active() bool {
	if kv.Disabled {
		return false
	}
	return kv.Enabled == nil || *kv.Enabled
}

func (kv keyValue) String() string {
	switch v := kv.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

type environmentDoc struct {
	Values []keyValue `json:"values"`
}

// Run probes every item of the collection once per data row, or once when no
// data is attached.
func (r *HTTPRunner) Run(ctx context.Context, bundle Bundle, cb Callbacks) (*Summary, error) {
	var doc collectionDoc
	if err := json.Unmarshal(bundle.Collection, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid collection: %v", ErrAdapterFault, err)
	}

	base := map[string]string{}
	for _, v := range doc.Variable {
		if v.active() {
			base[v.Key] = v.String()
		}
	}
	if len(bundle.Environment) > 0 {
		var env environmentDoc
		if err := json.Unmarshal(bundle.Environment, &env); err != nil {
			return nil, fmt.Errorf("%w: invalid environment: %v", ErrAdapterFault, err)
		}
		for _, v := range env.Values {
			if v.active() {
				base[v.Key] = v.String()
			}
		}
	}

	rows := []map[string]interface{}{nil}
	if len(bundle.Data) > 0 {
		if err := json.Unmarshal(bundle.Data, &rows); err != nil {
			return nil, fmt.Errorf("%w: test data must be a JSON array of objects: %v", ErrAdapterFault, err)
		}
		if len(rows) == 0 {
			rows = []map[string]interface{}{nil}
		}
	}

	items := flatten(doc.Item)
	summary := &Summary{}
	for i, row := range rows {
		vars := make(map[string]string, len(base)+len(row))
		for k, v := range base {
			vars[k] = v
		}
		for k, v := range row {
			vars[k] = fmt.Sprint(v)
		}

		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrAdapterFault, err)
			}
			if cb.OnItemStarted != nil {
				cb.OnItemStarted(ctx, ItemStart{Name: item.Name, Iteration: i})
			}

			outcome, err := r.probe(ctx, item, vars)
			if err != nil {
				return nil, err
			}
			outcome.Iteration = i
			summary.add(outcome.Status)

			if cb.OnItemCompleted != nil {
				if err := cb.OnItemCompleted(ctx, outcome); err != nil {
					return nil, fmt.Errorf("%w: item %q: %v", ErrAdapterFault, item.Name, err)
				}
			}
		}
	}
	return summary, nil
}

func flatten(items []collectionItem) []collectionItem {
	var out []collectionItem
	for _, item := range items {
		if len(item.Item) > 0 {
			out = append(out, flatten(item.Item)...)
			continue
		}
		if item.Request != nil || item.Name != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *HTTPRunner) probe(ctx context.Context, item collectionItem, vars map[string]string) (ItemOutcome, error) {
	outcome := ItemOutcome{Name: item.Name, StartedAt: time.Now()}

	snapshot, ok := buildRequest(item, vars)
	outcome.Request = snapshot
	if !ok {
		outcome.Status = domain.TestStatusSkipped
		outcome.Message = "request has no url"
		outcome.EndedAt = time.Now()
		return outcome, nil
	}

	var body io.Reader
	if snapshot.Body != "" {
		body = strings.NewReader(snapshot.Body)
	}
	req, err := http.NewRequestWithContext(ctx, snapshot.Method, snapshot.URL, body)
	if err != nil {
		outcome.Status = domain.TestStatusFailed
		outcome.Message = fmt.Sprintf("invalid request: %v", err)
		outcome.EndedAt = time.Now()
		return outcome, nil
	}
	for k, v := range snapshot.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return outcome, fmt.Errorf("%w: %v", ErrAdapterFault, ctx.Err())
		}
		outcome.Status = domain.TestStatusFailed
		outcome.Message = err.Error()
		outcome.EndedAt = time.Now()
		return outcome, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		outcome.Status = domain.TestStatusFailed
		outcome.Message = fmt.Sprintf("failed to read response: %v", err)
		outcome.EndedAt = time.Now()
		return outcome, nil
	}
	outcome.EndedAt = time.Now()
	outcome.Response = &ResponseSnapshot{
		Status:  resp.StatusCode,
		Headers: flattenHeader(resp.Header),
		Body:    string(respBody),
	}

	pass, message, err := r.verdict.Evaluate(ctx, map[string]interface{}{
		"item": item.Name,
		"request": map[string]interface{}{
			"method":  snapshot.Method,
			"url":     snapshot.URL,
			"headers": snapshot.Headers,
		},
		"response": map[string]interface{}{
			"status":      resp.StatusCode,
			"headers":     outcome.Response.Headers,
			"body":        outcome.Response.Body,
			"duration_ms": outcome.Duration().Milliseconds(),
		},
	})
	if err != nil {
		return outcome, fmt.Errorf("%w: %v", ErrAdapterFault, err)
	}
	outcome.Status = domain.TestStatusFailed
	if pass {
		outcome.Status = domain.TestStatusPassed
	}
	outcome.Message = message
	return outcome, nil
}

// buildRequest resolves variables in the item's request. It reports false
// when there is nothing to send.
func buildRequest(item collectionItem, vars map[string]string) (RequestSnapshot, bool) {
	if item.Request == nil {
		return RequestSnapshot{}, false
	}
	method := strings.ToUpper(item.Request.Method)
	if method == "" {
		method = http.MethodGet
	}
	snapshot := RequestSnapshot{
		Method: method,
		URL:    substitute(rawURL(item.Request.URL), vars),
	}
	if len(item.Request.Header) > 0 {
		snapshot.Headers = map[string]string{}
		for _, h := range item.Request.Header {
			if h.active() {
				snapshot.Headers[h.Key] = substitute(h.String(), vars)
			}
		}
	}
	if item.Request.Body != nil && item.Request.Body.Mode == "raw" {
		snapshot.Body = substitute(item.Request.Body.Raw, vars)
	}
	return snapshot, strings.TrimSpace(snapshot.URL) != ""
}

// rawURL accepts both the string and the object form of a request url.
func rawURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Raw string `json:"raw"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Raw
	}
	return ""
}

// substitute replaces {{name}} references. Unknown names are left as written.
func substitute(s string, vars map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
