package etrade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"brokerd/internal/broker"
)

const quotePathPrefix = "/v1/market/quote"

// request sends one signed call through the rate limiter and maps every
// failure onto the broker error taxonomy. requireConnected is false only for
// the calls Start makes before the session is up.
func (p *Provider) request(ctx context.Context, method, path string, query url.Values, body any, operation string, requireConnected bool) ([]byte, error) {
	if requireConnected {
		if err := p.EnsureConnected(); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return nil, broker.NewError(broker.CodeDisconnected, "E*Trade HTTP client is not initialized").
			WithSuggestion(authSuggestion)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, broker.TransportError(operation, err)
	}

	target := p.apiBase + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, broker.NewError(broker.CodeInvalidArgs, "%s: encoding request: %v", operation, err).Wrap(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, broker.NewError(broker.CodeInvalidArgs, "%s: building request: %v", operation, err).Wrap(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		p.setLastError(fmt.Sprintf("%s network error: %v", operation, err))
		return nil, broker.TransportError(operation, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		p.setLastError(fmt.Sprintf("%s network error: %v", operation, err))
		return nil, broker.TransportError(operation, err)
	}

	if resp.StatusCode >= 400 {
		herr := broker.HTTPError(operation, path, resp.StatusCode, data, strings.HasPrefix(path, quotePathPrefix), authSuggestion)
		p.setLastError(fmt.Sprintf("%s HTTP %d: %s", operation, resp.StatusCode, herr.Message))
		return nil, herr
	}
	return data, nil
}

// requestJSON is request plus decoding of a JSON object body. An empty body
// or a non-object document decodes to an empty map.
func (p *Provider) requestJSON(ctx context.Context, method, path string, query url.Values, body any, operation string, requireConnected bool) (map[string]any, error) {
	data, err := p.request(ctx, method, path, query, body, operation, requireConnected)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload any
	err = dec.Decode(&payload)
	if err == nil {
		// Anything after the first value makes the whole body malformed.
		if trailing := dec.Decode(new(json.RawMessage)); trailing != io.EOF {
			err = fmt.Errorf("unexpected content after JSON value")
		}
	}
	if err != nil {
		p.setLastError(operation + " returned non-JSON payload")
		return nil, broker.NewError(broker.CodeRejected, "%s failed: expected JSON response", operation).
			WithDetail("operation", operation).
			Wrap(err)
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return m, nil
}
