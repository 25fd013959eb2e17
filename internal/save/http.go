package save

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPPersister talks to the page API over HTTP.
type HTTPPersister struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPPersister(baseURL string) *HTTPPersister {
	return &HTTPPersister{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type updateRequest struct {
	BaseRevisionID string `json:"baseRevisionId"`
	Body           string `json:"body"`
	Author         string `json:"author"`
}

type errorResponse struct {
	Code    string          `json:"code"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

func (p *HTTPPersister) UpdatePage(ctx context.Context, pageID, baseRevisionID, body, author string) (Revision, error) {
	payload, err := json.Marshal(updateRequest{
		BaseRevisionID: baseRevisionID,
		Body:           body,
		Author:         author,
	})
	if err != nil {
		return Revision{}, err
	}
	endpoint := p.BaseURL + "/api/pages/" + url.PathEscape(pageID) + "/revision"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Revision{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Revision{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var rev Revision
		if err := json.NewDecoder(resp.Body).Decode(&rev); err != nil {
			return Revision{}, fmt.Errorf("decode revision: %w", err)
		}
		return rev, nil
	case http.StatusConflict:
		var envelope errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return Revision{}, fmt.Errorf("decode conflict: %w", err)
		}
		var current Revision
		if len(envelope.Details) > 0 {
			if err := json.Unmarshal(envelope.Details, &current); err != nil {
				return Revision{}, fmt.Errorf("decode conflict details: %w", err)
			}
		}
		return Revision{}, &ConflictError{Current: current}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		var envelope errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error == "" {
			return Revision{}, &ValidationError{Message: "invalid save request"}
		}
		return Revision{}, &ValidationError{Message: envelope.Error}
	default:
		return Revision{}, fmt.Errorf("save request failed with status %d", resp.StatusCode)
	}
}
