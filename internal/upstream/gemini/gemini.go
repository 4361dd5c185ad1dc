// Package gemini implements upstream.Client for Google's Gemini and Vertex
// AI APIs (both GenAI-family upstreams per spec.md §1's provider scope),
// using the official google.golang.org/genai SDK.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/relaymux/gateway/internal/apierr"
	"github.com/relaymux/gateway/internal/resilience"
	"github.com/relaymux/gateway/internal/selector"
	"github.com/relaymux/gateway/internal/upstream"
)

// SecretResolver materializes a credential's stored reference (spec.md's
// CredentialSpec.SecretRef) into an API key or service-account token. This
// package never touches the secret store directly, keeping it a thin
// consumer of whatever internal/oauth or internal/config hands it.
type SecretResolver interface {
	Resolve(ctx context.Context, secretRef string) (string, error)
}

// Client adapts the genai SDK to upstream.Client for one backend (plain
// Gemini API key auth, or Vertex project/location auth — Backend picks
// which).
type Client struct {
	backend  genai.Backend
	project  string
	location string
	secrets  SecretResolver
	refs     map[int]string // credential ID -> secretRef, populated by the caller at registration
}

// NewGeminiAPIClient builds a Client against the public Gemini API
// (API-key auth).
func NewGeminiAPIClient(secrets SecretResolver, refs map[int]string) *Client {
	return &Client{backend: genai.BackendGeminiAPI, secrets: secrets, refs: refs}
}

// NewVertexClient builds a Client against Vertex AI (project/location). The
// credential's resolved secret is not passed to the SDK for this backend;
// the SDK authenticates with its default application credentials.
func NewVertexClient(project, location string, secrets SecretResolver, refs map[int]string) *Client {
	return &Client{backend: genai.BackendVertexAI, project: project, location: location, secrets: secrets, refs: refs}
}

func (c *Client) clientFor(ctx context.Context, cred *selector.Credential) (*genai.Client, error) {
	secretRef, ok := c.refs[cred.ID]
	if !ok {
		return nil, fmt.Errorf("gemini: no secret reference registered for credential %d", cred.ID)
	}
	secret, err := c.secrets.Resolve(ctx, secretRef)
	if err != nil {
		return nil, fmt.Errorf("gemini: resolve secret for credential %d: %w", cred.ID, err)
	}

	httpClient, err := resilience.NewHTTPClient("", 0)
	if err != nil {
		return nil, fmt.Errorf("gemini: build http client: %w", err)
	}

	cfg := &genai.ClientConfig{Backend: c.backend, HTTPClient: httpClient}
	switch c.backend {
	case genai.BackendVertexAI:
		cfg.Project = c.project
		cfg.Location = c.location
	default:
		cfg.APIKey = secret
	}
	return genai.NewClient(ctx, cfg)
}

// Execute issues a single non-streaming GenerateContent call.
func (c *Client) Execute(ctx context.Context, cred *selector.Credential, req upstream.Request) (upstream.Response, error) {
	client, err := c.clientFor(ctx, cred)
	if err != nil {
		return upstream.Response{}, err
	}

	contents := []*genai.Content{genai.NewContentFromText(string(req.Messages), genai.RoleUser)}
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, nil)
	if err != nil {
		return upstream.Response{}, classify(err)
	}

	body, err := resp.MarshalJSON()
	if err != nil {
		return upstream.Response{}, fmt.Errorf("gemini: marshal response: %w", err)
	}
	return upstream.Response{Body: body, StatusCode: 200}, nil
}

// ExecuteStream issues a streaming GenerateContent call, relaying each
// chunk's JSON encoding downstream as it arrives.
func (c *Client) ExecuteStream(ctx context.Context, cred *selector.Credential, req upstream.Request) (<-chan upstream.StreamChunk, error) {
	client, err := c.clientFor(ctx, cred)
	if err != nil {
		return nil, err
	}

	contents := []*genai.Content{genai.NewContentFromText(string(req.Messages), genai.RoleUser)}
	stream := client.Models.GenerateContentStream(ctx, req.Model, contents, nil)

	out := make(chan upstream.StreamChunk, 32)
	go func() {
		defer close(out)
		for chunk, err := range stream {
			if err != nil {
				out <- upstream.StreamChunk{Err: classify(err)}
				return
			}
			body, marshalErr := chunk.MarshalJSON()
			if marshalErr != nil {
				out <- upstream.StreamChunk{Err: marshalErr}
				return
			}
			select {
			case out <- upstream.StreamChunk{Data: body}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// classify maps a genai SDK error onto the shared error taxonomy so the
// upstream.Gateway's outcome reporting can tell a rate limit from an auth
// failure without string matching.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	status := 0
	if ok := asAPIError(err, &apiErr); ok {
		status = apiErr.Code
	}
	category := apierr.CategorizeError(status, err.Error())
	return &apierr.Error{
		Code:       "gemini_error",
		Message:    err.Error(),
		Category:   category,
		HTTPStatus: status,
		Retryable:  category.ShouldFallback(),
	}
}

func asAPIError(err error, target *genai.APIError) bool {
	ae, ok := err.(genai.APIError)
	if !ok {
		return false
	}
	*target = ae
	return true
}

var _ upstream.Client = (*Client)(nil)
