// Package postgrest reads and updates the outbox and token tables through a Supabase
// PostgREST endpoint using the service-role key.
package postgrest

import (
	"context"
	"fmt"
	"strings"

	"github.com/supabase-community/postgrest-go"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const defaultSchema = "public"

// Client holds a postgrest-go client authenticated with the service-role key.
type Client struct {
	rest *postgrest.Client
}

// NewClient points at a Supabase project URL (https://<ref>.supabase.co).
func NewClient(projectURL, serviceRoleKey string) (*Client, error) {
	if projectURL == "" || serviceRoleKey == "" {
		return nil, fmt.Errorf("%w: store url and service role key are required", outbox.ErrConfig)
	}
	rest := postgrest.NewClient(strings.TrimRight(projectURL, "/")+"/rest/v1", defaultSchema, map[string]string{
		"apikey":        serviceRoleKey,
		"Authorization": "Bearer " + serviceRoleKey,
	})
	if rest.ClientError != nil {
		return nil, fmt.Errorf("%w: %v", outbox.ErrConfig, rest.ClientError)
	}
	return &Client{rest: rest}, nil
}

func (c *Client) from(table string) *postgrest.QueryBuilder {
	return c.rest.From(table)
}

// run executes one request and maps every failure to ErrStore. postgrest-go does not take a
// context, so the caller's deadline is enforced here; an abandoned request finishes in the
// background.
func run(ctx context.Context, op string, exec func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", outbox.ErrStore, op, err)
	}
	done := make(chan error, 1)
	go func() { done <- exec() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %s: %v", outbox.ErrStore, op, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", outbox.ErrStore, op, ctx.Err())
	}
}
