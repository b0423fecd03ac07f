package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"maas-ws/internal/domain"
)

type fetchOptions struct {
	params string
	key    string
	output string
	keep   bool
}

func (a *app) newFetchCmd() *cobra.Command {
	var opts fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch MODEL.METHOD",
		Short: "Fetch a large response into the file context store",
		Long: `Fetch a large response into the file context store and write it out.

The response body is kept out of the event stream. With --keep it stays in
the store under --key, which is useful with the sqlite backend.

Examples:
  maasws fetch machine.get_curtin_config -p '{"system_id":"abc123"}' -o curtin.yaml
  maasws fetch general.generate_client_certificate --key cert --keep`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFetch(cmd.Context(), args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.params, "params", "p", "", "Request params as JSON")
	f.StringVar(&opts.key, "key", "", "File context key (default MODEL.METHOD)")
	f.StringVarP(&opts.output, "output", "o", "", "Write to this file instead of stdout")
	f.BoolVar(&opts.keep, "keep", false, "Leave the payload in the store")
	return cmd
}

func (a *app) runFetch(ctx context.Context, endpoint string, opts fetchOptions) error {
	model, method, err := parseEndpoint(endpoint)
	if err != nil {
		return err
	}
	key := opts.key
	if key == "" {
		key = endpoint
	}
	req := domain.LogicalRequest{
		Model:       model,
		Method:      method,
		Cache:       domain.CacheBypass,
		FileContext: &domain.FileContextSpec{Key: key},
	}
	if opts.params != "" {
		req.Params = json.RawMessage(opts.params)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	c, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.session.Dispatch(ctx, req); err != nil {
		return err
	}
	if err := awaitResult(ctx, c, req.ActionType()); err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}

	store := c.session.FileContext()
	data, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if opts.output != "" {
		err = os.WriteFile(opts.output, data, 0o600)
	} else {
		_, err = a.out.Write(data)
	}
	if err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if opts.keep {
		return nil
	}
	return store.Delete(ctx, key)
}

// awaitResult waits for the Success or Error event of action.
func awaitResult(ctx context.Context, c *client, action string) error {
	for {
		ev, err := c.next(ctx)
		if err != nil {
			return err
		}
		switch ev.Name {
		case domain.EventName(action, domain.EventSuccess):
			return nil
		case domain.EventName(action, domain.EventError):
			return fmt.Errorf("%s", formatErrorBody(ev.Error))
		}
	}
}
