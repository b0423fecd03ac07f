package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"maas-ws/internal/domain"
)

type callOptions struct {
	params          string
	actionType      string
	batch           bool
	subsequentLimit int
	multiple        bool
	jsonResponse    bool
	noCache         bool
	raw             bool
}

func (a *app) newCallCmd() *cobra.Command {
	var opts callOptions
	cmd := &cobra.Command{
		Use:   "call MODEL.METHOD",
		Short: "Send one request and print its result",
		Long: `Send one request and print its result.

Examples:
  maasws call general.version
  maasws call machine.get -p '{"system_id":"abc123"}'
  maasws call machine.list -p '{"limit":100}' --batch --subsequent-limit 500
  maasws call machine.action -p '[{"system_id":"a"},{"system_id":"b"}]' --multiple`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCall(cmd.Context(), args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.params, "params", "p", "", "Request params as JSON")
	f.StringVar(&opts.actionType, "type", "", "Action type used to name events (default model/method)")
	f.BoolVar(&opts.batch, "batch", false, "Follow full pages until a short page arrives (needs a limit in params)")
	f.IntVar(&opts.subsequentLimit, "subsequent-limit", 0, "Page size from the second page on")
	f.BoolVar(&opts.multiple, "multiple", false, "Send each item of an array params as its own request")
	f.BoolVar(&opts.jsonResponse, "json-response", false, "Decode string results as JSON")
	f.BoolVar(&opts.noCache, "no-cache", false, "Send even if the endpoint was already loaded")
	f.BoolVar(&opts.raw, "raw", false, "Print compact JSON")
	return cmd
}

func (o callOptions) request(endpoint string) (domain.LogicalRequest, error) {
	model, method, err := parseEndpoint(endpoint)
	if err != nil {
		return domain.LogicalRequest{}, err
	}
	req := domain.LogicalRequest{
		Type:         o.actionType,
		Model:        model,
		Method:       method,
		Multiple:     o.multiple,
		JSONResponse: o.jsonResponse,
	}
	if o.params != "" {
		req.Params = json.RawMessage(o.params)
	}
	if o.noCache {
		req.Cache = domain.CacheBypass
	}
	if o.batch {
		req.Page = &domain.PageSpec{SubsequentLimit: o.subsequentLimit}
		if req.PageLimit() <= 0 {
			return domain.LogicalRequest{}, fmt.Errorf("--batch needs a positive \"limit\" in --params")
		}
	}
	return req, req.Validate()
}

func (a *app) runCall(ctx context.Context, endpoint string, opts callOptions) error {
	req, err := opts.request(endpoint)
	if err != nil {
		return err
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

	pending := 1
	if req.Multiple {
		pending = len(req.Items())
	}
	action := req.ActionType()
	for {
		ev, err := c.next(ctx)
		if err != nil {
			return err
		}
		switch ev.Name {
		case domain.EventName(action, domain.EventSuccess):
			if err := writePayload(a.out, ev.Payload, opts.raw); err != nil {
				return err
			}
			if req.Page != nil {
				continue
			}
			if pending--; pending == 0 {
				return nil
			}
		case domain.EventName(action, domain.EventComplete):
			return nil
		case domain.EventName(action, domain.EventError):
			return fmt.Errorf("%s: %s", endpoint, formatErrorBody(ev.Error))
		case string(domain.EventConnError):
			a.log.Warn("connection error", "error", ev.Error)
		}
	}
}
