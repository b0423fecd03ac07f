package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"maas-ws/internal/domain"
)

type pollOptions struct {
	params   string
	interval time.Duration
	id       string
	count    int
	raw      bool
}

func (a *app) newPollCmd() *cobra.Command {
	var opts pollOptions
	cmd := &cobra.Command{
		Use:   "poll MODEL.METHOD",
		Short: "Re-send a request on an interval and print every result",
		Long: `Re-send a request on an interval and print every result.

Polling runs until --count results were printed or the command is
interrupted; the poll is stopped before exiting.

Examples:
  maasws poll machine.list --interval 5s
  maasws poll controller.check_images -p '[{"id":1}]' --count 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPoll(cmd.Context(), args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.params, "params", "p", "", "Request params as JSON")
	f.DurationVar(&opts.interval, "interval", 0, "Poll interval (default rpc.default_poll_interval)")
	f.StringVar(&opts.id, "id", "", "Poll key (default MODEL.METHOD)")
	f.IntVarP(&opts.count, "count", "n", 0, "Stop after this many results (0 = until interrupted)")
	f.BoolVar(&opts.raw, "raw", false, "Print compact JSON")
	return cmd
}

func (a *app) runPoll(ctx context.Context, endpoint string, opts pollOptions) error {
	model, method, err := parseEndpoint(endpoint)
	if err != nil {
		return err
	}
	req := domain.LogicalRequest{
		Model:  model,
		Method: method,
		Poll:   &domain.PollSpec{Interval: opts.interval, ID: opts.id},
	}
	if opts.params != "" {
		req.Params = json.RawMessage(opts.params)
	}

	c, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.session.Dispatch(ctx, req); err != nil {
		return err
	}

	action := req.ActionType()
	for seen := 0; opts.count == 0 || seen < opts.count; {
		ev, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Interrupted; closing the session stops the poll.
				return nil
			}
			return err
		}
		switch ev.Name {
		case domain.EventName(action, domain.EventSuccess):
			if err := writePayload(a.out, ev.Payload, opts.raw); err != nil {
				return err
			}
			seen++
		case domain.EventName(action, domain.EventError):
			a.log.Warn("poll request failed", "endpoint", endpoint, "error", formatErrorBody(ev.Error))
		}
	}
	return a.stopPoll(c, req)
}

// stopPoll stops the poll started by req and waits for the confirmation.
func (a *app) stopPoll(c *client, req domain.LogicalRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	stop := req
	stop.Poll = &domain.PollSpec{Stop: true, ID: req.Poll.ID}
	if err := c.session.Dispatch(ctx, stop); err != nil {
		return err
	}
	stopped := domain.EventName(req.ActionType(), domain.EventPollingStopped)
	for {
		ev, err := c.next(ctx)
		if err != nil {
			return err
		}
		if ev.Name == stopped {
			return nil
		}
	}
}
