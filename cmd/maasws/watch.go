package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"maas-ws/internal/domain"
)

type watchOptions struct {
	prefix   string
	polls    []string
	interval time.Duration
	duration time.Duration
}

func (a *app) newWatchCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream every published event as JSON lines",
		Long: `Stream every published event as JSON lines.

Connection events, notifications pushed by the region and the events of
any --poll endpoints are printed until the command is interrupted.

Examples:
  maasws watch
  maasws watch --prefix machine/ --poll machine.list --interval 10s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWatch(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.prefix, "prefix", "", "Only print events whose name starts with this")
	f.StringArrayVar(&opts.polls, "poll", nil, "Poll MODEL.METHOD while watching (repeatable)")
	f.DurationVar(&opts.interval, "interval", 0, "Interval for --poll endpoints")
	f.DurationVar(&opts.duration, "duration", 0, "Stop after this long (0 = until interrupted)")
	return cmd
}

func (a *app) runWatch(ctx context.Context, opts watchOptions) error {
	polls := make([]domain.LogicalRequest, 0, len(opts.polls))
	for _, p := range opts.polls {
		model, method, err := parseEndpoint(p)
		if err != nil {
			return err
		}
		polls = append(polls, domain.LogicalRequest{
			Model:  model,
			Method: method,
			Poll:   &domain.PollSpec{Interval: opts.interval},
		})
	}

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	c, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, req := range polls {
		if err := c.session.Dispatch(ctx, req); err != nil {
			return err
		}
	}

	for {
		ev, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !strings.HasPrefix(ev.Name, opts.prefix) {
			continue
		}
		if err := writeEvent(a.out, ev); err != nil {
			return err
		}
	}
}
