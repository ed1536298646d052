package main

import (
	"context"

	"github.com/dkeye/Comms/internal/client/call"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCallCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "call USER",
		Short: "Ring USER and stay in the call until it ends.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			events, stop := s.calls.Events(8)
			defer stop()
			return s.run(ctx, func(ctx context.Context) error {
				c, err := s.calls.InitiateCall(domain.Identity(args[0]), name)
				if err != nil {
					return err
				}
				log.Info().Str("to", args[0]).Str("room", string(c.Room)).Msg("ringing")
				waitForEnd(ctx, events, cancel)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name shown to the callee")
	return cmd
}

func newAnswerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "answer",
		Short: "Wait for one incoming call, accept it and stay until it ends.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newStack()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			events, stop := s.calls.Events(8)
			defer stop()
			return s.run(ctx, func(ctx context.Context) error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case c, ok := <-events:
						if !ok {
							return nil
						}
						if c.Phase != call.PhaseRingingIn {
							continue
						}
						log.Info().Str("from", string(c.Target)).Str("name", c.DisplayName).Msg("incoming call")
						if err := s.calls.Accept(); err != nil {
							return err
						}
						waitForEnd(ctx, events, cancel)
						return nil
					}
				}
			})
		},
	}
}

// waitForEnd logs call phases and stops the client once the call ends.
func waitForEnd(ctx context.Context, events <-chan call.Call, stop context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-events:
			if !ok {
				return
			}
			log.Info().Str("phase", c.Phase.String()).Str("peer", string(c.Target)).Msg("call")
			if c.Phase == call.PhaseEnded {
				log.Info().Str("reason", string(c.Reason)).Msg("call ended")
				stop()
				return
			}
		}
	}
}
