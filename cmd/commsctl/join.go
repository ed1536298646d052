package main

import (
	"context"

	"github.com/dkeye/Comms/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newJoinCmd() *cobra.Command {
	var screen bool
	cmd := &cobra.Command{
		Use:   "join ROOM...",
		Short: "Join rooms and keep a media session with every member.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack()
			if err != nil {
				return err
			}
			return s.run(cmd.Context(), func(context.Context) error {
				for _, a := range args {
					room := domain.RoomID(a)
					if err := s.mesh.Join(room); err != nil {
						return err
					}
					log.Info().Str("room", a).Msg("joined")
				}
				if screen {
					return s.media.StartScreenShare()
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&screen, "screen", false, "share the screen track once joined")
	return cmd
}
