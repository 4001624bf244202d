package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/i474232898/weather-station-fusion/internal/config"
	"github.com/i474232898/weather-station-fusion/internal/transport"
)

func newStationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stations",
		Short: "List the stations and devices visible to the configured token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := transport.NewRESTClient(cfg.RESTURL, cfg.Token, cfg.HTTPTimeout)
			stations, err := client.Stations(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATION\tNAME\tDEVICE\tSERIAL\tTYPE")
			for _, st := range stations {
				for _, d := range st.Devices {
					fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", st.ID, st.Name, d.ID, d.Serial, d.Type)
				}
			}
			return w.Flush()
		},
	}
}
