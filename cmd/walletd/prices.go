package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newPricesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prices",
		Short: "Refresh the watchlist once and print it as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res closers
			defer res.closeAll()

			cache, err := newPriceCache(cmd.Context(), a.cfg, &res)
			if err != nil {
				return err
			}
			if err := cache.Refresh(cmd.Context()); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cache.Snapshot())
		},
	}
}
