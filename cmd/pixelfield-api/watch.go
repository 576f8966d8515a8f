package main

import (
	"encoding/json"
	"net/http"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/realtime"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	var (
		url   string
		token string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print a field's websocket change feed as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			header := http.Header{}
			if token != "" {
				header.Set("Authorization", "Bearer "+token)
			}
			feed, err := realtime.DialFeed(cmd.Context(), url, header)
			if err != nil {
				return err
			}
			defer feed.Close() //nolint:errcheck

			encoder := json.NewEncoder(cmd.OutOrStdout())
			for event := range feed.Events() {
				if err := encoder.Encode(event); err != nil {
					return err
				}
			}
			return feed.Err()
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Websocket URL, e.g. ws://localhost:8080/fields/<id>/ws")
	cmd.Flags().StringVar(&token, "token", "", "Session token")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
