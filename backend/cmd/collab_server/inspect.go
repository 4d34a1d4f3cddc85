package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"collabSync/backend/config"
	"collabSync/backend/internal/crdt"
)

func newInspectCmd(configFile *string) *cobra.Command {
	var showContent bool
	cmd := &cobra.Command{
		Use:   "inspect <docId>",
		Short: "Print the persisted record of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("init config failed: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			rdb := newRedis(cfg)
			if rdb != nil {
				defer rdb.Close()
			}
			st, closeStore, err := openStore(ctx, cfg, rdb)
			if err != nil {
				return err
			}
			defer closeStore()

			rec, err := st.Load(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}
			out := map[string]any{
				"docId":    rec.DocumentID,
				"revision": rec.Revision,
				"vector":   rec.Vector,
				"savedAt":  rec.SavedAt,
				"stateLen": len(rec.State),
			}
			if len(rec.State) > 0 {
				text, sv, err := crdt.SnapshotContent(rec.State)
				if err != nil {
					out["snapshotError"] = err.Error()
				} else {
					out["snapshotVector"] = sv
					out["consistent"] = text == rec.Content
				}
			}
			if showContent {
				out["content"] = rec.Content
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&showContent, "content", false, "include the materialized content")
	return cmd
}
