package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func attachFSCmd() *cobra.Command {
	var turnID uint64
	var fsRootHashHex string
	cmd := &cobra.Command{
		Use:   "attach-fs",
		Short: "bind an fs_root_hash to an existing turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := parseHash(fsRootHashHex)
			if err != nil {
				return err
			}
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.AttachFS(turnID, hash)
			if err != nil {
				return err
			}
			fmt.Printf("ok=%v\n", resp.OK)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&turnID, "turn-id", 0, "turn to attach to")
	cmd.Flags().StringVar(&fsRootHashHex, "fs-root-hash", "", "hex-encoded fs_root_hash")
	_ = cmd.MarkFlagRequired("turn-id")
	_ = cmd.MarkFlagRequired("fs-root-hash")
	return cmd
}
