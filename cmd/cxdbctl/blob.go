package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/strongdm/cxdb/core"
)

func blobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "blob", Short: "push and pull content-addressed blobs"}
	cmd.AddCommand(blobPutCmd())
	cmd.AddCommand(blobGetCmd())
	return cmd
}

func blobPutCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "upload a file, deduplicated by content hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			hash := core.HashBytes(raw)
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.PutBlob(hash, raw)
			if err != nil {
				return err
			}
			fmt.Printf("hash=%x was_new=%v\n", resp.Hash, resp.WasNew)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the file to upload")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func blobGetCmd() *cobra.Command {
	var hashHex, out string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "download a blob by hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := parseHash(hashHex)
			if err != nil {
				return err
			}
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.GetBlob(hash)
			if err != nil {
				return err
			}
			if out == "-" || out == "" {
				_, err = os.Stdout.Write(resp.RawBytes)
				return err
			}
			return os.WriteFile(out, resp.RawBytes, 0o644)
		},
	}
	cmd.Flags().StringVar(&hashHex, "hash", "", "hex-encoded BLAKE3 hash")
	cmd.Flags().StringVar(&out, "out", "-", "output path, or - for stdout")
	_ = cmd.MarkFlagRequired("hash")
	return cmd
}
