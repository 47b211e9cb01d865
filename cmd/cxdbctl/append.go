package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/strongdm/cxdb/core"
	"github.com/strongdm/cxdb/internal/wire"
)

func appendCmd() *cobra.Command {
	var (
		contextID      uint64
		parentTurnID   uint64
		typeID         string
		typeVersion    uint32
		payloadFile    string
		idempotencyKey string
		fsRootHashHex  string
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "append a turn to a context",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			var err error
			if payloadFile == "-" || payloadFile == "" {
				payload, err = os.ReadFile(os.Stdin.Name())
			} else {
				payload, err = os.ReadFile(payloadFile)
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			stored, codec := core.CompressForStorage(payload)
			hash := core.HashBytes(payload)

			req := wire.AppendTurnReq{
				ContextID:         contextID,
				ParentTurnID:      parentTurnID,
				TypeID:            typeID,
				TypeVersion:       typeVersion,
				Encoding:          1,
				Compression:       uint16(codec),
				UncompressedLen:   uint32(len(payload)),
				ContentHashB3_256: hash,
				PayloadBytes:      stored,
				IdempotencyKey:    idempotencyKey,
			}
			if fsRootHashHex != "" {
				fsHash, err := parseHash(fsRootHashHex)
				if err != nil {
					return err
				}
				req.HasFSRoot = true
				req.FSRootHash = fsHash
			}

			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.AppendTurn(req)
			if err != nil {
				return err
			}
			fmt.Printf("turn_id=%d depth=%d\n", resp.NewTurnID, resp.NewDepth)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&contextID, "context-id", 0, "target context")
	cmd.Flags().Uint64Var(&parentTurnID, "parent", 0, "parent turn_id (0 = current head)")
	cmd.Flags().StringVar(&typeID, "type-id", "", "declared type_id")
	cmd.Flags().Uint32Var(&typeVersion, "type-version", 1, "declared type_version")
	cmd.Flags().StringVar(&payloadFile, "payload", "-", "path to payload bytes, or - for stdin")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "client-supplied idempotency key")
	cmd.Flags().StringVar(&fsRootHashHex, "fs-root-hash", "", "optional fs_root_hash to attach at append time")
	return cmd
}
