package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strongdm/cxdb/internal/wire"
)

func lastCmd() *cobra.Command {
	var (
		contextID      uint64
		limit          uint32
		beforeTurnID   uint64
		includePayload bool
	)
	cmd := &cobra.Command{
		Use:   "last",
		Short: "page a context's turns backward from its head",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.GetLast(wire.GetLastReq{
				ContextID:      contextID,
				Limit:          limit,
				IncludePayload: includePayload,
				BeforeTurnID:   beforeTurnID,
			})
			if err != nil {
				return err
			}
			for _, t := range resp.Turns {
				fmt.Printf("turn_id=%d parent=%d depth=%d type_tag=%d hash=%x\n",
					t.TurnID, t.ParentTurnID, t.Depth, t.TypeTag, t.PayloadHash)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&contextID, "context-id", 0, "context to page")
	cmd.Flags().Uint32Var(&limit, "limit", 20, "max turns to return")
	cmd.Flags().Uint64Var(&beforeTurnID, "before-turn-id", 0, "resume paging before this turn_id")
	cmd.Flags().BoolVar(&includePayload, "include-payload", false, "include raw payload bytes in the response")
	return cmd
}
