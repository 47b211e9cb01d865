package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func ctxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ctx", Short: "create, fork, and inspect contexts"}
	cmd.AddCommand(ctxCreateCmd())
	cmd.AddCommand(ctxForkCmd())
	cmd.AddCommand(ctxHeadCmd())
	return cmd
}

func ctxCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "create a fresh, empty context",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.CtxCreate(0)
			if err != nil {
				return err
			}
			fmt.Printf("context_id=%d head_turn_id=%d head_depth=%d\n", resp.ContextID, resp.HeadTurnID, resp.HeadDepth)
			return nil
		},
	}
}

func ctxForkCmd() *cobra.Command {
	var base uint64
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "fork a new context from an existing turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			if base == 0 {
				return fmt.Errorf("--base is required and must be non-zero")
			}
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.CtxCreate(base)
			if err != nil {
				return err
			}
			fmt.Printf("context_id=%d head_turn_id=%d head_depth=%d\n", resp.ContextID, resp.HeadTurnID, resp.HeadDepth)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&base, "base", 0, "turn_id to fork from")
	return cmd
}

func ctxHeadCmd() *cobra.Command {
	var contextID uint64
	cmd := &cobra.Command{
		Use:   "head",
		Short: "print a context's current head",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.GetHead(contextID)
			if err != nil {
				return err
			}
			fmt.Printf("head_turn_id=%d head_depth=%d\n", resp.HeadTurnID, resp.HeadDepth)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&contextID, "context-id", 0, "context_id to query")
	return cmd
}
