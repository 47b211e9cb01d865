package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strongdm/cxdb/internal/wire"
)

func dial(cmd *cobra.Command) (*wire.Client, error) {
	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return nil, err
	}
	return wire.Dial(addr, "cxdbctl", 1)
}

func parseHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return h, fmt.Errorf("hash must be 64 hex characters")
	}
	copy(h[:], b)
	return h, nil
}
