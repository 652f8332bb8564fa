package main

import (
	"fmt"

	"github.com/bluerdma/bluerdmad/core_engine/csr"
	"github.com/spf13/cobra"
)

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Write 1 to the soft-reset register and confirm every queue bank reads zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHarness(flagTransport, flagLocalIP, flagTapIf)
			if err != nil {
				return err
			}
			defer h.close()

			if err := h.dev.CSR().Write(csr.BaseSoftReset, 1); err != nil {
				return err
			}

			for _, base := range []uint64{csr.BaseCommandResponse, csr.BaseMetaReport, csr.BaseCommandRequest, csr.BaseSend} {
				for _, off := range []uint64{csr.OffsetAddrLow, csr.OffsetAddrHigh, csr.OffsetHead, csr.OffsetTail} {
					v, err := h.dev.CSR().Read(base + off)
					if err != nil {
						return err
					}
					if v != 0 {
						return fmt.Errorf("bluerdmad: register 0x%x reads 0x%x after soft reset", base+off, v)
					}
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "soft reset issued")
			return nil
		},
	}
}
