package main

import (
	"fmt"

	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/descriptor"
	"github.com/spf13/cobra"
)

func newLoadMrCommand() *cobra.Command {
	var (
		key             uint32
		pdHandle        uint32
		baseVA          uint64
		length          uint64
		access          string
		pageTableOffset uint32
		pageTable       string
		pageTableStart  uint32
	)

	cmd := &cobra.Command{
		Use:   "load-mr",
		Short: "Install a memory region's page table and register it (§4.2 UpdatePageTable + UpdateMrTable)",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHarness(flagTransport, flagLocalIP, flagTapIf)
			if err != nil {
				return err
			}
			defer h.close()

			entries, err := parseHexList(pageTable)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				for i, v := range entries {
					if err := h.cli.Pointer(address.DmaAddress(hostMemoryBase)).Add(uint64(i) * 8).WriteUint64(v); err != nil {
						return fmt.Errorf("bluerdmad: writing page-table entry %d: %w", i, err)
					}
				}

				req := descriptor.UpdatePageTable{
					Header:        descriptor.Header{Valid: true, Opcode: uint8(descriptor.OpUpdatePageTable)},
					DmaAddr:       address.DmaAddress(hostMemoryBase),
					StartIndex:    pageTableStart,
					DmaReadLength: uint32(len(entries)) * 8,
				}
				buf := make([]byte, descriptor.Size)
				req.Marshal(buf)
				resp, err := h.postCommandRequest(buf)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "UpdatePageTable: success=%v\n", resp.Success)
				if !resp.Success {
					return fmt.Errorf("bluerdmad: UpdatePageTable rejected by device")
				}
			}

			accessFlags, err := parseAccessFlags(access)
			if err != nil {
				return err
			}

			mr := descriptor.UpdateMrTable{
				Header:          descriptor.Header{Valid: true, Opcode: uint8(descriptor.OpUpdateMrTable), ExtraSegmentCount: 1},
				Key:             key,
				PdHandle:        pdHandle,
				Access:          accessFlags,
				PageTableOffset: pageTableOffset,
				BaseVA:          address.VirtualAddress(baseVA),
				Len:             length,
			}
			buf := make([]byte, 2*descriptor.Size)
			mr.Marshal(buf)
			resp, err := h.postCommandRequest(buf)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "UpdateMrTable: success=%v key=0x%x\n", resp.Success, key)
			if !resp.Success {
				return fmt.Errorf("bluerdmad: UpdateMrTable rejected by device")
			}
			return nil
		},
	}

	cmd.Flags().Uint32Var(&key, "key", 0, "memory region key")
	cmd.Flags().Uint32Var(&pdHandle, "pd", 0, "protection domain handle")
	cmd.Flags().Uint64Var(&baseVA, "base-va", 0, "base virtual address")
	cmd.Flags().Uint64Var(&length, "len", 0, "region length in bytes")
	cmd.Flags().StringVar(&access, "access", "local-write", "comma-separated access flags: local-write, remote-write, remote-read, remote-atomic, mw-bind, zero-based, on-demand, hugetlb")
	cmd.Flags().Uint32Var(&pageTableOffset, "page-table-offset", 0, "offset of this region's first page within the device page table")
	cmd.Flags().StringVar(&pageTable, "page-table", "", "comma-separated DMA addresses (hex or decimal) to install starting at --page-table-start")
	cmd.Flags().Uint32Var(&pageTableStart, "page-table-start", 0, "starting index for --page-table's entries")

	return cmd
}
