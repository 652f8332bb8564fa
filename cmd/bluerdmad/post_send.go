package main

import (
	"fmt"

	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/descriptor"
	"github.com/bluerdma/bluerdmad/core_engine/rdma"
	"github.com/spf13/cobra"
)

var sendOpcodeByName = map[string]descriptor.SendOpcode{
	"write":      descriptor.SendOpWrite,
	"write-imm":  descriptor.SendOpWriteWithImm,
	"read":       descriptor.SendOpRead,
	"read-resp":  descriptor.SendOpReadResp,
}

func newPostSendCommand() *cobra.Command {
	var (
		opcode    string
		destQpn   uint32
		psn       uint32
		pmtu      string
		remoteVA  uint64
		remoteKey uint32
		localVA   uint64
		localKey  uint32
		length    uint32
		destIP    string
		msn       uint16
		imm       uint32
		signaled  bool
	)

	cmd := &cobra.Command{
		Use:   "post-send",
		Short: "Post a single send work request (§4.3): write, write-imm, read or read-resp",
		RunE: func(cmd *cobra.Command, args []string) error {
			so, ok := sendOpcodeByName[opcode]
			if !ok {
				return fmt.Errorf("bluerdmad: unknown --opcode %q (want write, write-imm, read or read-resp)", opcode)
			}
			pmtuVal, err := parsePmtu(pmtu)
			if err != nil {
				return err
			}
			ip, err := parseIPv4Bytes(destIP)
			if err != nil {
				return err
			}

			h, err := newHarness(flagTransport, flagLocalIP, flagTapIf)
			if err != nil {
				return err
			}
			defer h.close()

			flags := rdma.SendFlag(0)
			if signaled {
				flags |= rdma.SendFlagSignaled
			}

			seg0 := descriptor.SendSeg0{
				Header:    descriptor.Header{Valid: true, Opcode: uint8(so)},
				RemoteVA:  address.VirtualAddress(remoteVA),
				RemoteKey: remoteKey,
				DestIP:    ip,
				Msn:       msn,
			}
			seg1 := descriptor.SendSeg1{
				Pmtu:      uint16(pmtuVal),
				SendFlags: flags,
				QpType:    uint8(rdma.QpTypeRC),
				SgeCount:  1,
				Psn:       rdma.NewPsn(psn),
				DestQpn:   rdma.NewQpn(destQpn),
				Immediate: imm,
			}
			sge := descriptor.SendSge{Sge1: rdma.Sge{VA: address.VirtualAddress(localVA), Len: length, LKey: localKey}}

			if err := h.postSend(seg0, seg1, sge); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "posted %s to qpn %d, psn %d, %d bytes\n", opcode, destQpn, psn, length)
			return nil
		},
	}

	cmd.Flags().StringVar(&opcode, "opcode", "write", "write, write-imm, read or read-resp")
	cmd.Flags().Uint32Var(&destQpn, "dest-qpn", 0, "peer queue pair number")
	cmd.Flags().Uint32Var(&psn, "psn", 0, "starting packet sequence number")
	cmd.Flags().StringVar(&pmtu, "pmtu", "1024", "path MTU: 256, 512, 1024, 2048 or 4096")
	cmd.Flags().Uint64Var(&remoteVA, "remote-va", 0, "remote virtual address")
	cmd.Flags().Uint32Var(&remoteKey, "remote-key", 0, "remote memory key")
	cmd.Flags().Uint64Var(&localVA, "local-va", 0, "local virtual address to read the payload from")
	cmd.Flags().Uint32Var(&localKey, "local-key", 0, "local memory key")
	cmd.Flags().Uint32Var(&length, "len", 0, "payload length in bytes")
	cmd.Flags().StringVar(&destIP, "dest-ip", "127.0.0.1", "destination IPv4 address")
	cmd.Flags().Uint16Var(&msn, "msn", 0, "message sequence number")
	cmd.Flags().Uint32Var(&imm, "imm", 0, "immediate data, used with --opcode write-imm")
	cmd.Flags().BoolVar(&signaled, "signaled", false, "request a completion signal for this work request")

	return cmd
}
