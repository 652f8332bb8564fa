package descriptor

// CommandResponse is the single 32-byte descriptor the command-request
// pipeline pushes for every request it handles: the opcode, success bit
// and user-data echoed back (§4.2).
type CommandResponse struct {
	Opcode   RequestOpcode
	Success  bool
	UserData uint32
}

func (d CommandResponse) Marshal(dst []byte) {
	h := Header{Valid: true, SuccessOrSignal: d.Success, Opcode: uint8(d.Opcode), UserData: d.UserData}
	h.Marshal(dst[0:8])
	for i := 8; i < Size; i++ {
		dst[i] = 0
	}
}

func UnmarshalCommandResponse(src []byte) CommandResponse {
	h := UnmarshalHeader(src[0:8])
	return CommandResponse{Opcode: RequestOpcode(h.Opcode), Success: h.SuccessOrSignal, UserData: h.UserData}
}
