package protocol

type MessageType uint16

const (
	MsgRequestData           MessageType = 0x0001
	MsgDeliverData           MessageType = 0x0002
	MsgNotifyTransferStart   MessageType = 0x0003
	MsgConfirmTransferFinish MessageType = 0x0004
	MsgDataNotFound          MessageType = 0x0005
	MsgProgress              MessageType = 0x0006
)

// String returns the action name used on the wire by the reference peers.
func (t MessageType) String() string {
	switch t {
	case MsgRequestData:
		return "request-data"
	case MsgDeliverData:
		return "deliver-data"
	case MsgNotifyTransferStart:
		return "notify-transfer-start"
	case MsgConfirmTransferFinish:
		return "confirm-transfer-finish"
	case MsgDataNotFound:
		return "data-not-found"
	case MsgProgress:
		return "progress"
	default:
		return "unknown"
	}
}

type Flag string

const (
	FlagNoEncryption Flag = "no-encryption"
	FlagNotFile      Flag = "not-file"
)

// Flags is the ordered token list carried by every message.
type Flags []string

func (f Flags) Has(flag Flag) bool {
	for _, v := range f {
		if v == string(flag) {
			return true
		}
	}
	return false
}

// With returns a copy of f with flag appended unless already present.
func (f Flags) With(flag Flag) Flags {
	out := make(Flags, 0, len(f)+1)
	out = append(out, f...)
	if f.Has(flag) {
		return out
	}
	return append(out, string(flag))
}
