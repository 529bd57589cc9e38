package protocol

type Message interface {
	Type() MessageType
}

// RequestData asks the remote catalog for cid. Keys are standard base64.
type RequestData struct {
	CID           string
	Flags         Flags
	EncryptionKey string
	Nonce         string
}

func (*RequestData) Type() MessageType { return MsgRequestData }

type Metadata struct {
	Name   string
	Type   string
	CID    string
	IsFile bool
}

// DeliverData carries the full payload, sealed unless FlagNoEncryption is set.
type DeliverData struct {
	Flags             Flags
	Message           []byte
	AuthenticationKey string
	Metadata          Metadata
}

func (*DeliverData) Type() MessageType { return MsgDeliverData }

type NotifyTransferStart struct {
	CID   string
	Flags Flags
}

func (*NotifyTransferStart) Type() MessageType { return MsgNotifyTransferStart }

type ConfirmTransferFinish struct {
	CID   string
	Flags Flags
}

func (*ConfirmTransferFinish) Type() MessageType { return MsgConfirmTransferFinish }

type DataNotFound struct {
	CID   string
	Flags Flags
}

func (*DataNotFound) Type() MessageType { return MsgDataNotFound }

// Progress reports the deliverer's outstanding bytes for CID.
type Progress struct {
	CID      string
	Progress uint64
	Flags    Flags
}

func (*Progress) Type() MessageType { return MsgProgress }
