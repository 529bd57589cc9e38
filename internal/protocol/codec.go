// Package protocol implements the transfer messages and their protobuf wire
// encoding. One encoded message is carried per channel payload.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldKind              protowire.Number = 1
	fieldCID               protowire.Number = 2
	fieldFlags             protowire.Number = 3
	fieldEncryptionKey     protowire.Number = 4
	fieldNonce             protowire.Number = 5
	fieldMessage           protowire.Number = 6
	fieldAuthenticationKey protowire.Number = 7
	fieldMetadata          protowire.Number = 8
	fieldProgress          protowire.Number = 9

	fieldMetaName   protowire.Number = 1
	fieldMetaType   protowire.Number = 2
	fieldMetaCID    protowire.Number = 3
	fieldMetaIsFile protowire.Number = 4
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrMalformed      = errors.New("malformed message")
)

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrUnknownMessage)
	}

	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Type()))

	switch m := msg.(type) {
	case *RequestData:
		b = appendString(b, fieldCID, m.CID)
		b = appendFlags(b, m.Flags)
		b = appendString(b, fieldEncryptionKey, m.EncryptionKey)
		b = appendString(b, fieldNonce, m.Nonce)
	case *DeliverData:
		b = appendFlags(b, m.Flags)
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Message)
		b = appendString(b, fieldAuthenticationKey, m.AuthenticationKey)
		b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMetadata(m.Metadata))
	case *NotifyTransferStart:
		b = appendString(b, fieldCID, m.CID)
		b = appendFlags(b, m.Flags)
	case *ConfirmTransferFinish:
		b = appendString(b, fieldCID, m.CID)
		b = appendFlags(b, m.Flags)
	case *DataNotFound:
		b = appendString(b, fieldCID, m.CID)
		b = appendFlags(b, m.Flags)
	case *Progress:
		b = appendString(b, fieldCID, m.CID)
		b = appendFlags(b, m.Flags)
		b = protowire.AppendTag(b, fieldProgress, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Progress)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}

	return b, nil
}

type wireFields struct {
	kind              uint64
	hasKind           bool
	cid               string
	flags             Flags
	encryptionKey     string
	nonce             string
	message           []byte
	authenticationKey string
	metadata          Metadata
	progress          uint64
}

func (c *Codec) Decode(data []byte) (Message, error) {
	var f wireFields

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			f.kind, n = protowire.ConsumeVarint(data)
			f.hasKind = true
		case num == fieldProgress && typ == protowire.VarintType:
			f.progress, n = protowire.ConsumeVarint(data)
		case num == fieldMessage && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				f.message = append([]byte(nil), v...)
			}
		case num == fieldMetadata && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				meta, err := decodeMetadata(v)
				if err != nil {
					return nil, err
				}
				f.metadata = meta
			}
		case typ == protowire.BytesType && isStringField(num):
			var v string
			v, n = protowire.ConsumeString(data)
			if n >= 0 {
				f.setString(num, v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}

		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		data = data[n:]
	}

	if !f.hasKind {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	}

	switch MessageType(f.kind) {
	case MsgRequestData:
		return &RequestData{CID: f.cid, Flags: f.flags, EncryptionKey: f.encryptionKey, Nonce: f.nonce}, nil
	case MsgDeliverData:
		return &DeliverData{Flags: f.flags, Message: f.message, AuthenticationKey: f.authenticationKey, Metadata: f.metadata}, nil
	case MsgNotifyTransferStart:
		return &NotifyTransferStart{CID: f.cid, Flags: f.flags}, nil
	case MsgConfirmTransferFinish:
		return &ConfirmTransferFinish{CID: f.cid, Flags: f.flags}, nil
	case MsgDataNotFound:
		return &DataNotFound{CID: f.cid, Flags: f.flags}, nil
	case MsgProgress:
		return &Progress{CID: f.cid, Progress: f.progress, Flags: f.flags}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownMessage, f.kind)
	}
}

func isStringField(num protowire.Number) bool {
	switch num {
	case fieldCID, fieldFlags, fieldEncryptionKey, fieldNonce, fieldAuthenticationKey:
		return true
	}
	return false
}

func (f *wireFields) setString(num protowire.Number, v string) {
	switch num {
	case fieldCID:
		f.cid = v
	case fieldFlags:
		f.flags = append(f.flags, v)
	case fieldEncryptionKey:
		f.encryptionKey = v
	case fieldNonce:
		f.nonce = v
	case fieldAuthenticationKey:
		f.authenticationKey = v
	}
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendFlags(b []byte, flags Flags) []byte {
	for _, flag := range flags {
		b = protowire.AppendTag(b, fieldFlags, protowire.BytesType)
		b = protowire.AppendString(b, flag)
	}
	return b
}

func encodeMetadata(m Metadata) []byte {
	var b []byte
	b = appendString(b, fieldMetaName, m.Name)
	b = appendString(b, fieldMetaType, m.Type)
	b = appendString(b, fieldMetaCID, m.CID)
	if m.IsFile {
		b = protowire.AppendTag(b, fieldMetaIsFile, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func decodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, fmt.Errorf("%w: metadata: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldMetaIsFile && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			m.IsFile = protowire.DecodeBool(v)
		case typ == protowire.BytesType && num >= fieldMetaName && num <= fieldMetaCID:
			var v string
			v, n = protowire.ConsumeString(data)
			switch num {
			case fieldMetaName:
				m.Name = v
			case fieldMetaType:
				m.Type = v
			case fieldMetaCID:
				m.CID = v
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}

		if n < 0 {
			return m, fmt.Errorf("%w: metadata field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return m, nil
}
