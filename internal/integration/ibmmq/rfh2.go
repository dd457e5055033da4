package ibmmq

import (
	"bytes"
	"encoding/binary"
	"fmt"

	mq "github.com/ibm-messaging/mq-golang/v5/ibmmq"
)

// HeaderCodec wraps an outgoing payload in a message header and strips
// the header from incoming payloads.
type HeaderCodec interface {
	// Wrap prepends the header and returns the wire payload together
	// with the MQMD format name describing it.
	Wrap(payload []byte) (data []byte, format string, err error)

	// Strip removes the header from a received payload, returning the
	// payload unchanged when no header is present.
	Strip(payload []byte) []byte
}

const (
	rfh2StrucID      = "RFH "
	rfh2Version      = int32(2)
	rfh2FixedLength  = 36
	rfh2Encoding     = int32(273)
	rfh2CCSID        = int32(1208)
	rfh2Flags        = int32(0)
	rfh2NameValueCCS = int32(1208)

	// rfh2Folder marks the body as a JMS text message, which is what
	// the receiving applications expect.
	rfh2Folder = "<mcd><Msd>jms_text</Msd></mcd>"
)

// RFH2Codec implements HeaderCodec for the MQRFH2 header.
type RFH2Codec struct{}

// Wrap builds a fixed RFH2 header with a single mcd folder in front of
// the payload.
func (RFH2Codec) Wrap(payload []byte) ([]byte, string, error) {
	folder := []byte(rfh2Folder)
	for len(folder)%4 != 0 {
		folder = append(folder, ' ')
	}

	strucLength := int32(rfh2FixedLength + 4 + len(folder))

	var buf bytes.Buffer
	buf.WriteString(rfh2StrucID)
	for _, field := range []int32{rfh2Version, strucLength, rfh2Encoding, rfh2CCSID} {
		if err := binary.Write(&buf, binary.BigEndian, field); err != nil {
			return nil, "", fmt.Errorf("encode rfh2 header: %w", err)
		}
	}
	buf.WriteString(fmt.Sprintf("%-8s", mq.MQFMT_STRING))
	for _, field := range []int32{rfh2Flags, rfh2NameValueCCS, int32(len(folder))} {
		if err := binary.Write(&buf, binary.BigEndian, field); err != nil {
			return nil, "", fmt.Errorf("encode rfh2 header: %w", err)
		}
	}
	buf.Write(folder)
	buf.Write(payload)

	return buf.Bytes(), mq.MQFMT_RF_HEADER_2, nil
}

// Strip removes a leading RFH2 header when one is present.
func (RFH2Codec) Strip(payload []byte) []byte {
	if len(payload) < rfh2FixedLength || string(payload[:4]) != rfh2StrucID {
		return payload
	}

	strucLength := int32(binary.BigEndian.Uint32(payload[8:12]))
	if strucLength < rfh2FixedLength || int(strucLength) > len(payload) {
		return payload
	}

	return payload[strucLength:]
}
