package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	pduAssociateRQ = 0x01
	pduAssociateAC = 0x02
	pduAssociateRJ = 0x03
	pduPDataTF     = 0x04
	pduReleaseRQ   = 0x05
	pduReleaseRP   = 0x06
	pduAbort       = 0x07
)

const (
	itemApplicationContext    = 0x10
	itemPresentationContextRQ = 0x20
	itemPresentationContextAC = 0x21
	itemAbstractSyntax        = 0x30
	itemTransferSyntax        = 0x40
	itemUserInformation       = 0x50
	itemMaxLength             = 0x51
	itemImplementationClass   = 0x52
	itemImplementationVersion = 0x55
)

func writePDU(w io.Writer, pduType byte, body []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readPDU(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[2:])
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return header[0], body, nil
}

func subItem(itemType byte, value []byte) []byte {
	item := make([]byte, 4+len(value))
	item[0] = itemType
	binary.BigEndian.PutUint16(item[2:], uint16(len(value)))
	copy(item[4:], value)
	return item
}

func padAET(aet string) []byte {
	padded := make([]byte, 16)
	copy(padded, aet)
	for i := len(aet); i < 16; i++ {
		padded[i] = ' '
	}
	return padded
}

func (a *Association) sendAssociateRequest(abstractSyntaxes []string) error {
	var body bytes.Buffer

	body.Write([]byte{0x00, 0x01}) // protocol version
	body.Write([]byte{0x00, 0x00}) // reserved
	body.Write(padAET(a.cfg.CalledAET))
	body.Write(padAET(a.cfg.CallingAET))
	body.Write(make([]byte, 32)) // reserved

	body.Write(subItem(itemApplicationContext, []byte(applicationContextUID)))

	// Odd presentation context IDs, one per abstract syntax, implicit VR
	// little endian only.
	id := byte(1)
	for _, sop := range abstractSyntaxes {
		var pc bytes.Buffer
		pc.WriteByte(id)
		pc.Write([]byte{0x00, 0x00, 0x00})
		pc.Write(subItem(itemAbstractSyntax, []byte(sop)))
		pc.Write(subItem(itemTransferSyntax, []byte(implicitVRLittleEndian)))
		body.Write(subItem(itemPresentationContextRQ, pc.Bytes()))
		id += 2
	}

	var user bytes.Buffer
	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, defaultMaxPDULength)
	user.Write(subItem(itemMaxLength, maxLen))
	user.Write(subItem(itemImplementationClass, []byte(implementationClassUID)))
	user.Write(subItem(itemImplementationVersion, []byte(implementationVersion)))
	body.Write(subItem(itemUserInformation, user.Bytes()))

	return writePDU(a.conn, pduAssociateRQ, body.Bytes())
}

// receiveAssociateAccept parses A-ASSOCIATE-AC and records which requested
// presentation contexts were accepted.
func (a *Association) receiveAssociateAccept(requested []string) error {
	pduType, body, err := readPDU(a.conn)
	if err != nil {
		return err
	}
	switch pduType {
	case pduAssociateAC:
	case pduAssociateRJ:
		if len(body) >= 4 {
			return fmt.Errorf("A-ASSOCIATE-RJ result=%d source=%d reason=%d", body[1], body[2], body[3])
		}
		return fmt.Errorf("A-ASSOCIATE-RJ")
	default:
		return fmt.Errorf("unexpected PDU type 0x%02x", pduType)
	}

	if len(body) < 68 {
		return fmt.Errorf("short A-ASSOCIATE-AC body")
	}

	// Requested context IDs were assigned 1, 3, 5, ... in order.
	bySyntax := make(map[byte]string, len(requested))
	id := byte(1)
	for _, sop := range requested {
		bySyntax[id] = sop
		id += 2
	}

	offset := 68
	for offset+4 <= len(body) {
		itemType := body[offset]
		itemLen := int(binary.BigEndian.Uint16(body[offset+2 : offset+4]))
		if offset+4+itemLen > len(body) {
			return fmt.Errorf("truncated item 0x%02x in A-ASSOCIATE-AC", itemType)
		}
		item := body[offset+4 : offset+4+itemLen]
		offset += 4 + itemLen

		if itemType != itemPresentationContextAC || len(item) < 4 {
			continue
		}
		ctxID := item[0]
		result := item[2]
		if result != 0 { // not accepted
			continue
		}
		if sop, ok := bySyntax[ctxID]; ok {
			a.contexts[sop] = ctxID
		}
	}

	if len(a.contexts) == 0 {
		return fmt.Errorf("peer accepted no presentation contexts")
	}
	return nil
}

// PDV message control header flags.
const (
	pdvCommand      = 0x01
	pdvLastFragment = 0x02
)

// sendMessage writes a command set, and optionally a dataset, as P-DATA-TF
// PDUs on the given presentation context.
func (a *Association) sendMessage(ctxID byte, command, dataset []byte) error {
	if err := a.sendFragments(ctxID, command, true); err != nil {
		return err
	}
	if dataset != nil {
		return a.sendFragments(ctxID, dataset, false)
	}
	return nil
}

func (a *Association) sendFragments(ctxID byte, payload []byte, isCommand bool) error {
	// Leave room for the PDV item header within the negotiated PDU size.
	maxFragment := defaultMaxPDULength - 6
	for offset := 0; ; {
		remaining := len(payload) - offset
		n := remaining
		if n > maxFragment {
			n = maxFragment
		}

		control := byte(0)
		if isCommand {
			control |= pdvCommand
		}
		if offset+n >= len(payload) {
			control |= pdvLastFragment
		}

		var pdu bytes.Buffer
		lengthField := make([]byte, 4)
		binary.BigEndian.PutUint32(lengthField, uint32(n+2))
		pdu.Write(lengthField)
		pdu.WriteByte(ctxID)
		pdu.WriteByte(control)
		pdu.Write(payload[offset : offset+n])

		if err := writePDU(a.conn, pduPDataTF, pdu.Bytes()); err != nil {
			return err
		}

		offset += n
		if offset >= len(payload) {
			return nil
		}
	}
}

// receiveMessage reads P-DATA-TF PDUs until a complete command set (and, if
// the command announces one, a complete dataset) has been assembled.
func (a *Association) receiveMessage() (command elementSet, dataset []byte, err error) {
	var commandBuf, datasetBuf bytes.Buffer
	commandDone := false

	for {
		pduType, body, err := readPDU(a.conn)
		if err != nil {
			return nil, nil, err
		}
		if pduType == pduAbort {
			return nil, nil, fmt.Errorf("peer aborted association")
		}
		if pduType != pduPDataTF {
			return nil, nil, fmt.Errorf("unexpected PDU type 0x%02x", pduType)
		}

		offset := 0
		for offset+6 <= len(body) {
			itemLen := int(binary.BigEndian.Uint32(body[offset : offset+4]))
			if itemLen < 2 || offset+4+itemLen > len(body) {
				return nil, nil, fmt.Errorf("malformed PDV item")
			}
			control := body[offset+5]
			fragment := body[offset+6 : offset+4+itemLen]
			offset += 4 + itemLen

			if control&pdvCommand != 0 {
				commandBuf.Write(fragment)
				if control&pdvLastFragment != 0 {
					commandDone = true
				}
			} else {
				datasetBuf.Write(fragment)
				if control&pdvLastFragment != 0 {
					cmd, err := parseElements(commandBuf.Bytes())
					if err != nil {
						return nil, nil, err
					}
					return cmd, datasetBuf.Bytes(), nil
				}
			}
		}

		if commandDone {
			cmd, err := parseElements(commandBuf.Bytes())
			if err != nil {
				return nil, nil, err
			}
			if cmd.hasDataset() {
				commandDone = false // keep reading PDUs for the dataset
				continue
			}
			return cmd, nil, nil
		}
	}
}
