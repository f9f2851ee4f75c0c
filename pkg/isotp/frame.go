package isotp

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

// Frame is a single CAN frame as seen by the ISO-TP layer.
type Frame struct {
	Identifier uint32
	Data       []byte
}

func NewFrame(identifier uint32, data []byte) *Frame {
	return &Frame{
		Identifier: identifier,
		Data:       data,
	}
}

func (f *Frame) Length() int {
	return len(f.Data)
}

// Extended reports if the identifier needs 29 bits.
func (f *Frame) Extended() bool {
	return f.Identifier > 0x7FF
}

// Encode renders the frame data in the adapter line format, hex terminated
// by CR. The identifier is not part of the line, the adapter sends it from
// the header set with ATSH.
func (f *Frame) Encode() []byte {
	return []byte(strings.ToUpper(hex.EncodeToString(f.Data)) + "\r")
}

// Line renders the frame the way the adapter reports received frames with
// headers on and spaces off.
func (f *Frame) Line() string {
	if f.Extended() {
		return fmt.Sprintf("%08X%X", f.Identifier, f.Data)
	}
	return fmt.Sprintf("%03X%X", f.Identifier, f.Data)
}

// DecodeFrame parses one received adapter line, identifier followed by the
// data bytes. Status lines such as NO DATA are returned as errors.
func DecodeFrame(line []byte) (*Frame, error) {
	s := strings.ReplaceAll(strings.TrimSpace(string(line)), " ", "")
	if err := statusError(s); err != nil {
		return nil, err
	}
	idLen := 3
	if len(s)%2 == 0 {
		idLen = 8
	}
	if len(s) <= idLen {
		return nil, &FrameError{Line: string(line), Reason: "line too short"}
	}
	id, err := strconv.ParseUint(s[:idLen], 16, 32)
	if err != nil {
		return nil, &FrameError{Line: string(line), Reason: fmt.Sprintf("failed to decode identifier: %v", err)}
	}
	data, err := hex.DecodeString(s[idLen:])
	if err != nil {
		return nil, &FrameError{Line: string(line), Reason: fmt.Sprintf("failed to decode frame body: %v", err)}
	}
	return NewFrame(uint32(id), data), nil
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *Frame) String() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("0x%03X", f.Identifier) + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	out.WriteString(fmt.Sprintf("%-23s", hexView(f.Data)))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Data))
	return out.String()
}

func (f *Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(green("0x%03X", f.Identifier) + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	out.WriteString(red(fmt.Sprintf("%-23s", hexView(f.Data))))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(f.Data)))
	return out.String()
}

func hexView(data []byte) string {
	var b strings.Builder
	for i, c := range data {
		b.WriteString(fmt.Sprintf("%02X", c))
		if i != len(data)-1 {
			b.WriteString(" ")
		}
	}
	return b.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
