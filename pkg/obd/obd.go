package obd

import (
	"context"
	"errors"
	"fmt"
)

const (
	ModeCurrentData byte = 0x01
	ModeStoredDTCs  byte = 0x03
	ModeClearDTCs   byte = 0x04
	ModeVehicleInfo byte = 0x09
	InfoTypeVIN     byte = 0x02
	responseOffset  byte = 0x40
)

var ErrInvalidVIN = errors.New("invalid VIN")

// Requester sends one raw request, normally a *uds.Client.
type Requester interface {
	SendRaw(ctx context.Context, payload []byte) ([]byte, error)
}

// ResponseError is returned for responses that do not answer the request.
type ResponseError struct {
	Mode     byte
	Response []byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("mode %02X: unexpected response % X", e.Mode, e.Response)
}

// Client reads generic OBD-II data.
type Client struct {
	r Requester
}

func New(r Requester) *Client {
	return &Client{r: r}
}

// ReadPID requests a mode 01 PID and decodes it.
func (c *Client) ReadPID(ctx context.Context, pid byte) (Value, error) {
	p, ok := PIDs[pid]
	if !ok {
		return Value{}, fmt.Errorf("unsupported PID %02X", pid)
	}
	resp, err := c.r.SendRaw(ctx, []byte{ModeCurrentData, pid})
	if err != nil {
		return Value{}, err
	}
	if len(resp) < 2+p.Bytes || resp[0] != ModeCurrentData+responseOffset || resp[1] != pid {
		return Value{}, &ResponseError{Mode: ModeCurrentData, Response: resp}
	}
	return Value{PID: p, Value: p.Decode(resp[2 : 2+p.Bytes])}, nil
}

// ReadVIN requests mode 09 info type 02.
func (c *Client) ReadVIN(ctx context.Context) (string, error) {
	resp, err := c.r.SendRaw(ctx, []byte{ModeVehicleInfo, InfoTypeVIN})
	if err != nil {
		return "", err
	}
	return ReconstructVIN([][]byte{resp})
}

// ReconstructVIN joins mode 09 VIN frames of the form 49 02 <index> <ascii...>
// in index order and keeps the printable characters.
func ReconstructVIN(frames [][]byte) (string, error) {
	ordered := make(map[byte][]byte, len(frames))
	var maxIdx byte
	for _, f := range frames {
		if len(f) < 3 || f[0] != ModeVehicleInfo+responseOffset || f[1] != InfoTypeVIN {
			return "", &ResponseError{Mode: ModeVehicleInfo, Response: f}
		}
		ordered[f[2]] = f[3:]
		if f[2] > maxIdx {
			maxIdx = f[2]
		}
	}
	var vin []byte
	for i := 0; i <= int(maxIdx); i++ {
		for _, b := range ordered[byte(i)] {
			if b >= 0x20 && b <= 0x7E {
				vin = append(vin, b)
			}
		}
	}
	if len(vin) != 17 {
		return "", fmt.Errorf("%w: %q has %d characters", ErrInvalidVIN, vin, len(vin))
	}
	return string(vin), nil
}

// ReadDTCs returns the stored trouble codes from mode 03.
func (c *Client) ReadDTCs(ctx context.Context) ([]string, error) {
	resp, err := c.r.SendRaw(ctx, []byte{ModeStoredDTCs})
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 || resp[0] != ModeStoredDTCs+responseOffset {
		return nil, &ResponseError{Mode: ModeStoredDTCs, Response: resp}
	}
	data := resp[1:]
	// CAN responses carry the number of codes first.
	if len(data)%2 == 1 {
		data = data[1:]
	}
	var codes []string
	for i := 0; i+1 < len(data); i += 2 {
		if code := DecodeDTC(data[i], data[i+1]); code != "" {
			codes = append(codes, code)
		}
	}
	return codes, nil
}

// ClearDTCs clears stored trouble codes with mode 04.
func (c *Client) ClearDTCs(ctx context.Context) error {
	resp, err := c.r.SendRaw(ctx, []byte{ModeClearDTCs})
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != ModeClearDTCs+responseOffset {
		return &ResponseError{Mode: ModeClearDTCs, Response: resp}
	}
	return nil
}

// How to read DTC codes
//
//	B7 B6  first character  00=P 01=C 10=B 11=U
//	B5 B4  second character 0..3
//	B3..B0 third character  0..F
//	second byte             fourth and fifth characters 0..F
//
// Example E1 03 -> 11 10 0001 0000 0011 -> U2103

// DecodeDTC decodes a 2-byte DTC value (A,B) into a string like "P0122".
// Returns "" if both bytes are zero.
func DecodeDTC(a, b byte) string {
	if a == 0 && b == 0 {
		return ""
	}
	const hexDigits = "0123456789ABCDEF"
	systemChars := [4]byte{'P', 'C', 'B', 'U'}
	return string([]byte{
		systemChars[a>>6],
		hexDigits[(a>>4)&0x03],
		hexDigits[a&0x0F],
		hexDigits[b>>4],
		hexDigits[b&0x0F],
	})
}
