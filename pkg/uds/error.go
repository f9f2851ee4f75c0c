package uds

import (
	"errors"
	"fmt"
)

// Negative response codes.
const (
	NRCGeneralReject                  byte = 0x10
	NRCServiceNotSupported            byte = 0x11
	NRCSubFunctionNotSupported        byte = 0x12
	NRCIncorrectMessageLength         byte = 0x13
	NRCResponseTooLong                byte = 0x14
	NRCBusyRepeatRequest              byte = 0x21
	NRCConditionsNotCorrect           byte = 0x22
	NRCRequestSequenceError           byte = 0x24
	NRCRequestOutOfRange              byte = 0x31
	NRCSecurityAccessDenied           byte = 0x33
	NRCInvalidKey                     byte = 0x35
	NRCExceededNumberOfAttempts       byte = 0x36
	NRCRequiredTimeDelayNotExpired    byte = 0x37
	NRCUploadDownloadNotAccepted      byte = 0x70
	NRCTransferDataSuspended          byte = 0x71
	NRCGeneralProgrammingFailure      byte = 0x72
	NRCWrongBlockSequenceCounter      byte = 0x73
	NRCResponsePending                byte = 0x78
	NRCSubFunctionNotSupportedSession byte = 0x7E
	NRCServiceNotSupportedSession     byte = 0x7F
)

var (
	ErrNoSeed         = errors.New("ECU returned no seed")
	ErrEmptyResponse  = errors.New("empty response")
	ErrTooManyPending = errors.New("too many response pending replies")
)

type NegativeResponseError struct {
	Service byte
	Code    byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("%s - %s (0x%02X)", TranslateServiceCode(e.Service), TranslateErrorCode(e.Code), e.Code)
}

// ResponseError is returned when the ECU answers with something that is
// neither the expected positive response nor a negative response.
type ResponseError struct {
	Service  byte
	Response []byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: unexpected response % X", TranslateServiceCode(e.Service), e.Response)
}

func TranslateErrorCode(p byte) string {
	switch p {
	case NRCGeneralReject:
		return "General reject"
	case NRCServiceNotSupported:
		return "Service not supported"
	case NRCSubFunctionNotSupported:
		return "Sub-function not supported"
	case NRCIncorrectMessageLength:
		return "Incorrect message length or invalid format"
	case NRCResponseTooLong:
		return "Response too long"
	case NRCBusyRepeatRequest:
		return "Busy, repeat request"
	case NRCConditionsNotCorrect:
		return "Conditions not correct"
	case NRCRequestSequenceError:
		return "Request sequence error"
	case NRCRequestOutOfRange:
		return "Request out of range"
	case NRCSecurityAccessDenied:
		return "Security access denied"
	case NRCInvalidKey:
		return "Invalid key"
	case NRCExceededNumberOfAttempts:
		return "Exceeded number of attempts"
	case NRCRequiredTimeDelayNotExpired:
		return "Required time delay not expired"
	case NRCUploadDownloadNotAccepted:
		return "Upload/download not accepted"
	case NRCTransferDataSuspended:
		return "Transfer data suspended"
	case NRCGeneralProgrammingFailure:
		return "General programming failure"
	case NRCWrongBlockSequenceCounter:
		return "Wrong block sequence counter"
	case NRCResponsePending:
		return "Request correctly received, response pending"
	case NRCSubFunctionNotSupportedSession:
		return "Sub-function not supported in active session"
	case NRCServiceNotSupportedSession:
		return "Service not supported in active session"
	default:
		return "Unknown"
	}
}
