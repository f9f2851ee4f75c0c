package uds

// Service identifiers.
const (
	DiagnosticSessionControl byte = 0x10
	ECUReset                 byte = 0x11
	ClearDiagnosticInfo      byte = 0x14
	ReadDTCInformation       byte = 0x19
	ReadDataByIdentifier     byte = 0x22
	ReadMemoryByAddress      byte = 0x23
	SecurityAccess           byte = 0x27
	CommunicationControl     byte = 0x28
	WriteDataByIdentifier    byte = 0x2E
	RoutineControl           byte = 0x31
	RequestDownload          byte = 0x34
	RequestUpload            byte = 0x35
	TransferData             byte = 0x36
	RequestTransferExit      byte = 0x37
	WriteMemoryByAddress     byte = 0x3D
	TesterPresent            byte = 0x3E
	ControlDTCSetting        byte = 0x85

	NegativeResponse byte = 0x7F
	positiveOffset   byte = 0x40
)

// Diagnostic session types.
const (
	DefaultSession     byte = 0x01
	ProgrammingSession byte = 0x02
	ExtendedSession    byte = 0x03
)

// ECU reset types.
const (
	HardReset     byte = 0x01
	KeyOffOnReset byte = 0x02
	SoftReset     byte = 0x03
)

// Common data identifiers.
const (
	DIDVIN             uint16 = 0xF190
	DIDProgrammingDate uint16 = 0xF199
	DIDSoftwareVersion uint16 = 0xF195
)

func TranslateServiceCode(p byte) string {
	switch p {
	case 0x01:
		return "ShowCurrentData"
	case 0x03:
		return "ShowStoredDTCs"
	case 0x09:
		return "RequestVehicleInformation"
	case DiagnosticSessionControl:
		return "DiagnosticSessionControl"
	case ECUReset:
		return "ECUReset"
	case ClearDiagnosticInfo:
		return "ClearDiagnosticInformation"
	case ReadDTCInformation:
		return "ReadDTCInformation"
	case ReadDataByIdentifier:
		return "ReadDataByIdentifier"
	case ReadMemoryByAddress:
		return "ReadMemoryByAddress"
	case SecurityAccess:
		return "SecurityAccess"
	case CommunicationControl:
		return "CommunicationControl"
	case WriteDataByIdentifier:
		return "WriteDataByIdentifier"
	case RoutineControl:
		return "RoutineControl"
	case RequestDownload:
		return "RequestDownload"
	case RequestUpload:
		return "RequestUpload"
	case TransferData:
		return "TransferData"
	case RequestTransferExit:
		return "RequestTransferExit"
	case WriteMemoryByAddress:
		return "WriteMemoryByAddress"
	case TesterPresent:
		return "TesterPresent"
	case ControlDTCSetting:
		return "ControlDTCSetting"
	default:
		return "Unknown"
	}
}
