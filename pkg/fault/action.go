package fault

// ActionType is what the caller should do about a classified failure.
type ActionType int

const (
	ShowError ActionType = iota
	Reconnect
	SelectDevice
	RetryCommand
	RequestPermission
	SwitchProtocol
	ReportMessage
)

func (a ActionType) String() string {
	switch a {
	case Reconnect:
		return "Reconnect"
	case SelectDevice:
		return "SelectDevice"
	case RetryCommand:
		return "RetryCommand"
	case RequestPermission:
		return "RequestPermission"
	case SwitchProtocol:
		return "SwitchProtocol"
	case ReportMessage:
		return "ReportMessage"
	default:
		return "ShowError"
	}
}

// Action carries the command to retry for RetryCommand and the message text
// for ReportMessage and ShowError.
type Action struct {
	Type    ActionType
	Command string
	Message string
}

func (a Action) String() string {
	switch a.Type {
	case RetryCommand:
		return a.Type.String() + "(" + a.Command + ")"
	case ReportMessage, ShowError:
		return a.Type.String() + "(" + a.Message + ")"
	}
	return a.Type.String()
}
