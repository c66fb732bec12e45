package packet

// Verb identifies the packet's payload interpretation.
type Verb uint8

const (
	VerbNOP              Verb = 0x00
	VerbHELLO            Verb = 0x01
	VerbERROR            Verb = 0x02
	VerbOK               Verb = 0x03
	VerbWHOIS            Verb = 0x04
	VerbRENDEZVOUS       Verb = 0x05
	VerbECHO             Verb = 0x08
	VerbPUSH_DIRECT_PATHS Verb = 0x10
)

func (v Verb) String() string {
	switch v {
	case VerbNOP:
		return "NOP"
	case VerbHELLO:
		return "HELLO"
	case VerbERROR:
		return "ERROR"
	case VerbOK:
		return "OK"
	case VerbWHOIS:
		return "WHOIS"
	case VerbRENDEZVOUS:
		return "RENDEZVOUS"
	case VerbECHO:
		return "ECHO"
	case VerbPUSH_DIRECT_PATHS:
		return "PUSH_DIRECT_PATHS"
	default:
		return "UNKNOWN_VERB"
	}
}

// ErrorCode enumerates ERROR verb reply codes.
type ErrorCode uint8

const (
	ErrorInvalidRequest            ErrorCode = 1
	ErrorBadProtocolVersion        ErrorCode = 2
	ErrorObjNotFound               ErrorCode = 3
	ErrorIdentityCollision         ErrorCode = 4
	ErrorUnsupportedOperation      ErrorCode = 5
	ErrorNeedMembershipCertificate ErrorCode = 6
	ErrorNetworkAccessDenied       ErrorCode = 7
	ErrorCannotDeliver             ErrorCode = 9
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorInvalidRequest:
		return "INVALID_REQUEST"
	case ErrorBadProtocolVersion:
		return "BAD_PROTOCOL_VERSION"
	case ErrorObjNotFound:
		return "OBJ_NOT_FOUND"
	case ErrorIdentityCollision:
		return "IDENTITY_COLLISION"
	case ErrorUnsupportedOperation:
		return "UNSUPPORTED_OPERATION"
	case ErrorNeedMembershipCertificate:
		return "NEED_MEMBERSHIP_CERTIFICATE"
	case ErrorNetworkAccessDenied:
		return "NETWORK_ACCESS_DENIED"
	case ErrorCannotDeliver:
		return "CANNOT_DELIVER"
	default:
		return "UNKNOWN_ERROR"
	}
}
