package wire

// Header: [1B command][8B payload_length little-endian][50B info, NUL-padded UTF-8]
const (
	HeaderSize = 59
	InfoSize   = 50
)

// Command identifies the type of a framed message. Values are a wire
// contract shared with the peer implementation; never renumber.
type Command byte

const (
	CmdConnect       Command = 0x01
	CmdPinChallenge  Command = 0x02
	CmdVerifyPin     Command = 0x03
	CmdPinOK         Command = 0x04
	CmdPinFail       Command = 0x05
	CmdListAssets    Command = 0x06
	CmdAssetsList    Command = 0x07
	CmdGetThumbnail  Command = 0x08
	CmdThumbnailData Command = 0x09
	CmdGetFullFile   Command = 0x0A
	CmdFileData      Command = 0x0B
	CmdDisconnect    Command = 0x0C
	CmdNotification  Command = 0x0D
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdPinChallenge:
		return "PIN_CHALLENGE"
	case CmdVerifyPin:
		return "VERIFY_PIN"
	case CmdPinOK:
		return "PIN_OK"
	case CmdPinFail:
		return "PIN_FAIL"
	case CmdListAssets:
		return "LIST_ASSETS"
	case CmdAssetsList:
		return "ASSETS_LIST"
	case CmdGetThumbnail:
		return "GET_THUMBNAIL"
	case CmdThumbnailData:
		return "THUMBNAIL_DATA"
	case CmdGetFullFile:
		return "GET_FULL_FILE"
	case CmdFileData:
		return "FILE_DATA"
	case CmdDisconnect:
		return "DISCONNECT"
	case CmdNotification:
		return "NOTIFICATION"
	default:
		return "unknown"
	}
}

// Valid reports whether c is a known command code.
func (c Command) Valid() bool {
	return c >= CmdConnect && c <= CmdNotification
}
