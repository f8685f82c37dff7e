package sftp

// SFTP packet types, draft-ietf-secsh-filexfer-02.
const (
	fxpInit     = 1
	fxpVersion  = 2
	fxpOpen     = 3
	fxpClose    = 4
	fxpRead     = 5
	fxpWrite    = 6
	fxpLstat    = 7
	fxpFstat    = 8
	fxpSetstat  = 9
	fxpFsetstat = 10
	fxpOpendir  = 11
	fxpReaddir  = 12
	fxpRemove   = 13
	fxpMkdir    = 14
	fxpRmdir    = 15
	fxpRealpath = 16
	fxpStat     = 17
	fxpRename   = 18
	fxpReadlink = 19
	fxpSymlink  = 20
	fxpExtended = 200

	fxpStatus  = 101
	fxpHandle  = 102
	fxpData    = 103
	fxpName    = 104
	fxpAttrs   = 105
	fxpExtReply = 201
)

// SFTP status codes.
const (
	fxOK                = 0
	fxEOF               = 1
	fxNoSuchFile        = 2
	fxPermissionDenied  = 3
	fxFailure           = 4
	fxBadMessage        = 5
	fxNoConnection      = 6
	fxConnectionLost    = 7
	fxOpUnsupported     = 8
)

// SSH_FILEXFER_ATTR flags.
const (
	attrSize        = 0x00000001
	attrUIDGID      = 0x00000002
	attrPermissions = 0x00000004
	attrACModTime   = 0x00000008
)

// SSH_FXF open pflags.
const (
	fxfRead   = 0x00000001
	fxfWrite  = 0x00000002
	fxfAppend = 0x00000004
	fxfCreat  = 0x00000008
	fxfTrunc  = 0x00000010
	fxfExcl   = 0x00000020
)

// minProtocolVersion is the minimum SSH_FXP_VERSION accepted from the
// server; spec.md 4.G requires "version >= 3, fatal otherwise".
const minProtocolVersion = 3

const protocolVersion = 3

const posixRenameExtension = "posix-rename@openssh.org"
const hardlinkExtension = "hardlink@openssh.org"
