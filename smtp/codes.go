package smtp

// Reply codes, RFC 5321 and extensions.
var (
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235

	C250Completed = 250

	C334ContinueAuth = 334
	C354Continue     = 354

	C421ServiceUnavail = 421
	C450MailboxUnavail = 450
	C451LocalErr       = 451
	C452StorageFull    = 452 // Also for "too many recipients".
	C454TempAuthFail   = 454

	C500BadSyntax         = 500
	C501BadParamSyntax    = 501
	C502CmdNotImpl        = 502
	C503BadCmdSeq         = 503
	C504ParamNotImpl      = 504
	C530SecurityRequired  = 530
	C535AuthBadCreds      = 535
	C550MailboxUnavail    = 550
	C552MailboxFull       = 552
	C554TransactionFailed = 554
)

// Short enhanced reply codes (RFC 3463), without the leading major number and
// first dot.
//
// See https://www.iana.org/assignments/smtp-enhanced-status-codes/smtp-enhanced-status-codes.xhtml
var (
	// 0.x - Other or undefined status.
	SeOther00 = "0.0"

	// 1.x - Address.
	SeAddr1Other0              = "1.0"
	SeAddr1UnknownDestMailbox1 = "1.1"
	SeAddr1MailboxSyntax3      = "1.3"
	SeAddr1SenderSyntax7       = "1.7"

	// 2.x - Mailbox.
	SeMailbox2Other0            = "2.0"
	SeMailbox2Full2             = "2.2"
	SeMailbox2MsgLimitExceeded3 = "2.3"

	// 3.x - Mail system.
	SeSys3Other0            = "3.0"
	SeSys3NotAccepting2     = "3.2"
	SeSys3NotSupported3     = "3.3"
	SeSys3MsgLimitExceeded4 = "3.4"

	// 5.x - Mail delivery protocol.
	SeProto5Other0        = "5.0"
	SeProto5BadCmdOrSeq1  = "5.1"
	SeProto5Syntax2       = "5.2"
	SeProto5TooManyRcpts3 = "5.3"
	SeProto5BadParams4    = "5.4"

	// 7.x - Security/policy.
	SePol7Other0          = "7.0"
	SePol7DeliveryUnauth1 = "7.1"
	SePol7AuthBadCreds8   = "7.8"
)
