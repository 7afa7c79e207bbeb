// Package reply provides the tagged union of modem replies recognized by
// the coordinator, and the pure parser that turns one received line into a
// Reply.
package reply

import "github.com/racetel/televib/command"

// Solicitation describes when a Reply is allowed to be matched to the
// coordinator's currently active command.
type Solicitation int

const (
	// Never replies are spontaneous and are never appended to an active
	// command's reply buffer, only broadcast to snoopers.
	Never Solicitation = iota
	// Always replies pair with whatever command happens to be active
	// (OK/ERROR terminators, in practice).
	Always
	// Specific replies only pair when a particular Command type is active.
	Specific
)

// Reply is the tagged union of recognized modem replies. Each variant
// reports its own Solicitation class and, for Specific, the Command type
// it pairs with.
type Reply interface {
	// Solicitation reports when this reply may be matched to an active
	// command.
	Solicitation() Solicitation
	// SolicitedBy reports whether this reply may be matched to the given
	// active command. It is only meaningful when Solicitation returns
	// Specific; Never/Always replies ignore the argument.
	SolicitedBy(active command.Command) bool
}

// alwaysReply is embedded by replies that terminate any active command.
type alwaysReply struct{}

func (alwaysReply) Solicitation() Solicitation          { return Always }
func (alwaysReply) SolicitedBy(command.Command) bool    { return true }

// neverReply is embedded by replies that are always unsolicited.
type neverReply struct{}

func (neverReply) Solicitation() Solicitation       { return Never }
func (neverReply) SolicitedBy(command.Command) bool { return false }

// PeriodicTick is a spontaneous keep-alive the coordinator never solicits;
// it exists to give timeout logic a regular pulse.
type PeriodicTick struct {
	neverReply
	Milliseconds uint32
}

// Ok is the AT status line terminating a successful command.
type Ok struct{ alwaysReply }

// Error is the AT status line terminating a failed command.
type Error struct{ alwaysReply }

// Ready is the modem's spontaneous "RDY" boot announcement. A Ready
// arriving while the coordinator already believes the modem is ready
// indicates an unexpected reboot.
type Ready struct{ neverReply }

// CFun reports the functionality mode set by a CFUN command.
type CFun struct {
	Mode int
}

func (CFun) Solicitation() Solicitation { return Specific }
func (CFun) SolicitedBy(active command.Command) bool {
	_, ok := active.(command.CFun)
	return ok
}

// CPin reports SIM PIN status.
type CPin struct {
	neverReply
	Status string
}

// BearerParams reports a SAPBR bearer's connection status and address.
type BearerParams struct {
	Profile int
	Status  BearerStatus
	IPv4    bool
	IP      string
}

// BearerStatus mirrors the SIM800-family SAPBR status codes.
type BearerStatus int

const (
	BearerConnecting BearerStatus = 0
	BearerConnected  BearerStatus = 1
	BearerClosing    BearerStatus = 2
	BearerClosed     BearerStatus = 3
)

func (BearerParams) Solicitation() Solicitation { return Specific }
func (BearerParams) SolicitedBy(active command.Command) bool {
	switch active.(type) {
	case command.QueryBearerParameters, command.OpenBearer, command.CloseBearer:
		return true
	default:
		return false
	}
}

// CallReady is a spontaneous readiness indication.
type CallReady struct{ neverReply }

// SmsReady is a spontaneous readiness indication.
type SmsReady struct{ neverReply }

// GprsStatus reports GPRS attach state.
type GprsStatus struct {
	Attached bool
}

func (GprsStatus) Solicitation() Solicitation { return Specific }
func (GprsStatus) SolicitedBy(active command.Command) bool {
	switch active.(type) {
	case command.QueryGPRS, command.AttachToGPRS, command.DetachFromGPRS:
		return true
	default:
		return false
	}
}

// PositionTime reports the GPS-derived position and the current UTC unix
// time, as computed from the modem's local civil time fields. Parsing this
// reply never sets the system clock; the caller decides whether to.
type PositionTime struct {
	Code      int
	Unix      int32
	Longitude float64
	Latitude  float64
}

func (PositionTime) Solicitation() Solicitation { return Specific }
func (PositionTime) SolicitedBy(active command.Command) bool {
	_, ok := active.(command.QueryPositionAndTime)
	return ok
}

// HTTPMethod mirrors the SIM800-family HTTPACTION method codes.
type HTTPMethod int

const (
	HTTPGet  HTTPMethod = 0
	HTTPPost HTTPMethod = 1
	HTTPHead HTTPMethod = 2
)

// HttpActionDone is the unsolicited reply announcing an HTTP request's
// outcome once the modem's HTTP stack finishes it.
type HttpActionDone struct {
	neverReply
	Method   HTTPMethod
	Code     int
	BodyLen  int
}

// HttpReadHeader precedes the body returned by HTTPREAD.
type HttpReadHeader struct {
	BodyLen int
}

func (HttpReadHeader) Solicitation() Solicitation { return Specific }
func (HttpReadHeader) SolicitedBy(active command.Command) bool {
	_, ok := active.(command.HTTPRead)
	return ok
}

// HttpReadyForData is the "DOWNLOAD" prompt that starts the bulk-data phase
// of an HTTPData command.
type HttpReadyForData struct{}

func (HttpReadyForData) Solicitation() Solicitation { return Specific }
func (HttpReadyForData) SolicitedBy(active command.Command) bool {
	_, ok := active.(command.HTTPData)
	return ok
}

// ResetChallenge carries the 32-byte big-endian challenge the backend
// issues at the start of a session-reset handshake.
type ResetChallenge struct {
	Challenge [32]byte
}

func (ResetChallenge) Solicitation() Solicitation { return Specific }
func (ResetChallenge) SolicitedBy(active command.Command) bool {
	_, ok := active.(command.HTTPRead)
	return ok
}

// ResetFailure reports a session-reset handshake rejection.
type ResetFailure struct {
	Code int
}

func (ResetFailure) Solicitation() Solicitation { return Specific }
func (ResetFailure) SolicitedBy(active command.Command) bool {
	_, ok := active.(command.HTTPRead)
	return ok
}

// ResetSuccess carries the 4-word big-endian PRNG IV the backend binds to
// a newly authenticated session.
type ResetSuccess struct {
	PRNGIV [4]uint32
}

func (ResetSuccess) Solicitation() Solicitation { return Specific }
func (ResetSuccess) SolicitedBy(active command.Command) bool {
	_, ok := active.(command.HTTPRead)
	return ok
}
