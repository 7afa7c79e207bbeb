// Package command provides the tagged union of outbound AT commands this
// driver issues, and the pure formatter that renders a Command to its wire
// line (without the terminating CRLF, which the transport appends).
package command

import "fmt"

// Command is the tagged union of outbound AT commands.
type Command interface {
	// Format renders the command's wire line, without a trailing CRLF.
	Format() string
}

// CFUNType mirrors the SIM800-family CFUN functionality modes.
type CFUNType int

const (
	CFUNMinimum             CFUNType = 0
	CFUNFull                CFUNType = 1
	CFUNDisableTxRxCircuits CFUNType = 4
)

// BearerProfile selects one of the modem's SAPBR bearer contexts.
type BearerProfile int

const (
	BearerProfile0 BearerProfile = 1
	BearerProfile1 BearerProfile = 2
	BearerProfile2 BearerProfile = 3
)

// HTTPRequestType mirrors the SIM800-family HTTPACTION method codes.
type HTTPRequestType int

const (
	HTTPGet  HTTPRequestType = 0
	HTTPPost HTTPRequestType = 1
	HTTPHead HTTPRequestType = 2
)

// AT is the bare attention command, used as a liveness probe.
type AT struct{}

func (AT) Format() string { return "AT" }

// CFun sets the modem's functionality mode, optionally resetting it first.
type CFun struct {
	Mode       CFUNType
	ResetFirst bool
}

func (c CFun) Format() string {
	if c.ResetFirst {
		return fmt.Sprintf("AT+CFUN=%d,1", int(c.Mode))
	}
	return fmt.Sprintf("AT+CFUN=%d", int(c.Mode))
}

// Echo toggles command echo.
type Echo struct{ On bool }

func (c Echo) Format() string {
	if c.On {
		return "ATE1"
	}
	return "ATE0"
}

// ErrorVerbosity mirrors the SIM800-family CMEE error-reporting modes.
type ErrorVerbosity int

const (
	ErrorVerbosityDisabled  ErrorVerbosity = 0
	ErrorVerbosityNumeric   ErrorVerbosity = 1
	ErrorVerbosityMEEString ErrorVerbosity = 2
)

// SetErrorVerbosity sets how the modem reports command errors, issued once
// at boot so later ERROR replies carry a diagnosable cause.
type SetErrorVerbosity struct{ Mode ErrorVerbosity }

func (c SetErrorVerbosity) Format() string { return fmt.Sprintf("AT+CMEE=%d", int(c.Mode)) }

// SetBearerParameter sets a single SAPBR tag/value pair on a bearer
// profile, e.g. {Contype, GPRS} or {APN, internet}.
type SetBearerParameter struct {
	Profile BearerProfile
	Tag     string
	Value   string
}

func (c SetBearerParameter) Format() string {
	return fmt.Sprintf("AT+SAPBR=3,%d,%q,%q", int(c.Profile), c.Tag, c.Value)
}

// QueryBearerParameters asks for a bearer's current state.
type QueryBearerParameters struct{ Profile BearerProfile }

func (c QueryBearerParameters) Format() string {
	return fmt.Sprintf("AT+SAPBR=2,%d", int(c.Profile))
}

// OpenBearer opens a configured bearer context.
type OpenBearer struct{ Profile BearerProfile }

func (c OpenBearer) Format() string { return fmt.Sprintf("AT+SAPBR=1,%d", int(c.Profile)) }

// CloseBearer closes a bearer context.
type CloseBearer struct{ Profile BearerProfile }

func (c CloseBearer) Format() string { return fmt.Sprintf("AT+SAPBR=0,%d", int(c.Profile)) }

// AttachToGPRS attaches to packet-switched service.
type AttachToGPRS struct{}

func (AttachToGPRS) Format() string { return "AT+CGATT=1" }

// QueryGPRS asks for the current GPRS attach state.
type QueryGPRS struct{}

func (QueryGPRS) Format() string { return "AT+CGATT?" }

// DetachFromGPRS detaches from packet-switched service.
type DetachFromGPRS struct{}

func (DetachFromGPRS) Format() string { return "AT+CGATT=0" }

// QueryPositionAndTime asks the modem's location service for a coarse
// position fix and the current civil time.
type QueryPositionAndTime struct{ Profile BearerProfile }

func (c QueryPositionAndTime) Format() string {
	return fmt.Sprintf("AT+CIPGSMLOC=1,%d", int(c.Profile))
}

// HTTPInit starts the modem's HTTP stack.
type HTTPInit struct{}

func (HTTPInit) Format() string { return "AT+HTTPINIT" }

// HTTPTerm tears down the modem's HTTP stack.
type HTTPTerm struct{}

func (HTTPTerm) Format() string { return "AT+HTTPTERM" }

// HTTPSetBearer binds the HTTP stack to a bearer profile.
type HTTPSetBearer struct{ Profile BearerProfile }

func (c HTTPSetBearer) Format() string {
	return fmt.Sprintf("AT+HTTPPARA=\"CID\",%d", int(c.Profile))
}

// HTTPSetURL sets the URL for the next HTTP request.
type HTTPSetURL struct{ URL string }

func (c HTTPSetURL) Format() string { return fmt.Sprintf("AT+HTTPPARA=\"URL\",%q", c.URL) }

// HTTPSetUA sets the User-Agent header for HTTP requests.
type HTTPSetUA struct{ UserAgent string }

func (c HTTPSetUA) Format() string { return fmt.Sprintf("AT+HTTPPARA=\"UA\",%q", c.UserAgent) }

// HTTPContentType sets the Content-Type for the next HTTPData upload.
type HTTPContentType struct{ ContentType string }

func (c HTTPContentType) Format() string {
	return fmt.Sprintf("AT+HTTPPARA=\"CONTENT\",%q", c.ContentType)
}

// HTTPMakeRequest fires off the pending HTTP request.
type HTTPMakeRequest struct{ Method HTTPRequestType }

func (c HTTPMakeRequest) Format() string { return fmt.Sprintf("AT+HTTPACTION=%d", int(c.Method)) }

// HTTPRead reads back the most recent HTTP response body.
type HTTPRead struct{}

func (HTTPRead) Format() string { return "AT+HTTPREAD" }

// HTTPData is a two-phase command: its wire form only announces the
// payload length and bulk-data timeout; the coordinator streams Payload
// itself once the modem replies with the DOWNLOAD prompt (HttpReadyForData
// in the reply package), before the terminating OK.
//
// timeout_ms = clamp(len(Payload) * 10_000 / 9600, 1000, 120000).
type HTTPData struct{ Payload []byte }

func (c HTTPData) Format() string {
	return fmt.Sprintf("AT+HTTPDATA=%d,%d", len(c.Payload), dataTimeoutMS(len(c.Payload)))
}

// Raw passes a caller-supplied command line straight through, the way
// the teacher's at.Command(ctx, cmd) takes an arbitrary suffix. It exists
// for the interactive shell's gsm_tx command, not for anything in the
// upload or collector pipelines.
type Raw struct{ Line string }

func (c Raw) Format() string { return c.Line }

func dataTimeoutMS(payloadLen int) int {
	ms := payloadLen * 10000 / 9600
	if ms < 1000 {
		return 1000
	}
	if ms > 120000 {
		return 120000
	}
	return ms
}
