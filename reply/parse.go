package reply

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnmatched is returned when a line does not match any known reply.
var ErrUnmatched = errors.New("unmatched")

// Parse tokenizes one line received from the modem into a Reply. It never
// sets any external state (notably: it never sets the system clock on a
// PositionTime reply — that decision belongs to the caller).
func Parse(line string) (Reply, error) {
	line = strings.TrimLeft(line, "\r\n")
	if line == "" {
		return nil, errors.WithMessage(ErrUnmatched, "empty line")
	}

	switch {
	case line == "OK":
		return Ok{}, nil
	case strings.HasPrefix(line, "ERROR"):
		return Error{}, nil
	case strings.HasPrefix(line, "RDY"):
		return Ready{}, nil
	case strings.HasPrefix(line, "+CFUN"):
		return parseCFun(line)
	case strings.HasPrefix(line, "+CPIN"):
		return parseCPin(line)
	case strings.HasPrefix(line, "Call R"):
		return CallReady{}, nil
	case strings.HasPrefix(line, "SMS R"):
		return SmsReady{}, nil
	case strings.HasPrefix(line, "DOWNLOAD"):
		return HttpReadyForData{}, nil
	case strings.HasPrefix(line, "+CGATT: "):
		return parseGprsStatus(line)
	case strings.HasPrefix(line, "+SAPBR"):
		return parseBearerParams(line)
	case strings.HasPrefix(line, "+CIPGSMLOC: "):
		return parsePositionTime(line)
	case strings.HasPrefix(line, "+HTTPACTION: "):
		return parseHTTPActionDone(line)
	case strings.HasPrefix(line, "+HTTPREAD: "):
		return parseHTTPReadHeader(line)
	case strings.HasPrefix(line, "+CST_RESET_CHALLENGE "):
		return parseResetChallenge(line)
	case strings.HasPrefix(line, "+CST_RESET_FAIL "):
		return parseResetFailure(line)
	case strings.HasPrefix(line, "+CST_RESET_SUCC "):
		return parseResetSuccess(line)
	default:
		return nil, errors.WithMessagef(ErrUnmatched, "line did not match any known replies: %q", line)
	}
}

func parseCFun(line string) (Reply, error) {
	rest, ok := cut(line, "+CFUN:")
	if !ok {
		return CFun{}, nil // bare unsolicited +CFUN with no parameter
	}
	mode, err := strconv.Atoi(rest)
	if err != nil {
		return nil, errors.WithMessage(err, "bad CFUN mode")
	}
	return CFun{Mode: mode}, nil
}

func parseCPin(line string) (Reply, error) {
	rest, ok := cut(line, "+CPIN:")
	if !ok {
		rest = ""
	}
	return CPin{Status: rest}, nil
}

func parseGprsStatus(line string) (Reply, error) {
	switch line[len(line)-1] {
	case '0':
		return GprsStatus{Attached: false}, nil
	case '1':
		return GprsStatus{Attached: true}, nil
	default:
		return nil, errors.New("bad gprs status")
	}
}

// parseBearerParams handles both:
//   +SAPBR <id>: DEACT
//   +SAPBR: <cid>,<status>,"<ip>"
func parseBearerParams(line string) (Reply, error) {
	if strings.HasSuffix(line, "DEACT") {
		rest, ok := cut(line, "+SAPBR")
		if !ok {
			return nil, errors.New("malformed SAPBR DEACT line")
		}
		rest = strings.TrimSuffix(rest, ": DEACT")
		profile, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return nil, errors.WithMessage(err, "bad bearer profile")
		}
		return BearerParams{Profile: profile, Status: BearerClosed, IPv4: true}, nil
	}

	rest, ok := cut(line, "+SAPBR:")
	if !ok {
		return nil, errors.New("malformed SAPBR line")
	}
	fields := strings.SplitN(rest, ",", 3)
	if len(fields) != 3 {
		return nil, errors.New("malformed SAPBR fields")
	}
	profile, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return nil, errors.WithMessage(err, "bad bearer profile")
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, errors.WithMessage(err, "bad bearer status")
	}
	ip := strings.Trim(fields[2], `"`)
	return BearerParams{
		Profile: profile,
		Status:  BearerStatus(status),
		IPv4:    true,
		IP:      ip,
	}, nil
}

// parsePositionTime parses "+CIPGSMLOC: code,lon,lat,Y/M/D,H:M:S" and
// computes the unix time from the civil date/time fields using the
// days-from-civil algorithm (see civilToUnix in time.go).
func parsePositionTime(line string) (Reply, error) {
	rest, ok := cut(line, "+CIPGSMLOC:")
	if !ok {
		return nil, errors.New("malformed CIPGSMLOC line")
	}
	fields := strings.Split(rest, ",")
	if len(fields) != 5 {
		return nil, errors.New("malformed CIPGSMLOC fields")
	}
	code, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return nil, errors.WithMessage(err, "bad status code")
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return nil, errors.WithMessage(err, "bad longitude")
	}
	lat, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return nil, errors.WithMessage(err, "bad latitude")
	}
	ymd := strings.Split(fields[3], "/")
	if len(ymd) != 3 {
		return nil, errors.New("malformed date field")
	}
	hms := strings.Split(fields[4], ":")
	if len(hms) != 3 {
		return nil, errors.New("malformed time field")
	}
	year, err := strconv.Atoi(ymd[0])
	if err != nil {
		return nil, errors.WithMessage(err, "bad year")
	}
	month, err := strconv.Atoi(ymd[1])
	if err != nil {
		return nil, errors.WithMessage(err, "bad month")
	}
	day, err := strconv.Atoi(ymd[2])
	if err != nil {
		return nil, errors.WithMessage(err, "bad day")
	}
	hour, err := strconv.Atoi(hms[0])
	if err != nil {
		return nil, errors.WithMessage(err, "bad hour")
	}
	minute, err := strconv.Atoi(hms[1])
	if err != nil {
		return nil, errors.WithMessage(err, "bad minute")
	}
	second, err := strconv.Atoi(hms[2])
	if err != nil {
		return nil, errors.WithMessage(err, "bad second")
	}

	unix := civilToUnix(year, month, day, hour, minute, second)

	return PositionTime{
		Code:      code,
		Unix:      unix,
		Longitude: lon,
		Latitude:  lat,
	}, nil
}

func parseHTTPActionDone(line string) (Reply, error) {
	rest, _ := cut(line, "+HTTPACTION:")
	fields := strings.Split(rest, ",")
	if len(fields) != 3 {
		return nil, errors.New("malformed HTTPACTION fields")
	}
	methodN, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return nil, errors.WithMessage(err, "bad http method")
	}
	var method HTTPMethod
	switch methodN {
	case 0:
		method = HTTPGet
	case 1:
		method = HTTPPost
	case 2:
		method = HTTPHead
	default:
		return nil, errors.New("bad http method")
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, errors.WithMessage(err, "bad http code")
	}
	length, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, errors.WithMessage(err, "bad http body length")
	}
	return HttpActionDone{Method: method, Code: code, BodyLen: length}, nil
}

func parseHTTPReadHeader(line string) (Reply, error) {
	rest, _ := cut(line, "+HTTPREAD:")
	length, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return nil, errors.WithMessage(err, "bad http read length")
	}
	return HttpReadHeader{BodyLen: length}, nil
}

func parseResetChallenge(line string) (Reply, error) {
	rest, _ := cut(line, "+CST_RESET_CHALLENGE")
	rest = strings.TrimSpace(rest)
	if len(rest) != 64 {
		return nil, errors.New("bad challenge length")
	}
	raw, err := hex.DecodeString(rest)
	if err != nil {
		return nil, errors.WithMessage(err, "bad challenge integer")
	}
	var challenge [32]byte
	copy(challenge[:], raw)
	return ResetChallenge{Challenge: challenge}, nil
}

func parseResetFailure(line string) (Reply, error) {
	rest, _ := cut(line, "+CST_RESET_FAIL")
	code, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return nil, errors.WithMessage(err, "bad reset failure code")
	}
	return ResetFailure{Code: code}, nil
}

func parseResetSuccess(line string) (Reply, error) {
	rest, _ := cut(line, "+CST_RESET_SUCC")
	rest = strings.TrimSpace(rest)
	if len(rest) != 32 {
		return nil, errors.New("bad pRNG vector length")
	}
	raw, err := hex.DecodeString(rest)
	if err != nil {
		return nil, errors.WithMessage(err, "bad pRNG vector")
	}
	var iv [4]uint32
	for i := range iv {
		iv[i] = binary.BigEndian.Uint32(raw[i*4 : i*4+4])
	}
	return ResetSuccess{PRNGIV: iv}, nil
}

// cut splits line on prefix and trims a single leading space from the
// remainder, the way the original "%s: %s" style AT info lines are laid
// out.
func cut(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	rest := line[len(prefix):]
	rest = strings.TrimPrefix(rest, " ")
	return rest, true
}
