// Package upload implements the device-side half of the telemetry uplink:
// the modem boot sequence, the backend-mediated session-reset handshake,
// and the batched packet upload loop, retried as a unit on any failure the
// same way the original's top-level task supervisor restarts its main
// procedure.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/racetel/televib/command"
	"github.com/racetel/televib/coordinator"
	"github.com/racetel/televib/metrics"
	"github.com/racetel/televib/reply"
	"github.com/racetel/televib/signer"
	"github.com/racetel/televib/telemetry"
)

const (
	bootPollInterval       = 100 * time.Millisecond
	readyTimeoutTicks      = 50  // 5s: how long to wait before assuming the module was already open
	handshakeTimeoutTicks  = 150 // 15s: bearer/GPRS/SMS readiness polling
	failRetryDelay         = 2500 * time.Millisecond
	maxConsecutiveFailures = 5
	maxPacketsPerUpload    = 10
	userAgent              = "https://github.com/racetel/televib"
)

// Config names the backend endpoints and APN the uploader drives the modem
// against.
type Config struct {
	APN       string
	ResetURL  string
	PacketURL string
}

// DefaultConfig returns sane defaults for a typical deployment; callers
// normally override ResetURL/PacketURL with the provisioned backend host.
func DefaultConfig() Config {
	return Config{
		APN:       "internet",
		ResetURL:  "http://televib.example.com/session/reset",
		PacketURL: "http://televib.example.com/packet",
	}
}

// Uploader owns the boot sequence, handshake, and upload loop. It
// registers itself as a coordinator.Module to track the readiness flags
// the boot sequence polls, mirroring the original's incoming_reply
// visitor.
type Uploader struct {
	coord     *coordinator.Coordinator
	sequencer *telemetry.Sequencer
	queue     *telemetry.PacketQueue
	clock     telemetry.Clock
	signer    signer.Signer
	metrics   *metrics.Metrics
	cfg       Config
	logger    *log.Logger

	flags uploadFlags
}

// New wires an Uploader to its collaborators and registers it as a
// coordinator snooper.
func New(
	coord *coordinator.Coordinator,
	seq *telemetry.Sequencer,
	queue *telemetry.PacketQueue,
	clock telemetry.Clock,
	sg signer.Signer,
	m *metrics.Metrics,
	cfg Config,
	logger *log.Logger,
) *Uploader {
	if logger == nil {
		logger = log.Default()
	}
	u := &Uploader{
		coord:     coord,
		sequencer: seq,
		queue:     queue,
		clock:     clock,
		signer:    sg,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
	}
	coord.RegisterModule(u)
	return u
}

// Notify tracks the spontaneous readiness replies the boot sequence waits
// on. It never touches anything but u.flags, so it is safe to call from
// the coordinator's own goroutine.
func (u *Uploader) Notify(r reply.Reply) {
	u.flags.observe(r)
}

// Run repeatedly performs the boot-and-handshake-and-upload-loop
// procedure, retrying after failRetryDelay on any failure, until stop is
// closed.
func (u *Uploader) Run(stop <-chan struct{}) {
	for retries := 0; ; retries++ {
		u.flags.reset()

		if err := u.session(stop); err != nil {
			u.logger.Printf("upload: session failed: %v", err)
		}

		select {
		case <-stop:
			return
		default:
		}

		u.logger.Printf("upload: waiting before retry #%d", retries+1)
		select {
		case <-stop:
			return
		case <-time.After(failRetryDelay):
		}
	}
}

// session runs one full boot+handshake+upload-loop attempt. It returns nil
// only when stop is closed mid-loop; any other exit is an error worth
// retrying the whole procedure for.
func (u *Uploader) session(stop <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	iv, err := u.initialize(ctx)
	if err != nil {
		return errors.WithMessage(err, "initialize")
	}
	u.sequencer.Reset(iv)

	failures := 0
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		drained, err := u.uploadOnce(ctx)
		if err != nil {
			u.logger.Printf("upload: upload iteration failed: %v", err)
			if u.metrics != nil {
				u.metrics.UploadFailuresTotal.Inc()
			}
			failures++
			if failures >= maxConsecutiveFailures {
				return errors.New("too many consecutive upload failures")
			}
			continue
		}
		failures = 0
		if u.metrics != nil {
			u.metrics.UploadSuccessesTotal.Inc()
		}
		if !drained {
			select {
			case <-stop:
				return nil
			case <-time.After(notReadyRetryDelay):
			}
		}
	}
}

const notReadyRetryDelay = 200 * time.Millisecond

// initialize drives the boot sequence through to a GPRS-attached,
// time-synchronized, authenticated session, and returns the PRNG IV the
// backend bound to it.
func (u *Uploader) initialize(ctx context.Context) ([4]uint32, error) {
	var iv [4]uint32

	// wasOpen reports whether the modem failed to announce a fresh RDY
	// within the window: if so, it was presumably already running from a
	// previous boot and needs a forced CFUN reset to reach a known state.
	wasOpen := false
	for i := 0; !u.flags.isReady(); i++ {
		if err := sleepCtx(ctx, bootPollInterval); err != nil {
			return iv, err
		}
		if i >= readyTimeoutTicks {
			wasOpen = true
			break
		}
	}
	u.logger.Printf("upload: the modem was%s open", ifThenElse(wasOpen, "", "n't"))

	if _, err := u.coord.SendSync(ctx, command.SetErrorVerbosity{Mode: command.ErrorVerbosityMEEString}); err != nil {
		return iv, errors.WithMessage(err, "set error verbosity")
	}
	if wasOpen {
		if _, err := u.coord.SendSync(ctx, command.CFun{Mode: command.CFUNFull, ResetFirst: true}); err != nil {
			return iv, errors.WithMessage(err, "cfun reset")
		}
	}

	for i := 0; !u.flags.isCallAndSMSReady(); i++ {
		if i >= handshakeTimeoutTicks {
			return iv, errors.New("timed out waiting for call/sms readiness")
		}
		if err := sleepCtx(ctx, bootPollInterval); err != nil {
			return iv, err
		}
	}

	if _, err := u.coord.SendSync(ctx, command.SetBearerParameter{Profile: command.BearerProfile0, Tag: "Contype", Value: "GPRS"}); err != nil {
		return iv, errors.WithMessage(err, "set bearer contype")
	}
	if _, err := u.coord.SendSync(ctx, command.SetBearerParameter{Profile: command.BearerProfile0, Tag: "APN", Value: u.cfg.APN}); err != nil {
		return iv, errors.WithMessage(err, "set bearer apn")
	}
	if _, err := u.coord.SendSync(ctx, command.OpenBearer{Profile: command.BearerProfile0}); err != nil {
		return iv, errors.WithMessage(err, "open bearer")
	}

	if err := u.pollUntil(ctx, handshakeTimeoutTicks, func() (bool, error) {
		replies, err := u.coord.SendSync(ctx, command.QueryBearerParameters{Profile: command.BearerProfile0})
		if err != nil {
			return false, err
		}
		params, err := reply.Extract1[reply.BearerParams](replies)
		if err != nil {
			return false, nil
		}
		return params.Status == reply.BearerConnected && params.Profile == int(command.BearerProfile0), nil
	}); err != nil {
		return iv, errors.WithMessage(err, "wait for bearer connected")
	}

	if _, err := u.coord.SendSync(ctx, command.AttachToGPRS{}); err != nil {
		return iv, errors.WithMessage(err, "attach to gprs")
	}

	if err := u.pollUntil(ctx, handshakeTimeoutTicks, func() (bool, error) {
		replies, err := u.coord.SendSync(ctx, command.QueryGPRS{})
		if err != nil {
			return false, err
		}
		status, err := reply.Extract1[reply.GprsStatus](replies)
		if err != nil {
			return false, nil
		}
		return status.Attached, nil
	}); err != nil {
		return iv, errors.WithMessage(err, "wait for gprs attach")
	}

	challenge, err := u.requestResetChallenge(ctx)
	if err != nil {
		return iv, errors.WithMessage(err, "request reset challenge")
	}

	iv, err = u.submitResetResponse(ctx, challenge)
	if err != nil {
		return iv, errors.WithMessage(err, "submit reset response")
	}

	posTime, err := u.queryPositionAndTime(ctx)
	if err != nil {
		return iv, errors.WithMessage(err, "query position and time")
	}
	u.clock.SetUnix(posTime.Unix)

	return iv, nil
}

func (u *Uploader) pollUntil(ctx context.Context, maxTicks int, check func() (bool, error)) error {
	for i := 0; ; i++ {
		if i >= maxTicks {
			return errors.New("poll timed out")
		}
		if err := sleepCtx(ctx, bootPollInterval); err != nil {
			return err
		}
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

func (u *Uploader) queryPositionAndTime(ctx context.Context) (reply.PositionTime, error) {
	replies, err := u.coord.SendSync(ctx, command.QueryPositionAndTime{Profile: command.BearerProfile0})
	if err != nil {
		return reply.PositionTime{}, err
	}
	return reply.Extract1[reply.PositionTime](replies)
}

// requestResetChallenge issues the GET leg of the handshake and returns the
// 32-byte challenge the backend wants signed.
func (u *Uploader) requestResetChallenge(ctx context.Context) ([32]byte, error) {
	replies, err := u.httpRequest(ctx, u.cfg.ResetURL, command.HTTPGet, "", nil)
	if err != nil {
		return [32]byte{}, err
	}
	_, challenge, _, err := reply.Extract3[reply.HttpReadHeader, reply.ResetChallenge, reply.Ok](replies)
	if err != nil {
		return [32]byte{}, err
	}
	return challenge.Challenge, nil
}

// submitResetResponse signs challenge, POSTs the 128-hex-character r||s
// response, and returns the PRNG IV the backend binds to the new session.
func (u *Uploader) submitResetResponse(ctx context.Context, challenge [32]byte) ([4]uint32, error) {
	digest := sha256.Sum256(challenge[:])
	r, s, err := u.signer.Sign(digest)
	if err != nil {
		return [4]uint32{}, errors.WithMessage(err, "sign challenge")
	}
	body := []byte(signer.EncodeLittleEndianWords(r) + signer.EncodeLittleEndianWords(s))

	replies, err := u.httpRequest(ctx, u.cfg.ResetURL, command.HTTPPost, "text/plain", body)
	if err != nil {
		return [4]uint32{}, err
	}
	_, success, _, err := reply.Extract3[reply.HttpReadHeader, reply.ResetSuccess, reply.Ok](replies)
	if err != nil {
		return [4]uint32{}, err
	}
	return success.PRNGIV, nil
}

// uploadOnce drains up to maxPacketsPerUpload queued packets, serializes
// them with a trailing ECDSA signature, and POSTs the batch. It reports
// drained=false when there was nothing queued, so the caller can back off
// instead of hammering the backend with empty batches.
func (u *Uploader) uploadOnce(ctx context.Context) (drained bool, err error) {
	packets := u.queue.Drain(maxPacketsPerUpload)
	if len(packets) == 0 {
		return false, nil
	}

	body, err := json.Marshal(packets)
	if err != nil {
		return true, errors.WithMessage(err, "marshal packet batch")
	}

	digest := sha256.Sum256(body)
	r, s, err := u.signer.Sign(digest)
	if err != nil {
		return true, errors.WithMessage(err, "sign packet batch")
	}
	body = append(body, []byte(signer.EncodeLittleEndianWords(r)+signer.EncodeLittleEndianWords(s))...)

	if _, err := u.httpRequest(ctx, u.cfg.PacketURL, command.HTTPPost, "text/plain", body); err != nil {
		return true, errors.WithMessage(err, "post packet batch")
	}
	return true, nil
}

// httpRequest drives the modem's HTTP stack through one request/response
// cycle: init, bearer/UA/URL setup, optional content upload, the request
// itself, and a read of the response body, mirroring the original's
// http_request helper almost line for line.
func (u *Uploader) httpRequest(ctx context.Context, url string, method command.HTTPRequestType, contentType string, content []byte) ([]reply.Reply, error) {
	if _, err := u.coord.SendSync(ctx, command.HTTPInit{}); err != nil {
		return nil, errors.WithMessage(err, "http init")
	}
	defer u.coord.SendSync(context.Background(), command.HTTPTerm{})

	if _, err := u.coord.SendSync(ctx, command.HTTPSetBearer{Profile: command.BearerProfile0}); err != nil {
		return nil, errors.WithMessage(err, "http set bearer")
	}
	if _, err := u.coord.SendSync(ctx, command.HTTPSetUA{UserAgent: userAgent}); err != nil {
		return nil, errors.WithMessage(err, "http set ua")
	}
	if _, err := u.coord.SendSync(ctx, command.HTTPSetURL{URL: url}); err != nil {
		return nil, errors.WithMessage(err, "http set url")
	}

	if contentType != "" {
		if _, err := u.coord.SendSync(ctx, command.HTTPContentType{ContentType: contentType}); err != nil {
			return nil, errors.WithMessage(err, "http set content type")
		}
		if _, err := u.coord.SendSync(ctx, command.HTTPData{Payload: content}); err != nil {
			return nil, errors.WithMessage(err, "http data upload")
		}
	}

	actionBaseline := u.flags.actionSeqNow()
	if _, err := u.coord.SendSync(ctx, command.HTTPMakeRequest{Method: method}); err != nil {
		return nil, errors.WithMessage(err, "http make request")
	}

	if err := u.waitForActionDone(ctx, actionBaseline); err != nil {
		return nil, err
	}

	replies, err := u.coord.SendSync(ctx, command.HTTPRead{})
	if err != nil {
		return nil, errors.WithMessage(err, "http read")
	}
	return replies, nil
}

// waitForActionDone blocks until u.flags' HttpActionDone counter advances
// past baseline, and fails once actionTimeout passes without it. Since HttpActionDone is Never-solicited, the only way to
// observe it is as a snooper, so it is watched via u.flags the same way
// the readiness flags are; baseline must be snapshotted before the
// triggering command is sent so a reply racing the snapshot is never
// missed.
func (u *Uploader) waitForActionDone(ctx context.Context, baseline int) error {
	const pollInterval = 100 * time.Millisecond
	const actionTimeout = 60 * time.Second
	deadline := time.Now().Add(actionTimeout)
	for u.flags.actionSeqNow() == baseline {
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for http action")
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return errors.WithMessage(err, "waiting for http action")
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func ifThenElse(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}
