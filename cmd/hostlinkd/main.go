// Command hostlinkd is the host-resident execution daemon: it
// maintains a controller channel for remote job dispatch, a local
// operator channel for approvals and session control, and runs jobs
// through the consent pipeline before ever spawning a child process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hostlink/hostlinkd/internal/approval"
	"github.com/hostlink/hostlinkd/internal/browser"
	"github.com/hostlink/hostlinkd/internal/config"
	"github.com/hostlink/hostlinkd/internal/consent"
	"github.com/hostlink/hostlinkd/internal/controller"
	"github.com/hostlink/hostlinkd/internal/identity"
	"github.com/hostlink/hostlinkd/internal/metrics"
	"github.com/hostlink/hostlinkd/internal/operator"
	"github.com/hostlink/hostlinkd/internal/outbox"
	"github.com/hostlink/hostlinkd/internal/protocol"
	"github.com/hostlink/hostlinkd/internal/registry"
	"github.com/hostlink/hostlinkd/internal/session"
	"github.com/hostlink/hostlinkd/internal/store"
)

const outboxCapacity = 10000

// controllerCallerID is the session/policy caller identifier used for
// every JobRequest arriving over the controller channel (C9), as
// opposed to operator-channel callers which are tagged by local uid.
const controllerCallerID = "cloud"

func main() {
	configPath := flag.String("config", "/etc/hostlinkd/hostlinkd.hcl", "path to the daemon's HCL config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("hostlinkd: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "hostlinkd",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, configPath string, logger hclog.Logger) error {
	id, err := identity.Load(cfg.DeviceKeyPath)
	if err != nil {
		return err
	}
	deviceID := id.DeviceID
	if cfg.DeviceID != "" {
		deviceID = cfg.DeviceID
	}
	logger.Info("loaded device identity", "device_id", deviceID)

	metrics.Init("hostlinkd")

	st, err := store.Open(cfg.DataDir, logger.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	hostname, _ := os.Hostname()

	reg := registry.New(cfg.MaxConcurrentJobs, logger.Named("registry"))
	sessions := session.NewWithDefault(logger.Named("session"), cfg.SessionMode(), cfg.TrustTimeoutMins)
	approvals := approval.New(logger.Named("approval"))
	ob := outbox.New(outboxCapacity)

	opServer := operator.New(cfg.OperatorSocketPath, logger.Named("operator"))
	if cfg.OperatorSocketMode != 0 {
		opServer.SocketMode = os.FileMode(cfg.OperatorSocketMode)
	}
	if cfg.DebugIPC {
		if err := opServer.Listen(); err != nil {
			return err
		}
		defer opServer.Close()
	} else {
		logger.Info("operator channel disabled (debug_ipc = false)")
	}

	policyState := protocol.PolicyState{
		AllowedTools:        cfg.AllowedTools,
		DeniedTools:         cfg.DeniedTools,
		DeniedPaths:         cfg.DeniedPaths,
		AllowedDomains:      cfg.AllowedDomains,
		ApprovalTimeoutSecs: cfg.ApprovalTimeoutSecs,
	}
	pipeline := consent.New(deviceID, sessions, policyState, approvals, reg, st, opServer, cfg.ApprovalTimeout(), logger.Named("consent"))
	pipeline.Browser = browser.New(deviceID, cfg.BrowserSidecarSocket, logger.Named("browser"))

	ctrl := controller.New(cfg.ControllerURL, deviceID, hostname, ob, st, logger.Named("controller"))
	ctrl.MinBackoff = time.Duration(cfg.ReconnectMinMs) * time.Millisecond
	ctrl.MaxBackoff = time.Duration(cfg.ReconnectMaxMs) * time.Millisecond

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go ctrl.Run(ctx)
	if cfg.DebugIPC {
		go func() {
			if err := opServer.Serve(); err != nil {
				logger.Warn("operator server stopped", "error", err)
			}
		}()
	}
	go dispatchLoop(ctx, pipeline, ctrl, opServer, cfg, configPath, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// replier delivers envelopes back to whichever channel an incoming
// envelope arrived on, so every reply — streamed JobEvents, the
// terminal JobFinished/JobRejected, or a PolicyState/SessionState
// answer — lands on the originating connection rather than always the
// controller link.
type replier interface {
	Send(env *protocol.Envelope)
}

type controllerReplier struct{ out chan<- *protocol.Envelope }

func (r controllerReplier) Send(env *protocol.Envelope) { r.out <- env }

type operatorReplier struct {
	server *operator.Server
	msg    operator.Message
}

func (r operatorReplier) Send(env *protocol.Envelope) {
	if err := r.server.Reply(r.msg, env); err != nil {
		r.server.Logger.Warn("failed to reply to operator", "error", err)
	}
}

// dispatchLoop routes decoded envelopes from both channels into the
// consent pipeline and routes the pipeline's output back to whichever
// channel the request arrived on.
func dispatchLoop(ctx context.Context, pipeline *consent.Pipeline, ctrl *controller.Client, opServer *operator.Server, cfg config.Config, configPath string, logger hclog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return

		case env := <-ctrl.Inbound:
			handleEnvelope(ctx, pipeline, env, controllerCallerID, controllerReplier{ctrl.Outbound}, cfg, configPath, logger)

		case msg := <-opServer.Inbound:
			handleEnvelope(ctx, pipeline, msg.Envelope, msg.Peer.CallerID(), operatorReplier{opServer, msg}, cfg, configPath, logger)
		}
	}
}

func handleEnvelope(ctx context.Context, pipeline *consent.Pipeline, env *protocol.Envelope, callerID string, reply replier, cfg config.Config, configPath string, logger hclog.Logger) {
	switch env.Kind {
	case protocol.KindJobRequest:
		var req protocol.JobRequest
		if err := env.DecodePayload(&req); err != nil {
			logger.Warn("failed to decode job request", "error", err)
			return
		}
		out, done := jobOutChan(reply)
		pipeline.Submit(ctx, callerID, &req, out, done)

	case protocol.KindCancelJob:
		var cancel protocol.CancelJob
		if err := env.DecodePayload(&cancel); err != nil {
			logger.Warn("failed to decode cancel job", "error", err)
			return
		}
		pipeline.Cancel(cancel.JobID)

	case protocol.KindApprovalResponse:
		var resp protocol.ApprovalResponse
		if err := env.DecodePayload(&resp); err != nil {
			logger.Warn("failed to decode approval response", "error", err)
			return
		}
		_ = pipeline.Approvals.Resolve(resp.JobID, &resp)

	case protocol.KindPolicyUpdate:
		var update protocol.PolicyUpdate
		if err := env.DecodePayload(&update); err != nil {
			logger.Warn("failed to decode policy update", "error", err)
			return
		}
		pipeline.Policy.Apply(&update)

		snapshot := pipeline.Policy.Snapshot()
		persisted := cfg
		persisted.AllowedTools = snapshot.AllowedTools
		persisted.DeniedTools = snapshot.DeniedTools
		persisted.DeniedPaths = snapshot.DeniedPaths
		persisted.AllowedDomains = snapshot.AllowedDomains
		persisted.ApprovalTimeoutSecs = snapshot.ApprovalTimeoutSecs
		if err := persisted.Save(configPath); err != nil {
			logger.Warn("failed to persist accepted policy update", "error", err)
		}

	case protocol.KindPolicyQuery:
		state := pipeline.Policy.Snapshot()
		if env, err := protocol.New(pipeline.DeviceID, protocol.KindPolicyState, &state); err == nil {
			reply.Send(env)
		}

	case protocol.KindSetSessionMode:
		var set protocol.SetSessionMode
		if err := env.DecodePayload(&set); err != nil {
			logger.Warn("failed to decode set session mode", "error", err)
			return
		}
		pipeline.Sessions.SetMode(set.CallerID, set.Mode, set.TrustTimeoutMin)

	case protocol.KindSessionQuery:
		var query protocol.SessionQuery
		if err := env.DecodePayload(&query); err != nil {
			logger.Warn("failed to decode session query", "error", err)
			return
		}
		sendSessionStates(pipeline, query, reply)

	default:
		logger.Warn("unhandled envelope kind", "kind", env.Kind)
	}
}

// jobOutChan adapts a replier into the channel consent.Pipeline.Submit
// streams JobEvent/JobFinished/JobRejected envelopes through. The
// relay goroutine exits once it forwards a terminal envelope; nothing
// closes out itself, since Submit's own goroutine drops its last
// reference to it at the same moment. The returned done channel covers
// the one path where Submit returns without ever sending to out — a
// duplicate JobRequest for an already-running job (§4.8's "Running →
// log and drop") — so the relay doesn't leak blocked on an envelope
// that will never arrive.
func jobOutChan(reply replier) (chan *protocol.Envelope, chan struct{}) {
	out := make(chan *protocol.Envelope, 16)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case env := <-out:
				reply.Send(env)
				if env.Kind == protocol.KindJobFinished || env.Kind == protocol.KindJobRejected {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return out, done
}

func sendSessionStates(p *consent.Pipeline, query protocol.SessionQuery, reply replier) {
	var states []protocol.SessionState
	if query.CallerID != "" {
		states = []protocol.SessionState{p.Sessions.State(query.CallerID)}
	} else {
		states = p.Sessions.All()
	}
	for _, st := range states {
		env, err := protocol.New(p.DeviceID, protocol.KindSessionState, &st)
		if err != nil {
			continue
		}
		reply.Send(env)
	}
}

