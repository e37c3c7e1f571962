package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jsegov/shipspec/pkg/engine"
	"github.com/jsegov/shipspec/pkg/engine/checkpoint"
	"github.com/jsegov/shipspec/pkg/llm"
	"github.com/jsegov/shipspec/pkg/observability"
	"github.com/jsegov/shipspec/pkg/state"
	"github.com/jsegov/shipspec/pkg/workflow"
)

// maxLineBytes bounds a single request line. Interrupt responses can
// carry whole reviewed documents, so this is generous.
const maxLineBytes = 4 * 1024 * 1024

// ServerName identifies this server in connect replies.
const ServerName = "shipspec"

// Workflow kinds, also the prefix of their method names.
const (
	KindAsk             = "ask"
	KindPlanning        = "planning"
	KindProductionalize = "productionalize"
)

// Options configures a Server.
type Options struct {
	// Deps holds the collaborators workflow graphs are built with.
	Deps workflow.Deps

	// Store persists checkpoints for resumable workflows.
	Store checkpoint.Store

	// Models backs the model.* methods and routes per-run model
	// selection.
	Models *llm.Registry

	// Metrics and Spans enable telemetry on every run when set.
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager

	// MaxIterations caps node executions per run. Zero keeps the engine
	// default.
	MaxIterations int

	Logger  *slog.Logger
	Version string
}

// Server dispatches line-delimited JSON requests to workflow runs and
// serializes their events onto the output stream.
type Server struct {
	deps    workflow.Deps
	store   checkpoint.Store
	models  *llm.Registry
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	maxIter int
	logger  *slog.Logger
	version string

	sessions *Registry

	out     io.Writer
	writeMu sync.Mutex

	wg sync.WaitGroup
}

// NewServer creates a server writing events to out.
func NewServer(out io.Writer, opts Options) (*Server, error) {
	if opts.Deps.LLM == nil {
		return nil, errors.New("rpc: LLM client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("rpc: checkpoint store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		deps:     opts.Deps,
		store:    opts.Store,
		models:   opts.Models,
		metrics:  opts.Metrics,
		spans:    opts.Spans,
		maxIter:  opts.MaxIterations,
		logger:   logger,
		version:  version,
		sessions: NewRegistry(),
		out:      out,
	}, nil
}

// Serve reads requests from in until EOF or ctx cancellation, then waits
// for in-flight runs to finish.
func (s *Server) Serve(ctx context.Context, in io.Reader) error {
	defer s.wg.Wait()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(Event{}, CodeInvalidJSON, err.Error())
			continue
		}

		s.dispatch(ctx, req)
	}

	return scanner.Err()
}

// dispatch routes one request. Control methods are answered inline;
// start and resume methods stream from their own goroutine.
func (s *Server) dispatch(ctx context.Context, req Request) {
	s.logger.Debug("request received", "method", req.Method, "request_id", req.ID)

	switch req.Method {
	case MethodConnect:
		s.handleConnect(req)
	case MethodModelList:
		s.handleModelList(req)
	case MethodModelCurrent:
		s.handleModelCurrent(req)
	case MethodModelSet:
		s.handleModelSet(req)
	case MethodAskCancel:
		s.handleCancel(req)
	case MethodAskStart:
		s.handleStart(ctx, req, KindAsk)
	case MethodPlanningStart:
		s.handleStart(ctx, req, KindPlanning)
	case MethodProductionalizeStart:
		s.handleStart(ctx, req, KindProductionalize)
	case MethodPlanningResume:
		s.handleResume(ctx, req, KindPlanning)
	case MethodProductionalizeResume:
		s.handleResume(ctx, req, KindProductionalize)
	default:
		s.writeError(Event{ID: req.ID}, CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Server) handleConnect(req Request) {
	s.write(Event{
		Type: EventComplete,
		ID:   req.ID,
		Result: ConnectResult{
			Server:    ServerName,
			Version:   s.version,
			Workflows: []string{KindAsk, KindPlanning, KindProductionalize},
		},
	})
}

func (s *Server) handleModelList(req Request) {
	if s.models == nil {
		s.writeError(Event{ID: req.ID}, CodeInvalidRequest, "no model registry configured")
		return
	}
	s.write(Event{Type: EventComplete, ID: req.ID, Result: s.models.List()})
}

func (s *Server) handleModelCurrent(req Request) {
	if s.models == nil {
		s.writeError(Event{ID: req.ID}, CodeInvalidRequest, "no model registry configured")
		return
	}
	s.write(Event{Type: EventComplete, ID: req.ID, Result: s.models.Current()})
}

func (s *Server) handleModelSet(req Request) {
	if s.models == nil {
		s.writeError(Event{ID: req.ID}, CodeInvalidRequest, "no model registry configured")
		return
	}
	var params ModelSetParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Model == "" {
		s.writeError(Event{ID: req.ID}, CodeInvalidRequest, "model.set requires a model id")
		return
	}
	if err := s.models.Set(params.Model); err != nil {
		s.writeError(Event{ID: req.ID}, CodeNotFound, err.Error())
		return
	}
	s.write(Event{Type: EventComplete, ID: req.ID, Result: s.models.Current()})
}

// handleCancel services ask.cancel inline: it only flips the session's
// context, never waiting on the streaming goroutine it is interrupting.
func (s *Server) handleCancel(req Request) {
	var params CancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Session == "" {
		s.writeError(Event{ID: req.ID}, CodeInvalidRequest, "cancel requires a session id")
		return
	}
	if !s.sessions.Cancel(params.Session) {
		s.writeError(Event{ID: req.ID, Session: params.Session}, CodeNotFound, "no such session")
		return
	}
	s.write(Event{Type: EventStatus, ID: req.ID, Session: params.Session, Message: "cancel requested"})
}

func (s *Server) handleStart(ctx context.Context, req Request, kind string) {
	var params StartParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeError(Event{ID: req.ID}, CodeInvalidRequest, "malformed start params: "+err.Error())
		return
	}
	if strings.TrimSpace(params.Query) == "" {
		s.writeError(Event{ID: req.ID}, CodeInvalidRequest, "query is required")
		return
	}

	sessionID := params.Session
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	graph, err := s.buildGraph(kind, params)
	if err != nil {
		s.writeError(Event{ID: req.ID, Session: sessionID}, CodeInvalidRequest, err.Error())
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:       sessionID,
		Kind:     kind,
		ThreadID: sessionID,
		cancel:   cancel,
		running:  true,
	}
	if !s.sessions.Register(sess) {
		cancel()
		s.writeError(Event{ID: req.ID, Session: sessionID}, CodeBusy, "session id already in use")
		return
	}
	if kind == KindAsk && !s.sessions.AcquireAsk(sessionID) {
		s.sessions.Remove(sessionID)
		cancel()
		s.writeError(Event{ID: req.ID, Session: sessionID}, CodeBusy, "an ask run is already in progress")
		return
	}

	s.write(Event{Type: EventStatus, ID: req.ID, Session: sessionID, Message: kind + " started"})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		opts := s.runOptions(req, sessionID, kind)
		initial := state.State{workflow.ChanQuery: params.Query}
		final, err := graph.Run(runCtx, initial, opts...)
		s.finishRun(req, sess, kind, final, err)
	}()
}

func (s *Server) handleResume(ctx context.Context, req Request, kind string) {
	var params ResumeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Session == "" {
		s.writeError(Event{ID: req.ID}, CodeInvalidRequest, "resume requires a session id")
		return
	}

	sess := s.sessions.Get(params.Session)
	if sess == nil || sess.Kind != kind {
		s.writeError(Event{ID: req.ID, Session: params.Session}, CodeNotFound, "no such session")
		return
	}
	if !s.sessions.Resumable(params.Session) {
		s.writeError(Event{ID: req.ID, Session: params.Session}, CodeBusy, "session is already running")
		return
	}

	response, err := decodeResponse(params.Response)
	if err != nil {
		s.writeError(Event{ID: req.ID, Session: params.Session}, CodeInvalidRequest, err.Error())
		return
	}

	graph, err := s.buildGraph(kind, StartParams{})
	if err != nil {
		s.writeError(Event{ID: req.ID, Session: params.Session}, CodeInvalidRequest, err.Error())
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.sessions.Reattach(sess.ID, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		opts := s.runOptions(req, sess.ID, kind)
		final, err := graph.Resume(runCtx, s.store, sess.ThreadID, response, opts...)
		s.finishRun(req, sess, kind, final, err)
	}()
}

// finishRun emits the terminal event for a run: exactly one of
// interrupt, complete, or error.
func (s *Server) finishRun(req Request, sess *Session, kind string, final state.State, err error) {
	base := Event{ID: req.ID, Session: sess.ID}

	var interrupted *engine.Interrupted
	var invalidResume *engine.InvalidResumeResponseError
	switch {
	case err == nil:
		s.sessions.Remove(sess.ID)
		s.write(Event{
			Type:    EventComplete,
			ID:      req.ID,
			Session: sess.ID,
			Result:  resultFor(kind, final),
		})

	case errors.As(err, &interrupted):
		s.sessions.SetRunning(sess.ID, false)
		s.write(Event{
			Type:    EventInterrupt,
			ID:      req.ID,
			Session: sess.ID,
			Node:    interrupted.NodeID,
			Kind:    interrupted.Kind,
			Expects: string(interrupted.Expects),
			Payload: interrupted.Payload,
		})

	case errors.As(err, &invalidResume):
		// The checkpoint was not touched; the session stays suspended so
		// a corrected resume can answer the same interrupt.
		s.sessions.SetRunning(sess.ID, false)
		s.writeError(base, CodeInvalidResumeResponse, err.Error())

	default:
		s.sessions.Remove(sess.ID)
		s.writeError(base, errorCode(err), err.Error())
	}
}

// runOptions builds the engine options for one streaming run.
func (s *Server) runOptions(req Request, sessionID, kind string) []engine.RunOption {
	emitter := engine.EmitterFunc(func(ev engine.Event) {
		s.write(Event{
			Type:    string(ev.Type),
			ID:      req.ID,
			Session: sessionID,
			Node:    ev.Node,
			Message: ev.Message,
			Text:    ev.Text,
		})
	})

	opts := []engine.RunOption{
		engine.WithEmitter(emitter),
		engine.WithRunLogger(s.logger.With("session", sessionID, "workflow", kind)),
	}
	if kind != KindAsk {
		opts = append(opts, engine.WithCheckpointing(s.store, sessionID))
	}
	if s.metrics != nil {
		opts = append(opts, engine.WithMetrics(s.metrics))
	}
	if s.spans != nil {
		opts = append(opts, engine.WithTracing(s.spans))
	}
	if s.maxIter > 0 {
		opts = append(opts, engine.WithMaxIterations(s.maxIter))
	}
	return opts
}

// buildGraph constructs the workflow graph for a run, applying per-run
// model selection on top of the registry's current choice.
func (s *Server) buildGraph(kind string, params StartParams) (*engine.CompiledGraph, error) {
	deps := s.deps
	if params.Model != "" {
		if s.models != nil {
			if err := validateModel(s.models, params.Model); err != nil {
				return nil, err
			}
		}
		deps.LLM = llm.WithModelOverride(deps.LLM, params.Model)
	} else if s.models != nil {
		deps.LLM = llm.WithModelRouting(deps.LLM, s.models)
	}

	switch kind {
	case KindAsk:
		return workflow.NewSpecGraph(deps)
	case KindPlanning:
		return workflow.NewPlanningGraph(deps)
	case KindProductionalize:
		return workflow.NewProductionalizeGraph(deps, workflow.ProductionalizeOptions{
			SkipInterview:    params.SkipInterview,
			SkipReportReview: params.SkipReview,
		})
	default:
		return nil, fmt.Errorf("unknown workflow kind %q", kind)
	}
}

func validateModel(registry *llm.Registry, id string) error {
	for _, m := range registry.List() {
		if m.ID == id {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", llm.ErrUnknownModel, id)
}

// resultFor extracts the wire result from a finished run's state.
func resultFor(kind string, final state.State) map[string]any {
	switch kind {
	case KindAsk:
		return map[string]any{"answer": final[workflow.ChanAnswer]}
	case KindPlanning:
		return map[string]any{
			"prd":  final[workflow.ChanPRD],
			"spec": final[workflow.ChanSpec],
		}
	case KindProductionalize:
		return map[string]any{
			"report": final[workflow.ChanReport],
			"tasks":  final[workflow.ChanTasks],
		}
	default:
		return nil
	}
}

// decodeResponse turns the wire response into the shape the engine
// validates: a string for text interrupts, a map for structured ones.
func decodeResponse(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, errors.New("resume requires a response")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var structured map[string]any
	if err := json.Unmarshal(raw, &structured); err == nil {
		return structured, nil
	}

	return nil, errors.New("response must be a JSON string or object")
}

// errorCode maps run failures onto stable wire codes.
func errorCode(err error) string {
	var invalidResume *engine.InvalidResumeResponseError
	switch {
	case errors.As(err, &invalidResume):
		return CodeInvalidResumeResponse
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, engine.ErrNoCheckpoints), errors.Is(err, engine.ErrNoPendingInterrupt):
		return CodeNotFound
	default:
		var cancellation *engine.CancellationError
		if errors.As(err, &cancellation) {
			return CodeCanceled
		}
		return CodeRunFailed
	}
}

// write serializes one event line. The mutex keeps concurrent runs'
// events from interleaving within a line.
func (s *Server) write(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("event marshal failed", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("event write failed", "error", err)
	}
}

func (s *Server) writeError(base Event, code, message string) {
	base.Type = EventError
	base.Code = code
	base.Error = message
	s.write(base)
}
