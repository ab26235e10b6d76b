// Package bridge exposes an Engine to out-of-process clients. Requests are
// JSON messages {type, data}; every request yields one response
// {type: success|failure, result | error}.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jward/understory"
	uerrors "github.com/jward/understory/internal/errors"
	"github.com/jward/understory/internal/logging"
	"github.com/jward/understory/internal/program"
	"github.com/jward/understory/internal/suggest"
)

// Request kinds.
const (
	KindInitialize         = "initialize"
	KindAnalyzeFile        = "analyze-file"
	KindAnalyzeProject     = "analyze-project"
	KindCancelAnalysis     = "cancel-analysis"
	KindCreateProgram      = "create-program"
	KindDeleteProgram      = "delete-program"
	KindCreateTSConfigFile = "create-tsconfig-file"
	KindTSConfigFiles      = "tsconfig-files"
	KindNewTSConfig        = "new-tsconfig"
	KindStatus             = "status"
)

// Response types.
const (
	Success = "success"
	Failure = "failure"
)

// ok is the result of requests that only acknowledge.
const ok = "OK!"

// Request is one inbound message. ID is echoed on the response.
type Request struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response is the outcome of one request.
type Response struct {
	ID     string              `json:"id,omitempty"`
	Type   string              `json:"type"`
	Result any                 `json:"result,omitempty"`
	Error  *uerrors.Serialized `json:"error,omitempty"`
}

// HandlerFunc handles the data of one request kind.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// Status describes the engine as seen by clients.
type Status struct {
	Initialized bool     `json:"initialized"`
	ActiveRuns  int      `json:"activeRuns"`
	Programs    []string `json:"programs"`
	Kinds       []string `json:"requestTypes"`
}

// Dispatcher routes requests to handlers. Safe for concurrent use.
type Dispatcher struct {
	engine *understory.Engine
	log    *logrus.Entry

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(l *logrus.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = logging.Component(l, "bridge") }
}

// NewDispatcher returns a Dispatcher serving the built-in request kinds.
func NewDispatcher(engine *understory.Engine, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{engine: engine, handlers: make(map[string]HandlerFunc)}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logging.Component(nil, "bridge")
	}

	d.Handle(KindInitialize, d.initialize)
	d.Handle(KindAnalyzeFile, d.analyzeFile)
	d.Handle(KindAnalyzeProject, d.analyzeProject)
	d.Handle(KindCancelAnalysis, d.cancelAnalysis)
	d.Handle(KindCreateProgram, d.createProgram)
	d.Handle(KindDeleteProgram, d.deleteProgram)
	d.Handle(KindCreateTSConfigFile, d.createTSConfigFile)
	d.Handle(KindTSConfigFiles, d.tsconfigFiles)
	d.Handle(KindNewTSConfig, d.newTSConfig)
	d.Handle(KindStatus, func(context.Context, json.RawMessage) (any, error) {
		return d.Status(), nil
	})
	return d
}

// Handle registers fn for kind, replacing any previous handler.
func (d *Dispatcher) Handle(kind string, fn HandlerFunc) {
	d.mu.Lock()
	d.handlers[kind] = fn
	d.mu.Unlock()
}

// Kinds returns the registered request kinds, sorted.
func (d *Dispatcher) Kinds() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Dispatch runs one request. It never returns an error: failures, including
// handler panics, become failure responses.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp Response) {
	resp.ID = req.ID
	log := d.log.WithField("type", req.Type)

	d.mu.RLock()
	fn, found := d.handlers[req.Type]
	d.mu.RUnlock()
	if !found {
		err := &uerrors.UnknownRequestError{
			Kind:       req.Type,
			Suggestion: suggest.Closest(req.Type, d.Kinds(), suggest.DefaultThreshold),
		}
		log.Warn("unknown request type")
		return failure(req.ID, err)
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("request handler panicked")
			resp = failure(req.ID, fmt.Errorf("bridge: %s: panic: %v", req.Type, r))
		}
	}()

	result, err := fn(ctx, req.Data)
	if err != nil {
		log.WithError(err).Debug("request failed")
		return failure(req.ID, err)
	}
	return Response{ID: req.ID, Type: Success, Result: result}
}

func failure(id string, err error) Response {
	s := uerrors.Serialize(err)
	return Response{ID: id, Type: Failure, Error: &s}
}

// Status reports engine state.
func (d *Dispatcher) Status() Status {
	ids := d.engine.Programs().IDs()
	if ids == nil {
		ids = []string{}
	}
	return Status{
		Initialized: d.engine.Initialized(),
		ActiveRuns:  d.engine.ActiveRuns(),
		Programs:    ids,
		Kinds:       d.Kinds(),
	}
}

// decode unmarshals request data. Missing data decodes to the zero value.
func decode(kind string, data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bridge: %s: decode data: %w", kind, err)
	}
	return nil
}

// --- Handlers ---

type initializeData struct {
	Rules []understory.RuleConfig `json:"rules"`
}

func (d *Dispatcher) initialize(_ context.Context, data json.RawMessage) (any, error) {
	var in initializeData
	if err := decode(KindInitialize, data, &in); err != nil {
		return nil, err
	}
	if err := d.engine.Initialize(in.Rules); err != nil {
		return nil, err
	}
	return ok, nil
}

func (d *Dispatcher) analyzeFile(ctx context.Context, data json.RawMessage) (any, error) {
	var in understory.FileInput
	if err := decode(KindAnalyzeFile, data, &in); err != nil {
		return nil, err
	}
	return d.engine.AnalyzeFile(ctx, in)
}

// analyzeProject returns the aggregate result. A run that failed after it
// started is still a success response carrying status "failed".
func (d *Dispatcher) analyzeProject(ctx context.Context, data json.RawMessage) (any, error) {
	var in understory.ProjectInput
	if err := decode(KindAnalyzeProject, data, &in); err != nil {
		return nil, err
	}
	res, err := d.engine.AnalyzeProject(ctx, in, nil)
	if res == nil {
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) cancelAnalysis(context.Context, json.RawMessage) (any, error) {
	d.engine.Cancel()
	return ok, nil
}

type programData struct {
	TSConfig  string `json:"tsConfig"`
	ProgramID string `json:"programId"`
}

func (d *Dispatcher) createProgram(ctx context.Context, data json.RawMessage) (any, error) {
	var in programData
	if err := decode(KindCreateProgram, data, &in); err != nil {
		return nil, err
	}
	p, err := d.engine.Programs().CreateProgram(ctx, in.TSConfig)
	if err != nil {
		return nil, err
	}
	return p.Handle(), nil
}

func (d *Dispatcher) deleteProgram(_ context.Context, data json.RawMessage) (any, error) {
	var in programData
	if err := decode(KindDeleteProgram, data, &in); err != nil {
		return nil, err
	}
	if err := d.engine.Programs().DeleteProgram(in.ProgramID); err != nil {
		return nil, err
	}
	return ok, nil
}

type tsconfigFile struct {
	Filename string `json:"filename"`
}

func (d *Dispatcher) createTSConfigFile(_ context.Context, data json.RawMessage) (any, error) {
	content := map[string]any{}
	if err := decode(KindCreateTSConfigFile, data, &content); err != nil {
		return nil, err
	}
	p, err := d.engine.TSConfigs().WriteConfig(content)
	if err != nil {
		return nil, err
	}
	return tsconfigFile{Filename: p}, nil
}

type tsconfigFilesData struct {
	TSConfig string `json:"tsconfig"`
}

type tsconfigFilesResult struct {
	Files             []string `json:"files"`
	ProjectReferences []string `json:"projectReferences"`
}

func (d *Dispatcher) tsconfigFiles(_ context.Context, data json.RawMessage) (any, error) {
	var in tsconfigFilesData
	if err := decode(KindTSConfigFiles, data, &in); err != nil {
		return nil, err
	}
	h, err := program.ConfigFiles(in.TSConfig)
	if err != nil {
		return nil, err
	}
	return tsconfigFilesResult{Files: h.RootFiles, ProjectReferences: h.ProjectReferences}, nil
}

func (d *Dispatcher) newTSConfig(context.Context, json.RawMessage) (any, error) {
	d.engine.ResetConfigs()
	return ok, nil
}
