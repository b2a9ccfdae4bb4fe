package api

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"conductor/pkg/events"
	"conductor/pkg/features"
	"conductor/pkg/gateway"
	"conductor/pkg/logx"
	"conductor/pkg/orchestrator"
	"conductor/pkg/provider"
	"conductor/pkg/session"
)

// ProviderRegistry is the provider introspection used by the Service.
// *provider.Registry implements it.
type ProviderRegistry interface {
	Providers() []provider.Provider
	Status(ctx context.Context, id provider.ID) (provider.Status, error)
	Statuses(ctx context.Context) []provider.Status
	ListModels(id provider.ID) ([]provider.ModelDefinition, error)
	Refresh()
	Verify(ctx context.Context, id provider.ID) error
}

// Options configures a Service.
type Options struct {
	Sessions     session.Store
	Orchestrator *orchestrator.Orchestrator
	Providers    ProviderRegistry
	Gateway      *gateway.Gateway

	DefaultProvider string
	DefaultTags     []string
	Logger          *logx.Logger
}

// Service implements the external operations.
type Service struct {
	opts   Options
	logger *logx.Logger
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewLogger("api")
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = string(provider.Claude)
	}
	return &Service{opts: opts, logger: logger}
}

func (s *Service) respond(op string, data any, err error) Response {
	if err != nil {
		resp := Fail(err)
		if resp.Error.Code == CodeInternal {
			s.logger.Error("%s failed: %v", op, err)
		} else {
			s.logger.Debug("%s rejected: %v", op, err)
		}
		return resp
	}
	return OK(data)
}

// ListSessionsRequest filters ListSessions.
type ListSessionsRequest struct {
	IncludeArchived bool `json:"includeArchived"`
}

// ListSessions returns session summaries, newest activity first.
func (s *Service) ListSessions(ctx context.Context, req ListSessionsRequest) Response {
	list, err := s.opts.Sessions.List(ctx, session.ListOptions{IncludeArchived: req.IncludeArchived})
	if list == nil && err == nil {
		list = []session.Summary{}
	}
	return s.respond("list sessions", list, err)
}

// GetSession returns one session.
func (s *Service) GetSession(ctx context.Context, id string) Response {
	sess, err := s.opts.Sessions.Get(ctx, id)
	return s.respond("get session", sess, err)
}

// CreateSessionRequest describes a new session.
type CreateSessionRequest struct {
	Name             string   `json:"name"`
	ProjectPath      string   `json:"projectPath"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	Provider         string   `json:"provider,omitempty"`
	Model            string   `json:"model,omitempty"`
	RequiresTools    bool     `json:"requiresTools,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

// CreateSession validates the provider and model and stores a new session.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) Response {
	sess, err := s.createSession(ctx, req)
	return s.respond("create session", sess, err)
}

func (s *Service) createSession(ctx context.Context, req CreateSessionRequest) (*session.Session, error) {
	name := req.Provider
	if name == "" {
		name = s.opts.DefaultProvider
	}
	id, err := provider.ParseID(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrValidation, err)
	}
	model := ""
	if req.Model != "" {
		def, err := provider.FindModel(id, req.Model)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", orchestrator.ErrUnsupportedModel, err)
		}
		if req.RequiresTools && !def.SupportsTools {
			return nil, fmt.Errorf("%w: %s does not support tool use", orchestrator.ErrUnsupportedModel, def.ID)
		}
		model = def.ID
	}

	projectPath, err := absPath(req.ProjectPath)
	if err != nil {
		return nil, err
	}
	workdir, err := absPath(req.WorkingDirectory)
	if err != nil {
		return nil, err
	}

	tags := append(append([]string{}, s.opts.DefaultTags...), req.Tags...)
	return s.opts.Sessions.Create(ctx, session.CreateParams{
		Name:             req.Name,
		ProjectPath:      projectPath,
		WorkingDirectory: workdir,
		Provider:         string(id),
		Model:            model,
		RequiresTools:    req.RequiresTools,
		Tags:             tags,
	})
}

func absPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: bad path %q: %v", session.ErrValidation, p, err)
	}
	return abs, nil
}

// UpdateSessionRequest changes a session. Nil fields are left unchanged.
type UpdateSessionRequest struct {
	ID    string    `json:"id"`
	Name  *string   `json:"name,omitempty"`
	Tags  *[]string `json:"tags,omitempty"`
	Model *string   `json:"model,omitempty"`
}

// UpdateSession renames, retags or changes the model of a session. A model
// change is validated against the session's provider.
func (s *Service) UpdateSession(ctx context.Context, req UpdateSessionRequest) Response {
	sess, err := s.updateSession(ctx, req)
	return s.respond("update session", sess, err)
}

func (s *Service) updateSession(ctx context.Context, req UpdateSessionRequest) (*session.Session, error) {
	if req.Model != nil {
		if _, err := s.opts.Orchestrator.SetModel(ctx, req.ID, *req.Model); err != nil {
			return nil, err
		}
	}
	if req.Name == nil && req.Tags == nil {
		return s.opts.Sessions.Get(ctx, req.ID)
	}
	return s.opts.Sessions.Update(ctx, req.ID, session.Patch{Name: req.Name, Tags: req.Tags})
}

// ArchiveSession hides a session from the default listing.
func (s *Service) ArchiveSession(ctx context.Context, id string) Response {
	sess, err := s.opts.Sessions.Archive(ctx, id)
	return s.respond("archive session", sess, err)
}

// UnarchiveSession restores an archived session.
func (s *Service) UnarchiveSession(ctx context.Context, id string) Response {
	sess, err := s.opts.Sessions.Unarchive(ctx, id)
	return s.respond("unarchive session", sess, err)
}

// DeleteSession stops any run and removes the session with its messages.
func (s *Service) DeleteSession(ctx context.Context, id string) Response {
	if err := s.opts.Orchestrator.Stop(ctx, id); err != nil {
		return s.respond("delete session", nil, err)
	}
	err := s.opts.Sessions.Delete(ctx, id)
	return s.respond("delete session", map[string]string{"id": id}, err)
}

// StartRequest starts a conversation.
type StartRequest struct {
	SessionID        string `json:"sessionId"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

// RunInfo describes a started run.
type RunInfo struct {
	SessionID string      `json:"sessionId"`
	RunID     string      `json:"runId"`
	Provider  provider.ID `json:"provider"`
	Model     string      `json:"model"`
	StartedAt time.Time   `json:"startedAt"`
}

// Start begins a run for the session.
func (s *Service) Start(ctx context.Context, req StartRequest) Response {
	workdir, err := absPath(req.WorkingDirectory)
	if err != nil {
		return s.respond("start", nil, err)
	}
	h, err := s.opts.Orchestrator.Start(ctx, req.SessionID, workdir)
	if err != nil {
		return s.respond("start", nil, err)
	}
	return OK(RunInfo{
		SessionID: h.SessionID,
		RunID:     h.RunID,
		Provider:  h.Provider,
		Model:     h.Model,
		StartedAt: h.StartedAt,
	})
}

// SendRequest is one user message.
type SendRequest struct {
	SessionID  string   `json:"sessionId"`
	Message    string   `json:"message"`
	ImagePaths []string `json:"imagePaths,omitempty"`
	Model      string   `json:"model,omitempty"`
}

// Send stores the message and starts a turn. Output arrives on the session's
// event stream; the response carries the stored user message.
func (s *Service) Send(ctx context.Context, req SendRequest) Response {
	images := make([]string, 0, len(req.ImagePaths))
	for _, p := range req.ImagePaths {
		abs, err := absPath(p)
		if err != nil {
			return s.respond("send", nil, err)
		}
		if abs != "" {
			images = append(images, abs)
		}
	}
	msg, err := s.opts.Orchestrator.Send(ctx, req.SessionID, orchestrator.SendRequest{
		Message: req.Message,
		Images:  images,
		Model:   req.Model,
	})
	return s.respond("send", msg, err)
}

// History returns the session's messages in order.
func (s *Service) History(ctx context.Context, sessionID string) Response {
	msgs, err := s.opts.Orchestrator.History(ctx, sessionID)
	return s.respond("history", msgs, err)
}

// Stop ends the session's run. It succeeds for idle sessions.
func (s *Service) Stop(ctx context.Context, sessionID string) Response {
	if _, err := s.opts.Sessions.Get(ctx, sessionID); err != nil {
		return s.respond("stop", nil, err)
	}
	err := s.opts.Orchestrator.Stop(ctx, sessionID)
	return s.respond("stop", s.opts.Orchestrator.Status(sessionID), err)
}

// ClearRequest resets a conversation.
type ClearRequest struct {
	SessionID string `json:"sessionId"`
	// Purge also deletes the persisted messages.
	Purge bool `json:"purge,omitempty"`
}

// ClearResult reports what Clear removed.
type ClearResult struct {
	SessionID       string `json:"sessionId"`
	DeletedMessages int    `json:"deletedMessages"`
}

// Clear stops the run and forgets the provider conversation.
func (s *Service) Clear(ctx context.Context, req ClearRequest) Response {
	n, err := s.opts.Orchestrator.Clear(ctx, req.SessionID, req.Purge)
	return s.respond("clear", ClearResult{SessionID: req.SessionID, DeletedMessages: n}, err)
}

// SetModel changes the session model.
func (s *Service) SetModel(ctx context.Context, sessionID, model string) Response {
	sess, err := s.opts.Orchestrator.SetModel(ctx, sessionID, model)
	return s.respond("set model", sess, err)
}

// RunStatus reports the session's run state.
func (s *Service) RunStatus(ctx context.Context, sessionID string) Response {
	if _, err := s.opts.Sessions.Get(ctx, sessionID); err != nil {
		return s.respond("status", nil, err)
	}
	return OK(s.opts.Orchestrator.Status(sessionID))
}

// Subscribe returns the session's event stream.
func (s *Service) Subscribe(sessionID string) *events.Subscription {
	return s.opts.Orchestrator.Subscribe(sessionID)
}

// ProviderModels is one provider's catalog.
type ProviderModels struct {
	Provider provider.ID                `json:"provider"`
	Models   []provider.ModelDefinition `json:"models"`
}

// ListModels returns the static catalog of one provider, or of every enabled
// provider when name is empty.
func (s *Service) ListModels(_ context.Context, name string) Response {
	var ids []provider.ID
	if name == "" {
		for _, p := range s.opts.Providers.Providers() {
			ids = append(ids, p.ID())
		}
	} else {
		id, err := provider.ParseID(name)
		if err != nil {
			return s.respond("list models", nil, err)
		}
		ids = []provider.ID{id}
	}

	out := make([]ProviderModels, 0, len(ids))
	for _, id := range ids {
		models, err := s.opts.Providers.ListModels(id)
		if err != nil {
			return s.respond("list models", nil, err)
		}
		out = append(out, ProviderModels{Provider: id, Models: models})
	}
	return OK(out)
}

// ProviderStatusRequest selects providers to probe.
type ProviderStatusRequest struct {
	Provider string `json:"provider,omitempty"`
	// Refresh drops cached probe results first.
	Refresh bool `json:"refresh,omitempty"`
	// Verify also checks the provider's API key against its HTTP API.
	Verify bool `json:"verify,omitempty"`
}

// ProviderReport is a probed provider with an optional live key check.
type ProviderReport struct {
	provider.Status
	Verified    *bool  `json:"verified,omitempty"`
	VerifyError string `json:"verifyError,omitempty"`
}

// ProviderStatus reports installation and authentication per provider.
func (s *Service) ProviderStatus(ctx context.Context, req ProviderStatusRequest) Response {
	if req.Refresh {
		s.opts.Providers.Refresh()
	}

	var statuses []provider.Status
	if req.Provider == "" {
		statuses = s.opts.Providers.Statuses(ctx)
	} else {
		id, err := provider.ParseID(req.Provider)
		if err != nil {
			return s.respond("provider status", nil, err)
		}
		st, err := s.opts.Providers.Status(ctx, id)
		if err != nil {
			return s.respond("provider status", nil, err)
		}
		statuses = []provider.Status{st}
	}

	out := make([]ProviderReport, len(statuses))
	for i, st := range statuses {
		out[i] = ProviderReport{Status: st}
		if req.Verify && st.Info.HasAPIBackend {
			err := s.opts.Providers.Verify(ctx, st.Info.ID)
			ok := err == nil
			out[i].Verified = &ok
			if err != nil {
				out[i].VerifyError = err.Error()
			}
		}
	}
	return OK(out)
}

// ListFeatures returns the project's feature list without modifying it.
func (s *Service) ListFeatures(ctx context.Context, projectPath string) Response {
	project, err := requireProject(projectPath)
	if err != nil {
		return s.respond("list features", nil, err)
	}
	list, err := s.opts.Gateway.ListFeatures(ctx, project)
	if list == nil && err == nil {
		list = []features.Feature{}
	}
	return s.respond("list features", list, err)
}

// UpdateFeatureRequest is the only accepted feature list mutation.
type UpdateFeatureRequest struct {
	ProjectPath string  `json:"projectPath"`
	FeatureID   string  `json:"featureId"`
	Status      string  `json:"status"`
	Summary     *string `json:"summary,omitempty"`
}

// UpdateFeatureStatus changes one feature through the gateway.
func (s *Service) UpdateFeatureStatus(ctx context.Context, req UpdateFeatureRequest) Response {
	project, err := requireProject(req.ProjectPath)
	if err != nil {
		return s.respond("update feature", nil, err)
	}
	res, err := s.opts.Gateway.UpdateFeatureStatus(ctx, project, req.FeatureID, features.Status(req.Status), req.Summary)
	if err != nil {
		return s.respond("update feature", nil, err)
	}
	return OK(gateway.Result(res))
}

// ErrBulkWrite rejects any feature list write other than a single status update.
var ErrBulkWrite = &Error{
	Code:    CodeValidation,
	Message: "the feature list can only be changed one feature at a time through " + gateway.ToolUpdateFeatureStatus,
}

// RejectFeatureWrite is the answer to every other attempted feature list write.
func (s *Service) RejectFeatureWrite(what string) Response {
	s.logger.Warn("Rejected feature list write: %s", what)
	return Response{Error: ErrBulkWrite}
}

func requireProject(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: project path is required", session.ErrValidation)
	}
	abs, err := absPath(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// IsCode reports whether resp failed with code.
func IsCode(resp Response, code Code) bool {
	var apiErr *Error
	return errors.As(resp.Err(), &apiErr) && apiErr.Code == code
}
