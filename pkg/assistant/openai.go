package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/platepal/internal/tracing"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultTranscriptionModel = openai.AudioModelWhisper1
	defaultListLimit          = 100
)

// OpenAIConfig configures the Assistants API client.
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	Model              string
	TranscriptionModel string
	RequestTimeout     time.Duration
	Logger             *zerolog.Logger
}

// OpenAIGateway speaks the threads/runs protocol of the OpenAI Assistants API.
// Sessions are threads, agent profiles are assistants.
type OpenAIGateway struct {
	client             openai.Client
	model              string
	transcriptionModel string
	logger             zerolog.Logger
}

// NewOpenAIGateway creates a gateway. SDK-level retries are disabled because
// callers wrap the gateway with their own backoff.
func NewOpenAIGateway(cfg OpenAIConfig) (*OpenAIGateway, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}

	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4o
	}
	transcriptionModel := cfg.TranscriptionModel
	if transcriptionModel == "" {
		transcriptionModel = defaultTranscriptionModel
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &OpenAIGateway{
		client:             openai.NewClient(opts...),
		model:              model,
		transcriptionModel: transcriptionModel,
		logger:             logger,
	}, nil
}

// CreateAgentProfile creates an assistant with the persona and function tools.
func (g *OpenAIGateway) CreateAgentProfile(ctx context.Context, spec AgentProfileSpec) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "platepal.assistant", "assistant.create_agent",
		attribute.String("agent_name", spec.Name))
	defer span.End()

	model := spec.Model
	if model == "" {
		model = g.model
	}

	tools := make([]openai.AssistantToolUnionParam, 0, len(spec.Tools))
	for _, tool := range spec.Tools {
		tools = append(tools, openai.AssistantToolParamOfFunction(openai.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  openai.FunctionParameters(tool.Parameters),
		}))
	}

	params := openai.BetaAssistantNewParams{
		Model:        openai.ChatModel(model),
		Name:         openai.String(spec.Name),
		Instructions: openai.String(spec.Instructions),
		Tools:        tools,
	}
	if spec.Temperature > 0 {
		params.Temperature = openai.Float(spec.Temperature)
	}

	created, err := g.client.Beta.Assistants.New(ctx, params)
	if err != nil {
		tracing.FailSpan(span, err)
		return "", fmt.Errorf("failed to create agent profile: %w", err)
	}

	g.logger.Info().Str("agent_id", created.ID).Str("agent_name", spec.Name).Msg("Agent profile created")
	return created.ID, nil
}

// CreateSession creates an empty thread.
func (g *OpenAIGateway) CreateSession(ctx context.Context) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "platepal.assistant", "assistant.create_session")
	defer span.End()

	thread, err := g.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		tracing.FailSpan(span, err)
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return thread.ID, nil
}

// AppendMessage adds a user message to the thread. An attachment URL is sent
// as an image part next to the text.
func (g *OpenAIGateway) AppendMessage(ctx context.Context, sessionID, text, attachmentURL string) error {
	ctx, span := tracing.StartSpan(ctx, "platepal.assistant", "assistant.append_message",
		attribute.String("session_id", sessionID),
		attribute.Bool("has_attachment", attachmentURL != ""))
	defer span.End()

	var content openai.BetaThreadMessageNewParamsContentUnion
	if attachmentURL == "" {
		content.OfString = openai.String(text)
	} else {
		parts := make([]openai.MessageContentPartParamUnion, 0, 2)
		if strings.TrimSpace(text) != "" {
			parts = append(parts, openai.MessageContentPartParamUnion{
				OfText: &openai.TextContentBlockParam{Text: text},
			})
		}
		parts = append(parts, openai.MessageContentPartParamUnion{
			OfImageURL: &openai.ImageURLContentBlockParam{
				ImageURL: openai.ImageURLParam{URL: attachmentURL},
			},
		})
		content.OfArrayOfContentParts = parts
	}

	_, err := g.client.Beta.Threads.Messages.New(ctx, sessionID, openai.BetaThreadMessageNewParams{
		Role:    openai.BetaThreadMessageNewParamsRoleUser,
		Content: content,
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// StartRun begins an inference cycle on the thread.
func (g *OpenAIGateway) StartRun(ctx context.Context, sessionID, agentID string, temperature float64) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "platepal.assistant", "assistant.start_run",
		attribute.String("session_id", sessionID),
		attribute.String("agent_id", agentID))
	defer span.End()

	params := openai.BetaThreadRunNewParams{AssistantID: agentID}
	if temperature > 0 {
		params.Temperature = openai.Float(temperature)
	}

	run, err := g.client.Beta.Threads.Runs.New(ctx, sessionID, params)
	if err != nil {
		tracing.FailSpan(span, err)
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return run.ID, nil
}

// PollRun fetches the current run status and any pending tool calls.
func (g *OpenAIGateway) PollRun(ctx context.Context, sessionID, runID string) (RunState, error) {
	run, err := g.client.Beta.Threads.Runs.Get(ctx, sessionID, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("failed to poll run: %w", err)
	}
	return runStateFromOpenAI(run), nil
}

func runStateFromOpenAI(run *openai.Run) RunState {
	state := RunState{
		RunID:     run.ID,
		Status:    mapRunStatus(run.Status),
		LastError: run.LastError.Message,
	}
	if state.Status != RunRequiresAction {
		return state
	}

	for _, call := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
		req := ToolCallRequest{
			ID:      call.ID,
			Name:    call.Function.Name,
			RawArgs: call.Function.Arguments,
		}
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err == nil {
			req.Args = args
		}
		state.PendingToolCalls = append(state.PendingToolCalls, req)
	}
	return state
}

// mapRunStatus folds provider statuses into the engine's set. cancelling is
// still moving, incomplete ended without an answer.
func mapRunStatus(status openai.RunStatus) RunStatus {
	switch status {
	case openai.RunStatusQueued:
		return RunQueued
	case openai.RunStatusInProgress, openai.RunStatusCancelling:
		return RunInProgress
	case openai.RunStatusRequiresAction:
		return RunRequiresAction
	case openai.RunStatusCompleted:
		return RunCompleted
	case openai.RunStatusCancelled:
		return RunCancelled
	case openai.RunStatusExpired:
		return RunExpired
	case openai.RunStatusFailed, openai.RunStatusIncomplete:
		return RunFailed
	}
	return RunStatus(status)
}

// SubmitToolResults sends all outputs for a requires_action step at once.
func (g *OpenAIGateway) SubmitToolResults(ctx context.Context, sessionID, runID string, results []ToolCallResult) error {
	ctx, span := tracing.StartSpan(ctx, "platepal.assistant", "assistant.submit_tool_results",
		attribute.String("session_id", sessionID),
		attribute.String("run_id", runID),
		attribute.Int("results", len(results)))
	defer span.End()

	outputs := make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, 0, len(results))
	for _, r := range results {
		outputs = append(outputs, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(r.ID),
			Output:     openai.String(r.Output),
		})
	}

	_, err := g.client.Beta.Threads.Runs.SubmitToolOutputs(ctx, sessionID, runID, openai.BetaThreadRunSubmitToolOutputsParams{
		ToolOutputs: outputs,
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to submit tool results: %w", err)
	}
	return nil
}

// ListMessages lists thread messages, following every page. Messages without
// text or image content are dropped; a positive Limit caps the result.
func (g *OpenAIGateway) ListMessages(ctx context.Context, sessionID string, opts ListOptions) ([]Message, error) {
	params := openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderAsc,
		Limit: openai.Int(defaultListLimit),
	}
	if opts.Order == OrderDesc {
		params.Order = openai.BetaThreadMessageListParamsOrderDesc
	}
	if opts.RunID != "" {
		params.RunID = openai.String(opts.RunID)
	}
	if opts.Limit > 0 && opts.Limit < defaultListLimit {
		params.Limit = openai.Int(int64(opts.Limit))
	}

	iter := g.client.Beta.Threads.Messages.ListAutoPaging(ctx, sessionID, params)
	var messages []Message
	for iter.Next() {
		msg := messageFromOpenAI(iter.Current())
		if msg.Content == "" && msg.AttachmentURL == "" {
			continue
		}
		messages = append(messages, msg)
		if opts.Limit > 0 && len(messages) >= opts.Limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if messages == nil {
		messages = []Message{}
	}
	return messages, nil
}

func messageFromOpenAI(m openai.Message) Message {
	msg := Message{
		ID:        m.ID,
		Role:      Role(m.Role),
		Timestamp: time.Unix(m.CreatedAt, 0).UTC(),
		RunID:     m.RunID,
	}

	var text []string
	for _, part := range m.Content {
		switch part.Type {
		case "text":
			if part.Text.Value != "" {
				text = append(text, part.Text.Value)
			}
		case "image_url":
			if msg.AttachmentURL == "" {
				msg.AttachmentURL = part.ImageURL.URL
			}
		}
	}
	msg.Content = strings.Join(text, "\n")
	return msg
}

// TranscribeAudio converts a voice note to text with a single call.
func (g *OpenAIGateway) TranscribeAudio(ctx context.Context, audio AudioInput) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "platepal.assistant", "assistant.transcribe",
		attribute.Int("bytes", len(audio.Data)))
	defer span.End()

	if len(audio.Data) == 0 {
		return "", fmt.Errorf("audio input is empty")
	}

	filename := audio.Filename
	if filename == "" {
		filename = FilenameForMIME(audio.MIMEType)
	}
	mimeType := audio.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	res, err := g.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio.Data), filename, mimeType),
		Model: openai.AudioModel(g.transcriptionModel),
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return "", fmt.Errorf("failed to transcribe audio: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}

// FilenameForMIME picks a filename whose extension the transcription
// endpoint accepts for the given MIME type.
func FilenameForMIME(mimeType string) string {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch base {
	case "audio/webm", "video/webm":
		return "voice.webm"
	case "audio/mpeg", "audio/mp3":
		return "voice.mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "voice.m4a"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "voice.wav"
	case "audio/ogg", "audio/opus":
		return "voice.ogg"
	}
	return "voice.webm"
}
