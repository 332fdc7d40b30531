// Package orchestrator runs the conversation pipeline: one call per inbound
// turn, from transcript to streamed answer. It gates each turn between the
// fast path (intent classification plus at most one tool call) and the
// agent path (role routing plus the multi-step loop), pulls the retrieval
// arms in parallel, streams the reply, persists the exchange, and hands
// spoken output to the output router.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/renfield-ai/renfield/internal/agent"
	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/fault"
	"github.com/renfield-ai/renfield/internal/feedback"
	"github.com/renfield-ai/renfield/internal/intent"
	"github.com/renfield-ai/renfield/internal/knowledge"
	"github.com/renfield-ai/renfield/internal/llm"
	"github.com/renfield-ai/renfield/internal/memory"
	"github.com/renfield-ai/renfield/internal/notify"
	"github.com/renfield-ai/renfield/internal/observe"
	"github.com/renfield-ai/renfield/internal/output"
	"github.com/renfield-ai/renfield/internal/permissions"
	"github.com/renfield-ai/renfield/internal/session"
)

// retrievalTimeout bounds each retrieval arm.
const retrievalTimeout = 5 * time.Second

// fastContextMessages is the conversation tail length on the fast path.
const fastContextMessages = 10

// Sink delivers turn events to the client transport.
type Sink interface {
	Send(ctx context.Context, envelope any) error
}

// Turn is one inbound request.
type Turn struct {
	Session *session.Session
	Caller  *permissions.Caller
	UserID  string
	Room    string

	// Text or Audio carries the input; Audio implies a voice turn.
	Text  string
	Audio []byte

	// TTS forces spoken output for a text turn. Voice turns always get it.
	TTS bool

	// UseRAG overrides the knowledge-seeking heuristic when non-nil.
	UseRAG *bool

	// Satellite marks turns from always-listening satellites, enabling
	// speaker identification.
	Satellite bool
}

// Conversations is the persistence surface for turns.
type Conversations interface {
	Create(ctx context.Context, userID string) (string, error)
	Append(ctx context.Context, conversationID, role, content, agentRole string) (int, error)
	Tail(ctx context.Context, conversationID string, n int) ([]session.Message, error)
}

// Memories is the long-term memory surface.
type Memories interface {
	Retrieve(ctx context.Context, userID, query string, limit int, threshold float64) ([]memory.Memory, error)
	Insert(ctx context.Context, userID, content, category string, importance float64) (*memory.Memory, error)
	ExtractFromTurn(ctx context.Context, userID, userText, assistantText string) ([]memory.Memory, error)
}

// Knowledge is the document retrieval surface.
type Knowledge interface {
	Search(ctx context.Context, userID string, allAccess bool, query string, topK int) ([]knowledge.Chunk, error)
}

// Feedback retrieves past user corrections as few-shot examples.
type Feedback interface {
	Lookup(ctx context.Context, kind, query string, limit int) ([]feedback.Example, error)
}

// Classifier ranks intents for a fast-path turn.
type Classifier interface {
	Classify(ctx context.Context, req intent.Request) []intent.Candidate
}

// Router picks the agent role for a complex turn.
type Router interface {
	Route(ctx context.Context, message string) agent.Role
}

// Loop runs the multi-step agent.
type Loop interface {
	Run(ctx context.Context, role agent.Role, message string, history []llm.Message, caller *permissions.Caller) <-chan agent.Event
}

// Tools executes capability-server tools for fast-path intents.
type Tools interface {
	Execute(ctx context.Context, caller *permissions.Caller, name string, params map[string]any) (string, error)
}

// Gateway is the streaming LLM surface for the final answer.
type Gateway interface {
	ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error)
}

// Transcriber converts a voice turn's audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// SpeakerID maps a voice sample to a known user.
type SpeakerID interface {
	Identify(ctx context.Context, audio []byte) (userID string, confidence float64, err error)
}

// Speech synthesizes the spoken reply.
type Speech interface {
	Synthesize(ctx context.Context, text string) (output.Playable, error)
}

// AudioRouter routes the spoken reply into the room.
type AudioRouter interface {
	Route(ctx context.Context, room, originDevice string, p output.Playable) (*output.Emission, error)
}

// Reminders serves the reminder.set and reminder.list intents.
type Reminders interface {
	Create(ctx context.Context, userID, title, body string, at time.Time) (*notify.Reminder, error)
	List(ctx context.Context, userID string) ([]notify.Reminder, error)
}

// Notifications serves the notification.acknowledge intent.
type Notifications interface {
	Acknowledge(ctx context.Context, id string) error
}

// Orchestrator drives the turn pipeline. All collaborator fields except
// the gateway, classifier, and conversations may be nil; the corresponding
// pipeline stages are then skipped.
type Orchestrator struct {
	cfg config.Settings

	conversations Conversations
	memories      Memories
	knowledge     Knowledge
	feedback      Feedback
	classifier    Classifier
	router        Router
	loop          Loop
	tools         Tools
	gateway       Gateway
	stt           Transcriber
	speakerID     SpeakerID
	speech        Speech
	audio         AudioRouter
	reminders     Reminders
	notifications Notifications

	logger  *slog.Logger
	metrics *observe.Metrics
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Conversations Conversations
	Memories      Memories
	Knowledge     Knowledge
	Feedback      Feedback
	Classifier    Classifier
	Router        Router
	Loop          Loop
	Tools         Tools
	Gateway       Gateway
	STT           Transcriber
	SpeakerID     SpeakerID
	Speech        Speech
	Audio         AudioRouter
	Reminders     Reminders
	Notifications Notifications
	Logger        *slog.Logger
	Metrics       *observe.Metrics
}

// New creates the orchestrator.
func New(cfg config.Settings, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:           cfg,
		conversations: deps.Conversations,
		memories:      deps.Memories,
		knowledge:     deps.Knowledge,
		feedback:      deps.Feedback,
		classifier:    deps.Classifier,
		router:        deps.Router,
		loop:          deps.Loop,
		tools:         deps.Tools,
		gateway:       deps.Gateway,
		stt:           deps.STT,
		speakerID:     deps.SpeakerID,
		speech:        deps.Speech,
		audio:         deps.Audio,
		reminders:     deps.Reminders,
		notifications: deps.Notifications,
		logger:        logger,
		metrics:       deps.Metrics,
	}
}

// retrieved is the merged result of the parallel retrieval arms.
type retrieved struct {
	memories []memory.Memory
	chunks   []knowledge.Chunk
	examples []feedback.Example
}

// RunTurn processes one turn end to end. Events flow to sink; the done
// event is always the last one on a completed turn. A cancelled turn
// persists whatever the stream produced before the cut.
func (o *Orchestrator) RunTurn(ctx context.Context, sink Sink, turn Turn) error {
	release := turn.Session.LockTurn()
	defer release()
	start := time.Now()

	text, err := o.resolveInput(ctx, &turn)
	if err != nil {
		o.sendError(ctx, sink, err)
		return err
	}
	if strings.TrimSpace(text) == "" {
		err := fault.New(fault.InputInvalid, "orchestrator: empty turn input")
		o.sendError(ctx, sink, err)
		return err
	}

	conversationID, err := turn.Session.ConversationID(ctx, o.conversations)
	if err != nil {
		o.sendError(ctx, sink, err)
		return err
	}

	complex := o.cfg.Agent.Enabled && o.loop != nil && intent.IsComplex(text)
	path := "fast"
	if complex {
		path = "agent"
	}

	ret := o.retrieve(ctx, turn, text, complex)

	contextN := fastContextMessages
	if complex {
		contextN = o.cfg.Agent.ConvContextMessages
	}
	history := o.history(ctx, conversationID, contextN)

	var (
		response   string
		agentRole  string
		agentSteps int
		runErr     error
	)
	if complex {
		response, agentRole, agentSteps, runErr = o.agentPath(ctx, sink, turn, text, history)
	} else {
		response, runErr = o.fastPath(ctx, sink, turn, text, history, ret)
	}

	// Persist what we have even when the client went away mid-stream.
	if response != "" || runErr == nil {
		o.persist(context.WithoutCancel(ctx), conversationID, text, response, agentRole)
		o.extractMemories(turn.UserID, text, response)
	}
	if runErr != nil {
		o.countTurn(ctx, path, "error", start)
		o.sendError(ctx, sink, runErr)
		return runErr
	}

	sources := chunkSources(ret.chunks)
	turn.Session.SetTurnContext(sources, agentRole)

	ttsHandled := false
	if (len(turn.Audio) > 0 || turn.TTS) && response != "" {
		ttsHandled = o.speak(ctx, turn, response)
	}

	done := DoneEvent{Type: "done", Sources: sources, TTSHandled: ttsHandled, AgentSteps: agentSteps}
	if err := sink.Send(ctx, done); err != nil {
		o.logger.Debug("orchestrator: done event not delivered", "error", err)
	}
	o.countTurn(ctx, path, "ok", start)
	return nil
}

// resolveInput transcribes voice turns and applies speaker identification.
func (o *Orchestrator) resolveInput(ctx context.Context, turn *Turn) (string, error) {
	if len(turn.Audio) == 0 {
		return turn.Text, nil
	}
	if o.stt == nil {
		return "", fault.New(fault.InputInvalid, "orchestrator: voice turn without a transcriber")
	}

	sttCtx, cancel := context.WithTimeout(ctx, o.cfg.Voice.STTTimeout)
	defer cancel()
	sttStart := time.Now()
	text, err := o.stt.Transcribe(sttCtx, turn.Audio)
	if o.metrics != nil {
		o.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	}
	if err != nil {
		return "", fault.Wrap(fault.ToolFailed, err, "orchestrator: transcription failed")
	}

	if turn.Satellite && o.cfg.Voice.SpeakerIDEnabled && o.speakerID != nil {
		if userID, confidence, err := o.speakerID.Identify(sttCtx, turn.Audio); err == nil &&
			userID != "" && confidence >= o.cfg.Voice.SpeakerIDThreshold {
			o.logger.Debug("orchestrator: speaker identified",
				"user", userID, "confidence", confidence)
			turn.UserID = userID
			turn.Session.UserID = userID
		}
	}
	return text, nil
}

// retrieve runs the memory, knowledge, and feedback arms in parallel. Arm
// failures degrade to an empty result; a turn must not die on retrieval.
func (o *Orchestrator) retrieve(ctx context.Context, turn Turn, text string, complex bool) retrieved {
	var ret retrieved
	g, gctx := errgroup.WithContext(ctx)

	if o.memories != nil && o.cfg.Memory.Enabled {
		g.Go(func() error {
			armCtx, cancel := context.WithTimeout(gctx, retrievalTimeout)
			defer cancel()
			memories, err := o.memories.Retrieve(armCtx, turn.UserID, text,
				o.cfg.Memory.RetrievalLimit, o.cfg.Memory.RetrievalThreshold)
			if err != nil {
				o.logger.Warn("orchestrator: memory retrieval failed", "error", err)
				return nil
			}
			ret.memories = memories
			return nil
		})
	}

	// The knowledge agent role does its own retrieval inside the loop.
	if o.knowledge != nil && o.cfg.RAG.Enabled && !complex && o.wantsKnowledge(turn, text) {
		g.Go(func() error {
			armCtx, cancel := context.WithTimeout(gctx, retrievalTimeout)
			defer cancel()
			chunks, err := o.knowledge.Search(armCtx, turn.UserID, false, text, o.cfg.RAG.TopK)
			if err != nil {
				o.logger.Warn("orchestrator: knowledge retrieval failed", "error", err)
				return nil
			}
			ret.chunks = chunks
			return nil
		})
	}

	if o.feedback != nil {
		g.Go(func() error {
			armCtx, cancel := context.WithTimeout(gctx, retrievalTimeout)
			defer cancel()
			examples, err := o.feedback.Lookup(armCtx, feedback.KindIntent, text, 3)
			if err != nil {
				o.logger.Warn("orchestrator: feedback retrieval failed", "error", err)
				return nil
			}
			ret.examples = examples
			return nil
		})
	}

	g.Wait()
	return ret
}

// wantsKnowledge is the knowledge-seeking heuristic: an explicit flag wins,
// otherwise questions and document references trigger retrieval.
func (o *Orchestrator) wantsKnowledge(turn Turn, text string) bool {
	if turn.UseRAG != nil {
		return *turn.UseRAG
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "?") {
		return true
	}
	for _, marker := range knowledgeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// knowledgeMarkers are question openers and document references in the two
// supported input languages.
var knowledgeMarkers = []string{
	"was ", "wie ", "wer ", "warum ", "wann ", "wo ", "welche",
	"what ", "how ", "who ", "why ", "when ", "where ", "which",
	"dokument", "document", "handbuch", "manual", "anleitung", "laut ",
}

// agentPath routes the turn to a role and forwards loop events.
func (o *Orchestrator) agentPath(ctx context.Context, sink Sink, turn Turn, text string, history []llm.Message) (response, roleName string, steps int, err error) {
	role := o.router.Route(ctx, text)
	if sendErr := sink.Send(ctx, AgentRoleEvent{Type: "agent_role", Name: role.Name, Label: role.Label}); sendErr != nil {
		return "", role.Name, 0, sendErr
	}

	events := o.loop.Run(ctx, role, text, history, turn.Caller)
	var b strings.Builder
	for event := range events {
		var envelope any
		switch event.Type {
		case agent.EventThinking:
			envelope = AgentThinkingEvent{Type: "agent_thinking", Text: event.Text}
		case agent.EventToolCall:
			envelope = AgentToolCallEvent{Type: "agent_tool_call", Name: event.Tool, Parameters: event.Params, Reason: event.Reason}
		case agent.EventToolResult:
			envelope = AgentToolResultEvent{Type: "agent_tool_result", Name: event.Tool, Result: event.Result, Error: event.Error}
		case agent.EventFinalToken:
			b.WriteString(event.Text)
			envelope = StreamEvent{Type: "stream", Content: event.Text}
		case agent.EventDone:
			steps = event.Steps
			continue
		default:
			continue
		}
		if sendErr := sink.Send(ctx, envelope); sendErr != nil {
			// Client gone; drain the loop so it shuts down cleanly.
			go func() {
				for range events {
				}
			}()
			return b.String(), role.Name, steps, sendErr
		}
	}
	return b.String(), role.Name, steps, ctx.Err()
}

// fastPath classifies the intent, runs at most one tool, and streams the
// reply.
func (o *Orchestrator) fastPath(ctx context.Context, sink Sink, turn Turn, text string, history []llm.Message, ret retrieved) (string, error) {
	candidates := o.classifier.Classify(ctx, intent.Request{
		Message:          text,
		RoomContext:      turn.Room,
		FeedbackExamples: ret.examples,
	})
	top := intent.Candidate{Intent: intent.FallbackIntent, Confidence: 1}
	if len(candidates) > 0 {
		top = candidates[0]
	}

	toolResult := ""
	if top.Intent != intent.FallbackIntent {
		toolResult = o.runIntent(ctx, turn, top)
	}

	role := llm.RoleChat
	if len(ret.chunks) > 0 {
		role = llm.RoleRAG
	}
	messages := o.promptMessages(turn, text, history, ret, toolResult)

	deltas, err := o.gateway.ChatStream(ctx, llm.Request{Role: role, Messages: messages})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for delta := range deltas {
		if delta.Err != nil {
			return b.String(), delta.Err
		}
		if delta.Content == "" {
			continue
		}
		b.WriteString(delta.Content)
		if sendErr := sink.Send(ctx, StreamEvent{Type: "stream", Content: delta.Content}); sendErr != nil {
			return b.String(), sendErr
		}
	}
	return b.String(), ctx.Err()
}

// runIntent executes a fast-path intent: a built-in operation or a
// capability-server tool. The outcome feeds the prompt; failures feed it
// too so the model can apologise concretely.
func (o *Orchestrator) runIntent(ctx context.Context, turn Turn, candidate intent.Candidate) string {
	result, err := o.dispatchIntent(ctx, turn, candidate)
	if err != nil {
		o.logger.Warn("orchestrator: intent execution failed",
			"intent", candidate.Intent, "error", err)
		return fmt.Sprintf("The action %q failed: %v", candidate.Intent, err)
	}
	return result
}

func (o *Orchestrator) dispatchIntent(ctx context.Context, turn Turn, candidate intent.Candidate) (string, error) {
	params := candidate.Parameters
	switch candidate.Intent {
	case "general.question":
		return "", nil

	case "memory.remember":
		if o.memories == nil {
			return "", fault.New(fault.ToolFailed, "orchestrator: memory is disabled")
		}
		content := stringParam(params, "content")
		if content == "" {
			return "", fault.New(fault.InputInvalid, "orchestrator: nothing to remember")
		}
		if _, err := o.memories.Insert(ctx, turn.UserID, content, stringParam(params, "category"), 0.5); err != nil {
			return "", err
		}
		return "Stored the memory: " + content, nil

	case "memory.recall":
		if o.memories == nil {
			return "", fault.New(fault.ToolFailed, "orchestrator: memory is disabled")
		}
		query := stringParam(params, "query")
		memories, err := o.memories.Retrieve(ctx, turn.UserID, query, o.cfg.Memory.RetrievalLimit, 0.5)
		if err != nil {
			return "", err
		}
		if len(memories) == 0 {
			return "No stored memories match.", nil
		}
		var b strings.Builder
		b.WriteString("Stored memories:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
		return b.String(), nil

	case "reminder.set":
		if o.reminders == nil {
			return "", fault.New(fault.ToolFailed, "orchestrator: reminders are disabled")
		}
		title := stringParam(params, "title")
		at, err := time.Parse(time.RFC3339, stringParam(params, "time"))
		if err != nil {
			return "", fault.New(fault.InputInvalid, "orchestrator: could not understand the reminder time")
		}
		rem, err := o.reminders.Create(ctx, turn.UserID, title, stringParam(params, "body"), at)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Reminder %q set for %s.", rem.Title, rem.ScheduledAt.Format(time.RFC1123)), nil

	case "reminder.list":
		if o.reminders == nil {
			return "", fault.New(fault.ToolFailed, "orchestrator: reminders are disabled")
		}
		reminders, err := o.reminders.List(ctx, turn.UserID)
		if err != nil {
			return "", err
		}
		if len(reminders) == 0 {
			return "No pending reminders.", nil
		}
		var b strings.Builder
		b.WriteString("Pending reminders:\n")
		for _, rem := range reminders {
			fmt.Fprintf(&b, "- %s at %s\n", rem.Title, rem.ScheduledAt.Format(time.RFC1123))
		}
		return b.String(), nil

	case "notification.acknowledge":
		if o.notifications == nil {
			return "", fault.New(fault.ToolFailed, "orchestrator: notifications are disabled")
		}
		id := stringParam(params, "id")
		if err := o.notifications.Acknowledge(ctx, id); err != nil {
			return "", err
		}
		return "Notification acknowledged.", nil
	}

	if strings.HasPrefix(candidate.Intent, "mcp.") {
		if o.tools == nil {
			return "", fault.New(fault.ToolFailed, "orchestrator: tools are disabled")
		}
		return o.tools.Execute(ctx, turn.Caller, candidate.Intent, params)
	}
	return "", nil
}

// promptMessages assembles the final chat prompt.
func (o *Orchestrator) promptMessages(turn Turn, text string, history []llm.Message, ret retrieved, toolResult string) []llm.Message {
	var b strings.Builder
	b.WriteString("You are Renfield, a helpful self-hosted voice assistant. Answer briefly in the user's language; replies may be spoken aloud.\n")
	if turn.Room != "" {
		fmt.Fprintf(&b, "The user is in the room %q.\n", turn.Room)
	}
	if len(ret.memories) > 0 {
		b.WriteString("\nKnown facts about the user:\n")
		for _, m := range ret.memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}
	if len(ret.chunks) > 0 {
		b.WriteString("\nRelevant document excerpts:\n")
		for _, c := range ret.chunks {
			fmt.Fprintf(&b, "[%s", c.Filename)
			if c.Page > 0 {
				fmt.Fprintf(&b, ", page %d", c.Page)
			}
			b.WriteString("]\n")
			b.WriteString(c.Content)
			b.WriteString("\n")
		}
		b.WriteString("\nWhen your answer uses an excerpt, name its source file.\n")
	}
	if toolResult != "" {
		b.WriteString("\nResult of the action just performed for the user:\n")
		b.WriteString(toolResult)
		b.WriteString("\nBase your answer on this result.\n")
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: b.String()})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: text})
	return messages
}

func (o *Orchestrator) history(ctx context.Context, conversationID string, n int) []llm.Message {
	msgs, err := o.conversations.Tail(ctx, conversationID, n)
	if err != nil {
		o.logger.Warn("orchestrator: history load failed", "error", err)
		return nil
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// persist appends the user and assistant halves in order.
func (o *Orchestrator) persist(ctx context.Context, conversationID, userText, response, agentRole string) {
	if _, err := o.conversations.Append(ctx, conversationID, "user", userText, ""); err != nil {
		o.logger.Warn("orchestrator: persist user turn failed", "error", err)
		return
	}
	if response == "" {
		return
	}
	if _, err := o.conversations.Append(ctx, conversationID, "assistant", response, agentRole); err != nil {
		o.logger.Warn("orchestrator: persist assistant turn failed", "error", err)
	}
}

// extractMemories fires the background extraction pass. It runs detached
// from the turn's context; cancellation must not lose memories.
func (o *Orchestrator) extractMemories(userID, userText, response string) {
	if o.memories == nil || !o.cfg.Memory.Enabled || !o.cfg.Memory.ExtractionEnabled || response == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := o.memories.ExtractFromTurn(ctx, userID, userText, response); err != nil {
			o.logger.Debug("orchestrator: memory extraction failed", "error", err)
		}
	}()
}

// speak synthesizes the response and routes it into the room.
func (o *Orchestrator) speak(ctx context.Context, turn Turn, response string) bool {
	if o.speech == nil || o.audio == nil {
		return false
	}
	ttsCtx, cancel := context.WithTimeout(ctx, o.cfg.Voice.TTSTimeout)
	defer cancel()
	ttsStart := time.Now()
	playable, err := o.speech.Synthesize(ttsCtx, response)
	if o.metrics != nil {
		o.metrics.TTSDuration.Record(ctx, time.Since(ttsStart).Seconds())
	}
	if err != nil {
		o.logger.Warn("orchestrator: tts failed", "error", err)
		return false
	}
	emission, err := o.audio.Route(ctx, turn.Room, turn.Session.DeviceID, playable)
	if err != nil {
		o.logger.Warn("orchestrator: audio routing failed", "error", err)
		return false
	}
	return emission != nil
}

func (o *Orchestrator) sendError(ctx context.Context, sink Sink, err error) {
	kind := fault.KindOf(err)
	envelope := ErrorEvent{Type: "error", Code: kind.Code(), Message: err.Error()}
	if sendErr := sink.Send(ctx, envelope); sendErr != nil {
		o.logger.Debug("orchestrator: error event not delivered", "error", sendErr)
	}
}

func (o *Orchestrator) countTurn(ctx context.Context, path, status string, start time.Time) {
	if o.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("status", status),
	)
	o.metrics.Turns.Add(ctx, 1, attrs)
	o.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("path", path)))
}

func chunkSources(chunks []knowledge.Chunk) []session.Source {
	if len(chunks) == 0 {
		return nil
	}
	sources := make([]session.Source, 0, len(chunks))
	for _, c := range chunks {
		sources = append(sources, session.Source{
			Filename: c.Filename,
			Page:     c.Page,
			Section:  c.Section,
			Score:    c.Score,
		})
	}
	return sources
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}
