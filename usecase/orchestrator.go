package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/domain/entities"
	"github.com/satriahrh/crmvoice/internal/capture"
	"github.com/satriahrh/crmvoice/internal/playback"
	"github.com/satriahrh/crmvoice/internal/pubsub"
	"github.com/satriahrh/crmvoice/internal/relay"
)

const subscriptionBuffer = 64

var (
	ErrOrchestratorClosed = errors.New("orchestrator closed")
	ErrNotStarted         = errors.New("orchestrator not started")
	ErrEmptyText          = errors.New("text message is empty")
)

// RelayClient is the socket session used by the orchestrator
type RelayClient interface {
	Connect(ctx context.Context, identity string, opts relay.Options) error
	Send(env relay.OutboundEnvelope) error
	Disconnect()
	States() *pubsub.Stream[relay.StateChange]
	Messages() *pubsub.Stream[relay.InboundEnvelope]
	Errors() *pubsub.Stream[error]
}

// VoiceCapture is the microphone side
type VoiceCapture interface {
	StartRecording() error
	StopRecording()
	StartMonitoring() error
	StopMonitoring()
	Events() *pubsub.Stream[capture.Event]
}

// VoicePlayback is the speaker side
type VoicePlayback interface {
	Play(ctx context.Context, audioBase64 string) (string, error)
	Stop() bool
	Finished() *pubsub.Stream[playback.Completion]
}

// OrchestratorConfig configures outbound envelopes
type OrchestratorConfig struct {
	Language    string
	AudioFormat string
	ReturnAudio bool
}

// UpdateKind identifies an orchestrator update
type UpdateKind string

const (
	UpdateTurnState  UpdateKind = "turn_state"
	UpdateMessage    UpdateKind = "message"
	UpdateConnection UpdateKind = "connection"
)

// Update is published for front-ends whenever visible state changes
type Update struct {
	Kind       UpdateKind
	TurnState  entities.TurnState
	Message    entities.ConversationMessage
	Connection entities.ConnectionState
}

type command struct {
	fn     func() error
	result chan error
}

// Orchestrator wires the relay, capture and playback units to the turn
// ledger. Every reaction runs on a single loop goroutine.
type Orchestrator struct {
	relay   RelayClient
	capture VoiceCapture
	player  VoicePlayback
	config  OrchestratorConfig
	logger  *zap.Logger

	ledger  *entities.TurnLedger
	updates *pubsub.Stream[Update]

	ctx      context.Context
	cancel   context.CancelFunc
	commands chan command
	loopDone chan struct{}

	mu       sync.Mutex
	started  bool
	closed   bool
	identity string
	unsubs   []func()

	// loop-owned
	connection entities.ConnectionState
	playbackID string
}

// NewOrchestrator creates a new Orchestrator
func NewOrchestrator(
	relayClient RelayClient,
	voiceCapture VoiceCapture,
	player VoicePlayback,
	config OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AudioFormat == "" {
		config.AudioFormat = "wav"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		relay:      relayClient,
		capture:    voiceCapture,
		player:     player,
		config:     config,
		logger:     logger.With(zap.String("component", "orchestrator")),
		ledger:     entities.NewTurnLedger(),
		updates:    pubsub.NewStream[Update](),
		ctx:        ctx,
		cancel:     cancel,
		commands:   make(chan command),
		loopDone:   make(chan struct{}),
		connection: entities.ConnectionStateDisconnected,
	}
}

// Updates streams turn, transcript and connection changes
func (o *Orchestrator) Updates() *pubsub.Stream[Update] { return o.updates }

// TurnState returns the current turn state
func (o *Orchestrator) TurnState() entities.TurnState { return o.ledger.State() }

// IsMuted reports whether capture restart after speaking is suppressed
func (o *Orchestrator) IsMuted() bool { return o.ledger.IsMuted() }

// Transcript returns a copy of the conversation so far
func (o *Orchestrator) Transcript() []entities.ConversationMessage {
	return o.ledger.Transcript().Messages()
}

// Start subscribes to all units, starts the event loop and connects the
// relay for identity. Calling Start again reconnects the same identity, which
// is how a session is resumed after reconnection gave up.
func (o *Orchestrator) Start(ctx context.Context, identity string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOrchestratorClosed
	}
	if !o.started {
		o.started = true
		o.identity = identity
		o.startLoopLocked()
	} else {
		identity = o.identity
	}
	o.mu.Unlock()

	o.logger.Info("Starting conversation", zap.String("identity", identity))
	return o.relay.Connect(ctx, identity, relay.Options{ReturnAudio: o.config.ReturnAudio})
}

func (o *Orchestrator) startLoopLocked() {
	states, unsubStates := o.relay.States().Subscribe(subscriptionBuffer)
	messages, unsubMessages := o.relay.Messages().Subscribe(subscriptionBuffer)
	relayErrs, unsubErrs := o.relay.Errors().Subscribe(subscriptionBuffer)
	captureEvents, unsubCapture := o.capture.Events().Subscribe(subscriptionBuffer)
	finished, unsubFinished := o.player.Finished().Subscribe(subscriptionBuffer)
	o.unsubs = []func(){unsubStates, unsubMessages, unsubErrs, unsubCapture, unsubFinished}

	go o.loop(states, messages, relayErrs, captureEvents, finished)
}

func (o *Orchestrator) loop(
	states <-chan relay.StateChange,
	messages <-chan relay.InboundEnvelope,
	relayErrs <-chan error,
	captureEvents <-chan capture.Event,
	finished <-chan playback.Completion,
) {
	defer close(o.loopDone)

	for {
		select {
		case <-o.ctx.Done():
			return

		case cmd := <-o.commands:
			cmd.result <- cmd.fn()

		case change, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			o.handleConnectionState(change)

		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			o.handleMessage(msg)

		case err, ok := <-relayErrs:
			if !ok {
				relayErrs = nil
				continue
			}
			o.handleRelayError(err)

		case ev, ok := <-captureEvents:
			if !ok {
				captureEvents = nil
				continue
			}
			o.handleCaptureEvent(ev)

		case c, ok := <-finished:
			if !ok {
				finished = nil
				continue
			}
			o.handlePlaybackFinished(c)
		}
	}
}

// do runs fn on the loop goroutine and returns its result
func (o *Orchestrator) do(fn func() error) error {
	o.mu.Lock()
	started, closed := o.started, o.closed
	o.mu.Unlock()
	if closed {
		return ErrOrchestratorClosed
	}
	if !started {
		return ErrNotStarted
	}

	cmd := command{fn: fn, result: make(chan error, 1)}
	select {
	case o.commands <- cmd:
	case <-o.loopDone:
		return ErrOrchestratorClosed
	}
	select {
	case err := <-cmd.result:
		return err
	case <-o.loopDone:
		return ErrOrchestratorClosed
	}
}

// SendText sends a typed user message
func (o *Orchestrator) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	return o.do(func() error {
		if err := o.relay.Send(relay.NewTextMessage(text, o.config.Language)); err != nil {
			return fmt.Errorf("failed to send text message: %w", err)
		}
		o.appendMessage(entities.NewConversationMessage(entities.MessageRoleUser, text))
		// typing over the assistant interrupts it like a spoken barge-in
		if o.player.Stop() {
			o.playbackID = ""
		}
		o.capture.StopMonitoring()
		o.capture.StopRecording()
		o.transition(entities.TurnStateProcessing)
		return nil
	})
}

// Mute suppresses the automatic capture restart after the assistant finishes
// speaking. It is only accepted while speaking.
func (o *Orchestrator) Mute() error {
	return o.do(o.ledger.Mute)
}

// Unmute clears the mute flag and resumes listening when the turn is idle
func (o *Orchestrator) Unmute() error {
	return o.do(func() error {
		o.ledger.Unmute()
		if o.ledger.State() == entities.TurnStateIdle && o.connection == entities.ConnectionStateConnected {
			o.listen()
		}
		return nil
	})
}

// Pause stops capture and playback until Resume
func (o *Orchestrator) Pause() error {
	return o.do(func() error {
		o.capture.StopRecording()
		o.capture.StopMonitoring()
		if o.player.Stop() {
			o.playbackID = ""
		}
		o.transition(entities.TurnStatePaused)
		return nil
	})
}

// Resume returns a paused conversation to listening
func (o *Orchestrator) Resume() error {
	return o.do(func() error {
		if o.ledger.State() != entities.TurnStatePaused {
			return nil
		}
		if o.connection != entities.ConnectionStateConnected {
			o.transition(entities.TurnStateIdle)
			return nil
		}
		o.listen()
		return nil
	})
}

// Close stops the loop, capture and playback and disconnects the relay. No
// timer, capture, playback or socket is active once it returns.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	started := o.started
	unsubs := o.unsubs
	o.mu.Unlock()

	o.cancel()
	o.updates.Close()
	for _, unsub := range unsubs {
		unsub()
	}
	if started {
		<-o.loopDone
	}

	o.player.Stop()
	o.capture.StopRecording()
	o.capture.StopMonitoring()
	o.relay.Disconnect()

	o.logger.Info("Conversation closed")
}

func (o *Orchestrator) handleConnectionState(change relay.StateChange) {
	o.connection = change.To
	o.updates.Publish(Update{Kind: UpdateConnection, Connection: change.To})

	switch change.To {
	case entities.ConnectionStateError, entities.ConnectionStateDisconnected:
		// nothing can be sent until the backend starts a new conversation
		o.capture.StopRecording()
		switch o.ledger.State() {
		case entities.TurnStateListening, entities.TurnStateProcessing:
			o.transition(entities.TurnStateIdle)
		}
	}
}

func (o *Orchestrator) handleMessage(msg relay.InboundEnvelope) {
	switch m := msg.(type) {
	case *relay.ConversationStartedMessage:
		o.logger.Info("Conversation started", zap.String("conversationId", m.ConversationID))
		if o.ledger.State() != entities.TurnStatePaused {
			o.listen()
		}

	case *relay.TranscriptionMessage:
		if m.Text == "" {
			return
		}
		o.appendMessage(entities.NewConversationMessage(entities.MessageRoleUser, m.Text))

	case *relay.AssistantResponseMessage:
		o.handleAssistantResponse(m)

	case *relay.ErrorMessage:
		o.logger.Warn("Relay reported an error", zap.String("message", m.Message), zap.String("code", m.Code))
		o.appendError(m.Err().Error())
		if o.ledger.State() == entities.TurnStateProcessing {
			o.listen()
		}

	case *relay.PongMessage:
		// keep-alive acknowledgement
	}
}

func (o *Orchestrator) handleAssistantResponse(m *relay.AssistantResponseMessage) {
	entry := entities.NewConversationMessage(entities.MessageRoleAssistant, m.Response)
	entry.Trace = m.ExecutionDetails
	o.appendMessage(entry)

	if !m.HasAudio() || o.ledger.State() == entities.TurnStatePaused {
		if o.ledger.State() != entities.TurnStatePaused {
			o.endTurn()
		}
		return
	}

	o.capture.StopRecording()
	id, err := o.player.Play(o.ctx, m.AudioBase64)
	if err != nil {
		o.logger.Error("Failed to play assistant audio", zap.Error(err))
		o.appendError(fmt.Sprintf("Could not play the assistant's audio: %v", err))
		o.endTurn()
		return
	}
	o.playbackID = id
	o.transition(entities.TurnStateSpeaking)

	if err := o.capture.StartMonitoring(); err != nil {
		o.logger.Warn("Barge-in monitoring unavailable", zap.Error(err))
	}
}

func (o *Orchestrator) handlePlaybackFinished(c playback.Completion) {
	if c.ID != o.playbackID {
		return
	}
	o.playbackID = ""
	if c.Interrupted {
		return
	}
	if o.ledger.State() == entities.TurnStateSpeaking {
		o.endTurn()
	}
}

func (o *Orchestrator) handleCaptureEvent(ev capture.Event) {
	switch ev.Type {
	case capture.EventVoiceDetected:
		if o.ledger.State() == entities.TurnStateSpeaking {
			o.bargeIn()
		}

	case capture.EventUtteranceReady:
		if o.ledger.State() != entities.TurnStateListening {
			o.logger.Debug("Dropping utterance outside of the listening turn",
				zap.String("turnState", string(o.ledger.State())))
			return
		}
		env := relay.NewAudioMessage(ev.Utterance.Audio, o.config.AudioFormat, o.config.Language)
		if err := o.relay.Send(env); err != nil {
			o.logger.Warn("Failed to send utterance", zap.Error(err))
			o.appendError(fmt.Sprintf("Could not send your message: %v", err))
			o.listen()
			return
		}
		o.logger.Info("Utterance sent",
			zap.String("messageId", env.MessageID),
			zap.Duration("duration", ev.Utterance.Duration))
		o.transition(entities.TurnStateProcessing)

	case capture.EventDeviceError:
		o.appendError(fmt.Sprintf("Microphone unavailable, you can keep typing: %v", ev.Err))
	}
}

func (o *Orchestrator) handleRelayError(err error) {
	var protoErr *relay.ProtocolError
	switch {
	case errors.Is(err, relay.ErrReconnectExhausted):
		o.logger.Error("Relay reconnection exhausted", zap.Error(err))
		o.capture.StopRecording()
		o.capture.StopMonitoring()
		if o.player.Stop() {
			o.playbackID = ""
		}
		o.appendError("Connection lost. Start the conversation again to reconnect.")
		o.transition(entities.TurnStateIdle)

	case errors.As(err, &protoErr):
		o.appendError(fmt.Sprintf("Received an unreadable message: %v", protoErr.Err))

	default:
		o.logger.Warn("Relay connection error", zap.Error(err))
	}
}

// bargeIn reclaims the turn from the assistant. Without a connection there is
// nobody to send the utterance to, so the turn goes idle instead.
func (o *Orchestrator) bargeIn() {
	o.logger.Info("Barge-in detected, stopping playback")
	o.player.Stop()
	o.playbackID = ""
	if o.connection != entities.ConnectionStateConnected {
		o.capture.StopMonitoring()
		o.transition(entities.TurnStateIdle)
		return
	}
	o.transition(entities.TurnStateListening)
	o.startRecording()
	o.capture.StopMonitoring()
	o.appendMessage(entities.NewConversationMessage(entities.MessageRoleSystem, "Assistant interrupted"))
}

// endTurn returns the turn to the user unless muted or disconnected
func (o *Orchestrator) endTurn() {
	o.capture.StopMonitoring()
	if o.ledger.IsMuted() || o.connection != entities.ConnectionStateConnected {
		o.transition(entities.TurnStateIdle)
		return
	}
	o.listen()
}

func (o *Orchestrator) listen() {
	o.transition(entities.TurnStateListening)
	o.startRecording()
}

func (o *Orchestrator) startRecording() {
	// failures surface as capture device events
	if err := o.capture.StartRecording(); err != nil {
		o.logger.Warn("Failed to start recording", zap.Error(err))
	}
}

func (o *Orchestrator) transition(to entities.TurnState) {
	from := o.ledger.State()
	if !o.ledger.Transition(to) {
		return
	}
	o.logger.Debug("Turn state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	o.updates.Publish(Update{Kind: UpdateTurnState, TurnState: to})
}

func (o *Orchestrator) appendMessage(msg entities.ConversationMessage) {
	if err := o.ledger.Transcript().Append(msg); err != nil {
		o.logger.Error("Failed to append transcript entry", zap.Error(err))
		return
	}
	o.updates.Publish(Update{Kind: UpdateMessage, Message: msg})
}

func (o *Orchestrator) appendError(text string) {
	msg := entities.NewConversationMessage(entities.MessageRoleSystem, text)
	msg.IsError = true
	o.appendMessage(msg)
}
