package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/crmvoice/domain/entities"
	"github.com/satriahrh/crmvoice/internal/capture"
	"github.com/satriahrh/crmvoice/internal/playback"
	"github.com/satriahrh/crmvoice/internal/pubsub"
	"github.com/satriahrh/crmvoice/internal/relay"
)

type fakeRelay struct {
	mu          sync.Mutex
	sent        []relay.OutboundEnvelope
	sendErr     error
	identities  []string
	disconnects int

	states   *pubsub.Stream[relay.StateChange]
	messages *pubsub.Stream[relay.InboundEnvelope]
	errs     *pubsub.Stream[error]
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		states:   pubsub.NewStream[relay.StateChange](),
		messages: pubsub.NewStream[relay.InboundEnvelope](),
		errs:     pubsub.NewStream[error](),
	}
}

func (r *fakeRelay) Connect(ctx context.Context, identity string, opts relay.Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities = append(r.identities, identity)
	return nil
}

func (r *fakeRelay) Send(env relay.OutboundEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *fakeRelay) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
}

func (r *fakeRelay) States() *pubsub.Stream[relay.StateChange]       { return r.states }
func (r *fakeRelay) Messages() *pubsub.Stream[relay.InboundEnvelope] { return r.messages }
func (r *fakeRelay) Errors() *pubsub.Stream[error]                   { return r.errs }

func (r *fakeRelay) sentEnvelopes() []relay.OutboundEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.OutboundEnvelope(nil), r.sent...)
}

type fakeCapture struct {
	mu              sync.Mutex
	recording       bool
	monitoring      bool
	recordingStarts int
	startErr        error
	events          *pubsub.Stream[capture.Event]
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{events: pubsub.NewStream[capture.Event]()}
}

func (c *fakeCapture) StartRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	if !c.recording {
		c.recording = true
		c.recordingStarts++
	}
	return nil
}

func (c *fakeCapture) StopRecording() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = false
}

func (c *fakeCapture) StartMonitoring() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitoring = true
	return nil
}

func (c *fakeCapture) StopMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitoring = false
}

func (c *fakeCapture) Events() *pubsub.Stream[capture.Event] { return c.events }

func (c *fakeCapture) snapshot() (recording, monitoring bool, starts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording, c.monitoring, c.recordingStarts
}

type fakePlayer struct {
	mu       sync.Mutex
	plays    []string
	playing  bool
	stops    int
	finished *pubsub.Stream[playback.Completion]
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{finished: pubsub.NewStream[playback.Completion]()}
}

func (p *fakePlayer) Play(ctx context.Context, audioBase64 string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays = append(p.plays, audioBase64)
	p.playing = true
	return fmt.Sprintf("play-%d", len(p.plays)), nil
}

func (p *fakePlayer) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return false
	}
	p.playing = false
	p.stops++
	return true
}

func (p *fakePlayer) Finished() *pubsub.Stream[playback.Completion] { return p.finished }

func (p *fakePlayer) snapshot() (playing bool, plays, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing, len(p.plays), p.stops
}

type harness struct {
	t       *testing.T
	relay   *fakeRelay
	capture *fakeCapture
	player  *fakePlayer
	orch    *Orchestrator

	mu      sync.Mutex
	updates []Update
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		relay:   newFakeRelay(),
		capture: newFakeCapture(),
		player:  newFakePlayer(),
	}
	h.orch = NewOrchestrator(h.relay, h.capture, h.player, OrchestratorConfig{
		Language:    "es",
		AudioFormat: "wav",
		ReturnAudio: true,
	}, zaptest.NewLogger(t))

	updates, cancel := h.orch.Updates().Subscribe(16)
	go func() {
		for u := range updates {
			h.mu.Lock()
			h.updates = append(h.updates, u)
			h.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		cancel()
		h.orch.Close()
	})

	require.NoError(t, h.orch.Start(context.Background(), "user-1"))
	return h
}

func (h *harness) waitFor(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func (h *harness) waitState(want entities.TurnState) {
	h.t.Helper()
	h.waitFor(func() bool { return h.orch.TurnState() == want }, "turn state "+string(want))
}

func (h *harness) connect() {
	h.t.Helper()
	h.relay.states.Publish(relay.StateChange{From: entities.ConnectionStateConnecting, To: entities.ConnectionStateConnected})
	h.waitFor(func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, u := range h.updates {
			if u.Kind == UpdateConnection && u.Connection == entities.ConnectionStateConnected {
				return true
			}
		}
		return false
	}, "connected update")

	h.relay.messages.Publish(&relay.ConversationStartedMessage{
		BaseMessage: relay.BaseMessage{Type: relay.MessageTypeConversationStarted},
	})
	h.waitState(entities.TurnStateListening)
}

func (h *harness) speak(audio string) {
	h.t.Helper()
	h.relay.messages.Publish(&relay.AssistantResponseMessage{
		BaseMessage: relay.BaseMessage{Type: relay.MessageTypeAudioResponse},
		Response:    "Tenemos leche entera y desnatada",
		AudioBase64: audio,
	})
	h.waitState(entities.TurnStateSpeaking)
}

func (h *harness) turnStates() []entities.TurnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []entities.TurnState
	for _, u := range h.updates {
		if u.Kind == UpdateTurnState {
			out = append(out, u.TurnState)
		}
	}
	return out
}

func (h *harness) waitTurnStates(want ...entities.TurnState) {
	h.t.Helper()
	h.waitFor(func() bool {
		got := h.turnStates()
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, fmt.Sprintf("turn states %v", want))
}

func (h *harness) transcriptRoles() []entities.MessageRole {
	var roles []entities.MessageRole
	for _, m := range h.orch.Transcript() {
		roles = append(roles, m.Role)
	}
	return roles
}

func response(text string) *relay.AssistantResponseMessage {
	return &relay.AssistantResponseMessage{
		BaseMessage: relay.BaseMessage{Type: relay.MessageTypeShoppingResponse},
		Response:    text,
	}
}

func TestOrchestrator_ConversationScenario(t *testing.T) {
	h := newHarness(t)
	h.connect()
	assert.Equal(t, []string{"user-1"}, h.relay.identities)

	recording, _, starts := h.capture.snapshot()
	assert.True(t, recording)
	assert.Equal(t, 1, starts)

	h.capture.events.Publish(capture.Event{
		Type:      capture.EventUtteranceReady,
		Utterance: &capture.Utterance{Audio: []byte("RIFF....WAVE"), Duration: time.Second},
	})
	h.waitState(entities.TurnStateProcessing)

	sent := h.relay.sentEnvelopes()
	require.Len(t, sent, 1)
	audioMsg, ok := sent[0].(*relay.AudioMessage)
	require.True(t, ok)
	assert.Equal(t, relay.MessageTypeAudio, audioMsg.Type)
	assert.Equal(t, "wav", audioMsg.Format)
	assert.Equal(t, "es", audioMsg.Language)
	assert.NotEmpty(t, audioMsg.Data)

	h.relay.messages.Publish(&relay.TranscriptionMessage{
		BaseMessage: relay.BaseMessage{Type: relay.MessageTypeTranscription},
		Text:        "¿Tenéis leche?",
	})
	h.speak("UklGRg==")

	playing, plays, _ := h.player.snapshot()
	assert.True(t, playing)
	assert.Equal(t, 1, plays)
	recording, monitoring, _ := h.capture.snapshot()
	assert.False(t, recording, "capture and playback never overlap")
	assert.True(t, monitoring)

	h.player.finished.Publish(playback.Completion{ID: "play-1"})
	h.waitState(entities.TurnStateListening)

	recording, monitoring, starts = h.capture.snapshot()
	assert.True(t, recording)
	assert.False(t, monitoring)
	assert.Equal(t, 2, starts)
	assert.False(t, h.orch.IsMuted())

	assert.Equal(t, []entities.MessageRole{entities.MessageRoleUser, entities.MessageRoleAssistant}, h.transcriptRoles())
	h.waitTurnStates(
		entities.TurnStateListening,
		entities.TurnStateProcessing,
		entities.TurnStateSpeaking,
		entities.TurnStateListening,
	)
}

func TestOrchestrator_BargeInIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.speak("UklGRg==")

	for i := 0; i < 3; i++ {
		h.capture.events.Publish(capture.Event{Type: capture.EventVoiceDetected, Level: 0.3})
	}
	h.waitState(entities.TurnStateListening)

	// drain the remaining signals through the loop
	require.NoError(t, h.orch.do(func() error { return nil }))

	_, _, stops := h.player.snapshot()
	assert.Equal(t, 1, stops)

	var notices int
	for _, m := range h.orch.Transcript() {
		if m.Role == entities.MessageRoleSystem {
			notices++
		}
	}
	assert.Equal(t, 1, notices)

	h.waitTurnStates(
		entities.TurnStateListening,
		entities.TurnStateSpeaking,
		entities.TurnStateListening,
	)

	recording, monitoring, _ := h.capture.snapshot()
	assert.True(t, recording)
	assert.False(t, monitoring)

	// the interrupted completion arrives afterwards and changes nothing
	h.player.finished.Publish(playback.Completion{ID: "play-1", Interrupted: true})
	require.NoError(t, h.orch.do(func() error { return nil }))
	assert.Equal(t, entities.TurnStateListening, h.orch.TurnState())
}

func TestOrchestrator_VoiceOutsideSpeakingIsNoop(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.capture.events.Publish(capture.Event{Type: capture.EventVoiceDetected})
	require.NoError(t, h.orch.do(func() error { return nil }))

	_, _, stops := h.player.snapshot()
	assert.Equal(t, 0, stops)
	assert.Empty(t, h.orch.Transcript())
}

func TestOrchestrator_AssistantEntriesInArrivalOrder(t *testing.T) {
	h := newHarness(t)
	h.connect()

	for _, text := range []string{"uno", "dos", "tres"} {
		h.relay.messages.Publish(response(text))
	}
	h.waitFor(func() bool { return len(h.orch.Transcript()) == 3 }, "three assistant entries")

	var texts []string
	for _, m := range h.orch.Transcript() {
		assert.Equal(t, entities.MessageRoleAssistant, m.Role)
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"uno", "dos", "tres"}, texts)
}

func TestOrchestrator_ResponseCarriesTrace(t *testing.T) {
	h := newHarness(t)
	h.connect()

	msg := response("Añadido al carrito")
	msg.ExecutionDetails = []entities.ExecutionDetail{{ToolName: "add_to_cart", DurationMs: 12, Status: "success"}}
	h.relay.messages.Publish(msg)
	h.waitFor(func() bool { return len(h.orch.Transcript()) == 1 }, "assistant entry")

	entry := h.orch.Transcript()[0]
	assert.Equal(t, msg.ExecutionDetails, entry.Trace)
	assert.Equal(t, entities.TurnStateListening, h.orch.TurnState())
}

func TestOrchestrator_MuteInvariant(t *testing.T) {
	h := newHarness(t)
	h.connect()

	assert.ErrorIs(t, h.orch.Mute(), entities.ErrMuteNotSpeaking)

	h.speak("UklGRg==")
	require.NoError(t, h.orch.Mute())
	assert.True(t, h.orch.IsMuted())

	_, _, startsBefore := h.capture.snapshot()
	h.player.finished.Publish(playback.Completion{ID: "play-1"})
	h.waitState(entities.TurnStateIdle)

	recording, _, starts := h.capture.snapshot()
	assert.False(t, recording)
	assert.Equal(t, startsBefore, starts)

	require.NoError(t, h.orch.Unmute())
	assert.Equal(t, entities.TurnStateListening, h.orch.TurnState())
	recording, _, _ = h.capture.snapshot()
	assert.True(t, recording)
}

func TestOrchestrator_ErrorEnvelopeReturnsToListening(t *testing.T) {
	h := newHarness(t)
	h.connect()

	require.NoError(t, h.orch.SendText("Quiero pan"))
	assert.Equal(t, entities.TurnStateProcessing, h.orch.TurnState())

	h.relay.messages.Publish(&relay.ErrorMessage{
		BaseMessage: relay.BaseMessage{Type: relay.MessageTypeError},
		Message:     "catalog unavailable",
	})
	h.waitState(entities.TurnStateListening)

	last := h.orch.Transcript()[len(h.orch.Transcript())-1]
	assert.Equal(t, entities.MessageRoleSystem, last.Role)
	assert.True(t, last.IsError)
	assert.Contains(t, last.Text, "catalog unavailable")
}

func TestOrchestrator_ProtocolErrorIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.relay.errs.Publish(&relay.ProtocolError{Err: errors.New("unsupported message type: weather")})
	h.waitFor(func() bool { return len(h.orch.Transcript()) == 1 }, "error entry")

	entry := h.orch.Transcript()[0]
	assert.True(t, entry.IsError)
	assert.Equal(t, entities.TurnStateListening, h.orch.TurnState())
}

func TestOrchestrator_ReconnectExhausted(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.speak("UklGRg==")

	h.relay.errs.Publish(fmt.Errorf("%w after 5 attempts", relay.ErrReconnectExhausted))
	h.waitState(entities.TurnStateIdle)

	playing, _, _ := h.player.snapshot()
	recording, monitoring, _ := h.capture.snapshot()
	assert.False(t, playing)
	assert.False(t, recording)
	assert.False(t, monitoring)

	require.NoError(t, h.orch.Start(context.Background(), "ignored"))
	assert.Equal(t, []string{"user-1", "user-1"}, h.relay.identities)
}

func TestOrchestrator_DeviceErrorKeepsTextWorking(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.capture.events.Publish(capture.Event{Type: capture.EventDeviceError, Err: capture.ErrDeviceUnavailable})
	h.waitFor(func() bool { return len(h.orch.Transcript()) == 1 }, "device error entry")
	assert.True(t, h.orch.Transcript()[0].IsError)

	require.NoError(t, h.orch.SendText("  Dos litros  "))
	sent := h.relay.sentEnvelopes()
	require.Len(t, sent, 1)
	text, ok := sent[0].(*relay.TextMessage)
	require.True(t, ok)
	assert.Equal(t, "Dos litros", text.Text)

	assert.ErrorIs(t, h.orch.SendText("   "), ErrEmptyText)
}

func TestOrchestrator_SendTextWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	h.relay.sendErr = relay.ErrNotConnected

	err := h.orch.SendText("hola")
	assert.ErrorIs(t, err, relay.ErrNotConnected)
	assert.Empty(t, h.orch.Transcript())
}

func TestOrchestrator_PauseResume(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.speak("UklGRg==")

	require.NoError(t, h.orch.Pause())
	assert.Equal(t, entities.TurnStatePaused, h.orch.TurnState())
	playing, _, _ := h.player.snapshot()
	recording, monitoring, _ := h.capture.snapshot()
	assert.False(t, playing)
	assert.False(t, recording)
	assert.False(t, monitoring)

	require.NoError(t, h.orch.Resume())
	assert.Equal(t, entities.TurnStateListening, h.orch.TurnState())
	recording, _, _ = h.capture.snapshot()
	assert.True(t, recording)
}

func TestOrchestrator_ConnectionLossStopsCapture(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.relay.states.Publish(relay.StateChange{From: entities.ConnectionStateConnected, To: entities.ConnectionStateError})
	h.waitState(entities.TurnStateIdle)

	recording, _, _ := h.capture.snapshot()
	assert.False(t, recording)
}

func TestOrchestrator_TypingWhileSpeakingInterrupts(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.speak("UklGRg==")

	require.NoError(t, h.orch.SendText("y pan"))
	assert.Equal(t, entities.TurnStateProcessing, h.orch.TurnState())

	playing, _, stops := h.player.snapshot()
	recording, monitoring, _ := h.capture.snapshot()
	assert.False(t, playing)
	assert.Equal(t, 1, stops)
	assert.False(t, recording)
	assert.False(t, monitoring)

	h.relay.messages.Publish(response("Pan añadido"))
	h.waitState(entities.TurnStateListening)

	playing, _, _ = h.player.snapshot()
	recording, _, _ = h.capture.snapshot()
	assert.False(t, playing, "capture and playback never overlap")
	assert.True(t, recording)

	// the interrupted playback reports late and changes nothing
	h.player.finished.Publish(playback.Completion{ID: "play-1", Interrupted: true})
	require.NoError(t, h.orch.do(func() error { return nil }))
	assert.Equal(t, entities.TurnStateListening, h.orch.TurnState())
}

func TestOrchestrator_BargeInAfterConnectionLoss(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.speak("UklGRg==")

	h.relay.states.Publish(relay.StateChange{From: entities.ConnectionStateConnected, To: entities.ConnectionStateError})
	require.NoError(t, h.orch.do(func() error { return nil }))
	assert.Equal(t, entities.TurnStateSpeaking, h.orch.TurnState())

	h.capture.events.Publish(capture.Event{Type: capture.EventVoiceDetected, Level: 0.3})
	h.waitState(entities.TurnStateIdle)

	playing, _, stops := h.player.snapshot()
	recording, monitoring, _ := h.capture.snapshot()
	assert.False(t, playing)
	assert.Equal(t, 1, stops)
	assert.False(t, recording)
	assert.False(t, monitoring)
}

func TestOrchestrator_Close(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.speak("UklGRg==")

	h.orch.Close()
	h.orch.Close()

	playing, _, _ := h.player.snapshot()
	recording, monitoring, _ := h.capture.snapshot()
	assert.False(t, playing)
	assert.False(t, recording)
	assert.False(t, monitoring)
	assert.Equal(t, 1, h.relay.disconnects)

	assert.ErrorIs(t, h.orch.SendText("hola"), ErrOrchestratorClosed)
	assert.ErrorIs(t, h.orch.Start(context.Background(), "user-1"), ErrOrchestratorClosed)
}
