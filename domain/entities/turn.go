package entities

import (
	"errors"
	"sync"
	"time"
)

// TurnState represents whose turn it is in the conversation
type TurnState string

const (
	TurnStateIdle       TurnState = "idle"
	TurnStateListening  TurnState = "listening"
	TurnStateProcessing TurnState = "processing"
	TurnStateSpeaking   TurnState = "speaking"
	TurnStatePaused     TurnState = "paused"
)

// ErrMuteNotSpeaking is returned when mute is requested outside of the speaking turn.
var ErrMuteNotSpeaking = errors.New("mute can only be set while the assistant is speaking")

// TurnLedger tracks the turn state, the mute flag and the transcript of a
// conversation.
type TurnLedger struct {
	mu        sync.RWMutex
	state     TurnState
	muted     bool
	changedAt time.Time

	transcript *Transcript
}

// NewTurnLedger creates a ledger in the idle state with an empty transcript
func NewTurnLedger() *TurnLedger {
	return &TurnLedger{
		state:      TurnStateIdle,
		changedAt:  time.Now(),
		transcript: NewTranscript(),
	}
}

// State returns the current turn state
func (l *TurnLedger) State() TurnState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Transition moves the ledger to the given state and reports whether the
// state actually changed.
func (l *TurnLedger) Transition(to TurnState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == to {
		return false
	}
	l.state = to
	l.changedAt = time.Now()
	return true
}

// ChangedAt returns when the state last changed
func (l *TurnLedger) ChangedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.changedAt
}

// Mute sets the mute flag. It is only allowed while speaking.
func (l *TurnLedger) Mute() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != TurnStateSpeaking {
		return ErrMuteNotSpeaking
	}
	l.muted = true
	return nil
}

// Unmute clears the mute flag
func (l *TurnLedger) Unmute() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.muted = false
}

// IsMuted reports whether capture restart is suppressed after speaking
func (l *TurnLedger) IsMuted() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.muted
}

// Transcript returns the conversation transcript
func (l *TurnLedger) Transcript() *Transcript {
	return l.transcript
}
