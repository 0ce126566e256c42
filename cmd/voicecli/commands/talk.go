package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/adapters/audio/miniaudio"
	"github.com/satriahrh/crmvoice/domain/entities"
	"github.com/satriahrh/crmvoice/domain/repositories"
	"github.com/satriahrh/crmvoice/internal/capture"
	"github.com/satriahrh/crmvoice/internal/config"
	"github.com/satriahrh/crmvoice/internal/playback"
	"github.com/satriahrh/crmvoice/internal/relay"
	"github.com/satriahrh/crmvoice/usecase"
)

var talkCmd = &cobra.Command{
	Use:   "talk <identity>",
	Short: "Start a voice-shopping session",
	Long: `Start a voice-shopping session on the default microphone and speaker.

Speak to send an utterance, or type a line and press enter to send text.
Commands:
  /mute     keep the microphone closed after the assistant speaks
  /unmute   reopen the microphone
  /pause    stop listening and speaking
  /resume   listen again
  /quit     end the session`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runTalk(ctx, cfg, args[0], logger)
	},
}

func init() {
	rootCmd.AddCommand(talkCmd)
}

func runTalk(ctx context.Context, cfg *config.Config, identity string, logger *zap.Logger) error {
	device, err := miniaudio.NewDevice(repositories.DefaultAudioFormat, logger)
	if err != nil {
		return fmt.Errorf("failed to open audio device: %w", err)
	}
	defer device.Close()

	relayClient := relay.NewClient(relay.Config{
		Endpoint: relay.Endpoint{
			PageURL:    cfg.Voice.PageURL,
			Tenant:     cfg.Voice.Tenant,
			APIVersion: cfg.Voice.APIVersion,
			Feature:    cfg.Voice.Feature,
		},
		KeepAliveInterval:    cfg.Voice.KeepAliveInterval,
		ReconnectBaseDelay:   cfg.Voice.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Voice.ReconnectMaxAttempts,
		HandshakeTimeout:     relay.DefaultConfig().HandshakeTimeout,
	}, logger, nil)
	defer relayClient.Close()

	recorder := capture.NewRecorder(device.Source(), capture.Config{
		VoiceThreshold:    cfg.Capture.VoiceThreshold,
		ConsecutiveFrames: cfg.Capture.ConsecutiveFrames,
		SilenceThreshold:  cfg.Capture.SilenceThreshold,
		SilenceDuration:   cfg.Capture.SilenceDuration,
		PollInterval:      cfg.Capture.PollInterval,
		MaxRecording:      cfg.Capture.MaxRecording,
	}, logger)
	defer recorder.Close()

	player := playback.NewPlayer(device.Sink(), logger)
	defer player.Close()

	orchestrator := usecase.NewOrchestrator(relayClient, recorder, player, usecase.OrchestratorConfig{
		Language:    cfg.Voice.Language,
		AudioFormat: cfg.Voice.AudioFormat,
		ReturnAudio: cfg.Voice.ReturnAudio,
	}, logger)
	defer orchestrator.Close()

	updates, unsubscribe := orchestrator.Updates().Subscribe(64)
	defer unsubscribe()
	go func() {
		for update := range updates {
			printUpdate(update)
		}
	}()

	if err := orchestrator.Start(ctx, identity); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(orchestrator, identity, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(o *usecase.Orchestrator, identity, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false, nil
	case "/quit":
		return true, nil
	case "/mute":
		return false, o.Mute()
	case "/unmute":
		return false, o.Unmute()
	case "/pause":
		return false, o.Pause()
	case "/resume":
		return false, o.Resume()
	case "/reconnect":
		return false, o.Start(context.Background(), identity)
	default:
		return false, o.SendText(line)
	}
}

func printUpdate(u usecase.Update) {
	switch u.Kind {
	case usecase.UpdateMessage:
		fmt.Fprintln(os.Stdout, formatMessage(u.Message))
	case usecase.UpdateTurnState:
		fmt.Fprintf(os.Stderr, "[%s]\n", u.TurnState)
	case usecase.UpdateConnection:
		fmt.Fprintf(os.Stderr, "(connection %s)\n", u.Connection)
	}
}

func formatMessage(msg entities.ConversationMessage) string {
	prefix := string(msg.Role)
	if msg.IsError {
		prefix = "error"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", msg.Timestamp.Format("15:04:05"), prefix, msg.Text)
	for _, step := range msg.Trace {
		fmt.Fprintf(&b, "\n    - %s %dms %s", step.ToolName, step.DurationMs, step.Status)
	}
	return b.String()
}
