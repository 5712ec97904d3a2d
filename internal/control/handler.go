package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-drowsiness/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands. A nil callback
// answers "not implemented".
type CommandCallbacks struct {
	OnGetStatus            func() map[string]any
	OnResetStatistics      func() error
	OnTestAlert            func() (audio bool, err error)
	OnSetVolume            func(float64) (float64, error)
	OnSetThreshold         func(float64) error
	OnSetConsecutiveFrames func(int) error
	OnShutdown             func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks
	now       func() time.Time

	// shutdownDelay lets the response leave before shutdown starts.
	shutdownDelay time.Duration
}

// NewHandler creates a new control plane handler. cfg must be validated.
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:           cfg,
		client:        client,
		commands:      make(chan Command, 10),
		callbacks:     callbacks,
		now:           time.Now,
		shutdownDelay: 500 * time.Millisecond,
	}
}

// Start subscribes to the control topic and processes commands until ctx ends
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control
	qos := h.cfg.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop unsubscribes from the control topic
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}
	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.Execute(cmd))
		}
	}
}

// Execute runs one command and builds its response. The HTTP control
// endpoints call it directly. A shutdown command triggers OnShutdown after
// a short delay.
func (h *Handler) Execute(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Timestamp: h.timestamp()}
	fail := func(format string, args ...any) Response {
		resp.Status = "error"
		resp.Error = fmt.Sprintf(format, args...)
		return resp
	}
	notImplemented := func() Response { return fail("%s not implemented", cmd.Command) }

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return notImplemented()
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "reset_statistics":
		if h.callbacks.OnResetStatistics == nil {
			return notImplemented()
		}
		if err := h.callbacks.OnResetStatistics(); err != nil {
			return fail("%v", err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"message": "statistics reset"}

	case "test_alert":
		if h.callbacks.OnTestAlert == nil {
			return notImplemented()
		}
		audio, err := h.callbacks.OnTestAlert()
		if err != nil {
			return fail("%v", err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"audio": audio}

	case "set_volume":
		if h.callbacks.OnSetVolume == nil {
			return notImplemented()
		}
		v, ok := cmd.Params["volume"].(float64)
		if !ok {
			return fail("missing or invalid 'volume' parameter (expected float in [0, 1])")
		}
		applied, err := h.callbacks.OnSetVolume(v)
		if err != nil {
			return fail("%v", err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"volume": applied}

	case "set_threshold":
		if h.callbacks.OnSetThreshold == nil {
			return notImplemented()
		}
		v, ok := cmd.Params["ear_threshold"].(float64)
		if !ok {
			return fail("missing or invalid 'ear_threshold' parameter (expected float)")
		}
		if err := h.callbacks.OnSetThreshold(v); err != nil {
			return fail("%v", err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"ear_threshold": v}

	case "set_consecutive_frames":
		if h.callbacks.OnSetConsecutiveFrames == nil {
			return notImplemented()
		}
		// JSON numbers decode as float64
		f, ok := cmd.Params["frames"].(float64)
		if !ok || f != float64(int(f)) {
			return fail("missing or invalid 'frames' parameter (expected integer)")
		}
		if err := h.callbacks.OnSetConsecutiveFrames(int(f)); err != nil {
			return fail("%v", err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"consecutive_frames": int(f)}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return notImplemented()
		}
		slog.Warn("shutdown command received via control plane")
		resp.Status = "success"
		resp.Data = map[string]any{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}
		go func() {
			time.Sleep(h.shutdownDelay)
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("shutdown callback failed", "error", err)
			}
		}()

	default:
		return fail("unknown command: %s", cmd.Command)
	}

	return resp
}

// sendResponse sends a response to the health topic
func (h *Handler) sendResponse(resp Response) {
	if resp.Timestamp == "" {
		resp.Timestamp = h.timestamp()
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.Topics.Health
	qos := h.cfg.QoS["health"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func (h *Handler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}
