// Package sandbox captures merge messages on disk instead of delivering them.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/mailmerge/internal/message"
	"github.com/foxzi/mailmerge/internal/smtp"
)

// Message describes a captured message
type Message struct {
	ID           string    `json:"id"`
	To           []string  `json:"to"`
	Subject      string    `json:"subject"`
	Path         string    `json:"path"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// Sender writes each message as an .eml file
type Sender struct {
	dir    string
	logger *slog.Logger

	mu               sync.Mutex
	captured         []*Message
	simulateErrors   bool
	errorProbability float64 // 0.0 to 1.0
	random           func() float64
}

// NewSender creates a sandbox sender writing into dir
func NewSender(dir string, logger *slog.Logger) (*Sender, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("sandbox: failed to create output directory: %w", err)
	}
	return &Sender{
		dir:              dir,
		logger:           logger,
		errorProbability: 0.1, // 10% error rate when simulation is enabled
		random:           rand.Float64,
	}, nil
}

// Name returns the provider name used in logs and metrics
func (s *Sender) Name() string {
	return "sandbox"
}

// Dir returns the output directory
func (s *Sender) Dir() string {
	return s.dir
}

// SetErrorSimulation enables/disables error simulation
func (s *Sender) SetErrorSimulation(enabled bool, probability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		s.errorProbability = probability
	}
}

// Send captures the message. With error simulation enabled some messages
// are still written but reported as failed.
func (s *Sender) Send(ctx context.Context, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := msg.Digest
	if name == "" {
		name = msg.ID
	}
	path := filepath.Join(s.dir, name+".eml")

	captured := &Message{
		ID:         msg.ID,
		To:         msg.To,
		Subject:    msg.Subject,
		Path:       path,
		CapturedAt: time.Now(),
	}

	if err := os.WriteFile(path, msg.Data, 0644); err != nil {
		return fmt.Errorf("sandbox: failed to save message: %w", err)
	}

	s.mu.Lock()
	var simErr *smtp.DeliveryError
	if s.simulateErrors && s.random() < s.errorProbability {
		simErr = simulatedError(s.random())
		captured.SimulatedErr = simErr.Message
	}
	s.captured = append(s.captured, captured)
	s.mu.Unlock()

	if simErr != nil {
		s.logger.Info("sandbox: simulated failure",
			"id", msg.ID,
			"to", msg.To,
			"error", simErr.Message,
		)
		return simErr
	}

	s.logger.Info("sandbox: message captured",
		"id", msg.ID,
		"to", msg.To,
		"path", path,
	)
	return nil
}

// Messages returns the messages captured so far
func (s *Sender) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.captured...)
}

var simulatedErrors = []string{
	"550 User not found",
	"451 Temporary failure",
	"452 Insufficient storage",
	"421 Service not available",
}

// simulatedError picks a canned SMTP reply from a value in [0, 1)
func simulatedError(r float64) *smtp.DeliveryError {
	errMsg := simulatedErrors[int(r*float64(len(simulatedErrors)))%len(simulatedErrors)]
	return &smtp.DeliveryError{
		Temporary: strings.HasPrefix(errMsg, "4"),
		Message:   "sandbox: " + errMsg,
	}
}
