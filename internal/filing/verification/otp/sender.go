package otp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
)

// HTTPSender posts codes to an SMS gateway.
type HTTPSender struct {
	url    string
	client *http.Client
}

func NewHTTPSender(url string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (s *HTTPSender) Send(ctx context.Context, destination, code string) error {
	body, err := json.Marshal(sendRequest{
		To:      destination,
		Message: fmt.Sprintf("%s is your e-filing verification code. Do not share it.", code),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}
	return nil
}

// DevSender keeps the last code per destination instead of sending it.
type DevSender struct {
	mu    sync.Mutex
	codes map[string]string
	fail  error
}

func NewDevSender() *DevSender {
	return &DevSender{codes: make(map[string]string)}
}

func (s *DevSender) Send(_ context.Context, destination, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.codes[destination] = code
	return nil
}

// LastCode returns the most recent code sent to destination.
func (s *DevSender) LastCode(destination string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[destination]
	return code, ok
}

// FailWith makes subsequent sends fail with err; nil restores delivery.
func (s *DevSender) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// StaticDirectory resolves destinations from a fixed table.
type StaticDirectory struct {
	mu      sync.RWMutex
	entries map[id.TaxpayerID]string
	derive  bool
}

// NewStaticDirectory returns a directory. With derive set, unknown subjects
// get a synthetic destination, which is what development setups want.
func NewStaticDirectory(derive bool) *StaticDirectory {
	return &StaticDirectory{entries: make(map[id.TaxpayerID]string), derive: derive}
}

func (d *StaticDirectory) Register(subject id.TaxpayerID, destination string) {
	d.mu.Lock()
	d.entries[subject] = destination
	d.mu.Unlock()
}

func (d *StaticDirectory) Destination(_ context.Context, subject id.TaxpayerID) (string, error) {
	d.mu.RLock()
	dest, ok := d.entries[subject]
	d.mu.RUnlock()
	if ok {
		return dest, nil
	}
	if d.derive && subject != "" {
		return DevDestination(subject), nil
	}
	return "", dErrors.New(dErrors.CodeInvalidIdentity, "no registered mobile number for the subject")
}

// DevDestination is the synthetic destination used for unregistered subjects.
func DevDestination(subject id.TaxpayerID) string {
	return "sms:" + string(subject)
}
