package alerting

import (
	"context"
	"strings"
	"sync"
)

// RecordedAlert is an alert captured by the MockAlerter.
type RecordedAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// MockAlerter records alerts for inspection in tests.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []RecordedAlert

	// FailWith, when set, is returned from every Alert call.
	FailWith error
}

// NewMockAlerter creates a new mock alerter.
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

// Name returns the name of the alerter.
func (m *MockAlerter) Name() string {
	return "mock"
}

// Alert records the alert.
func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, RecordedAlert{Severity: severity, Message: message, Fields: fields})
	return m.FailWith
}

// Count returns the number of recorded alerts.
func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// Alerts returns a copy of all recorded alerts.
func (m *MockAlerter) Alerts() []RecordedAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// LastAlert returns the most recent alert, or false when none were recorded.
func (m *MockAlerter) LastAlert() (RecordedAlert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return RecordedAlert{}, false
	}
	return m.alerts[len(m.alerts)-1], true
}

// HasAlertWithSeverity reports whether any recorded alert has the given severity.
func (m *MockAlerter) HasAlertWithSeverity(severity Severity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.Severity == severity {
			return true
		}
	}
	return false
}

// HasAlertContaining reports whether any recorded alert message contains the substring.
func (m *MockAlerter) HasAlertContaining(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if strings.Contains(a.Message, substr) {
			return true
		}
	}
	return false
}

// Reset clears all recorded alerts.
func (m *MockAlerter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
}
