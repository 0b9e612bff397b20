package alerting

import (
	"context"
	"errors"
	"fmt"
)

// MultiAlerter fans an alert out to several alerters. Every alerter is
// attempted even when earlier ones fail.
type MultiAlerter struct {
	alerters []Alerter
}

// NewMultiAlerter creates a MultiAlerter from the given alerters.
func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters}
}

// Name returns the name of the alerter.
func (m *MultiAlerter) Name() string {
	return "multi"
}

// Alert delivers the alert to every configured alerter and joins any errors.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	var errs []error
	for _, a := range m.alerters {
		if err := a.Alert(ctx, severity, message, fields...); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}
