package recovery

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registration form fields recovered by default.
var DefaultFields = []string{"name", "document_number", "case_number", "notes"}

// FormController owns the recoverable fields of one operator's form.
type FormController struct {
	store  Store
	scope  string
	fields []string
	logger *zap.Logger

	mu     sync.RWMutex
	values map[string]string
}

// NewFormController builds a controller for fields under prefix/scope and
// restores their stored values once. A store failure leaves the affected
// fields empty.
func NewFormController(ctx context.Context, store Store, prefix, scope string, fields []string, logger *zap.Logger) *FormController {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	c := &FormController{
		store:  store,
		scope:  strings.TrimSuffix(prefix, ":") + ":" + scope,
		fields: slices.Clone(fields),
		logger: logger.Named("form_recovery").With(zap.String("scope", scope)),
		values: make(map[string]string, len(fields)),
	}
	c.restore(ctx)
	return c
}

func (c *FormController) key(field string) string {
	return c.scope + ":" + field
}

func (c *FormController) restore(ctx context.Context) {
	for _, field := range c.fields {
		value, ok, err := c.store.Get(ctx, c.key(field))
		if err != nil {
			c.logger.Warn("could not restore field", zap.String("field", field), zap.Error(err))
			continue
		}
		if ok {
			c.values[field] = value
		}
	}
}

// Value returns the current value of field.
func (c *FormController) Value(field string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[field]
}

// Values returns a copy of all known fields.
func (c *FormController) Values() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Set records value for field and writes it through to the store.
func (c *FormController) Set(ctx context.Context, field, value string) error {
	if !slices.Contains(c.fields, field) {
		return fmt.Errorf("field %q is not recoverable", field)
	}
	c.mu.Lock()
	c.values[field] = value
	c.mu.Unlock()
	if err := c.store.Set(ctx, c.key(field), value); err != nil {
		return fmt.Errorf("persist field %s: %w", field, err)
	}
	return nil
}

// Clear empties every field, typically after a successful registration.
func (c *FormController) Clear(ctx context.Context) error {
	var firstErr error
	for _, field := range c.fields {
		if err := c.Set(ctx, field, ""); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
