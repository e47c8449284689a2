package concurrent

import (
	"errors"
	"io"
)

// CompositeStoppable stops a list of resources in order. Every step runs
// even when an earlier one fails; the failures are joined.
type CompositeStoppable struct {
	steps []func() error
}

// NewCompositeStoppable creates an empty composite.
func NewCompositeStoppable() *CompositeStoppable {
	return &CompositeStoppable{}
}

// Add appends a stop step. Nil steps are ignored.
func (c *CompositeStoppable) Add(step func() error) *CompositeStoppable {
	if step != nil {
		c.steps = append(c.steps, step)
	}
	return c
}

// AddCloser appends closer.Close as a stop step.
func (c *CompositeStoppable) AddCloser(closer io.Closer) *CompositeStoppable {
	if closer == nil {
		return c
	}
	return c.Add(closer.Close)
}

// Stop runs every step and returns the joined errors.
func (c *CompositeStoppable) Stop() error {
	var errs []error
	for _, step := range c.steps {
		if err := step(); err != nil {
			errs = append(errs, err)
		}
	}
	c.steps = nil
	return errors.Join(errs...)
}
