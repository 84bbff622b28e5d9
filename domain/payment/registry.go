package payment

import (
	"fmt"

	"github.com/artpar/billcycle/domain/fault"
)

// Registry is the ordered set of an account's payment methods.
//
// It is a value type: every operation returns a new Registry and leaves the
// receiver untouched, so a caller persists the whole result in one write and no
// state with two defaults (or none while methods exist) is ever observable.
type Registry struct {
	methods []Method
}

// NewRegistry builds a registry from stored methods and checks the invariant.
func NewRegistry(methods []Method) (Registry, error) {
	r := Registry{methods: append([]Method(nil), methods...)}
	if err := r.Check(); err != nil {
		return Registry{}, err
	}
	return r, nil
}

// Methods returns a copy of the methods in insertion order.
func (r Registry) Methods() []Method {
	return append([]Method(nil), r.methods...)
}

// Len returns the number of methods.
func (r Registry) Len() int {
	return len(r.methods)
}

// Add appends m. The first method of an empty registry becomes the default;
// later additions never take the default.
func (r Registry) Add(m Method) (Registry, error) {
	if err := ValidateMethod(m); err != nil {
		return r, err
	}
	if r.index(m.ID) >= 0 {
		return r, fault.Validation(fault.CodeDuplicate, fmt.Sprintf("payment method %s already exists", m.ID))
	}
	m.IsDefault = len(r.methods) == 0
	next := Registry{methods: make([]Method, 0, len(r.methods)+1)}
	next.methods = append(next.methods, r.methods...)
	next.methods = append(next.methods, m)
	return next, nil
}

// Remove deletes a method. The default can only be removed when it is the last
// method; otherwise another method must be made default first.
func (r Registry) Remove(id string) (Registry, error) {
	i := r.index(id)
	if i < 0 {
		return r, fault.NotFound("payment method", id)
	}
	if r.methods[i].IsDefault && len(r.methods) > 1 {
		return r, fault.Validation(fault.CodeCannotRemoveSoleDefault,
			fmt.Sprintf("payment method %s is the default; set another default first", id))
	}
	next := Registry{methods: make([]Method, 0, len(r.methods)-1)}
	next.methods = append(next.methods, r.methods[:i]...)
	next.methods = append(next.methods, r.methods[i+1:]...)
	return next, nil
}

// SetDefault makes id the only default.
func (r Registry) SetDefault(id string) (Registry, error) {
	if r.index(id) < 0 {
		return r, fault.NotFound("payment method", id)
	}
	next := Registry{methods: make([]Method, len(r.methods))}
	for i, m := range r.methods {
		m.IsDefault = m.ID == id
		next.methods[i] = m
	}
	return next, nil
}

// Default returns the default method.
func (r Registry) Default() (Method, error) {
	for _, m := range r.methods {
		if m.IsDefault {
			return m, nil
		}
	}
	return Method{}, fault.Validation(fault.CodeNoDefaultConfigured, "no default payment method")
}

// Get returns the method with the given id.
func (r Registry) Get(id string) (Method, error) {
	i := r.index(id)
	if i < 0 {
		return Method{}, fault.NotFound("payment method", id)
	}
	return r.methods[i], nil
}

// Check verifies exactly one default when non-empty and none when empty.
func (r Registry) Check() error {
	defaults := 0
	for _, m := range r.methods {
		if m.IsDefault {
			defaults++
		}
	}
	if len(r.methods) == 0 && defaults == 0 {
		return nil
	}
	if defaults != 1 {
		return fault.Invariant(fmt.Sprintf("%d default payment methods among %d", defaults, len(r.methods)))
	}
	return nil
}

func (r Registry) index(id string) int {
	for i, m := range r.methods {
		if m.ID == id {
			return i
		}
	}
	return -1
}
