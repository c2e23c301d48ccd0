package xexec

// Bindable is a resource whose callbacks must run on exactly one loop, such
// as a pooled connection.
type Bindable interface {
	BoundLoop() *Loop
	BindLoop(l *Loop)
}

// Register binds b to l from a task on l, so every task l ran before the
// registration happens-before the binding. The returned channel yields
// exactly one value.
func (l *Loop) Register(b Bindable) <-chan error {
	result := make(chan error, 1)

	err := l.Execute(func() {
		if b.BoundLoop() != nil {
			result <- ErrAlreadyRegistered
			return
		}
		b.BindLoop(l)
		result <- nil
	})
	if err != nil {
		result <- err
	}

	return result
}

// Deregister unbinds b from its current loop. The unbinding runs as a task
// on that loop so in-flight callbacks for b finish first. Unbound resources
// complete immediately.
func Deregister(b Bindable) <-chan error {
	result := make(chan error, 1)

	old := b.BoundLoop()
	if old == nil {
		result <- nil
		return result
	}

	err := old.Execute(func() {
		b.BindLoop(nil)
		result <- nil
	})
	if err != nil {
		// the old loop is gone, nothing can observe b there anymore
		b.BindLoop(nil)
		result <- nil
	}

	return result
}
