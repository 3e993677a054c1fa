package modules

import "github.com/flowmesh/dataplane/internal/module"

// simpleClass is the Class implementation shared by every module in this
// package: a plain constructor closure plus fixed gate-count maxima.
// None of these reference modules need per-class state beyond that.
type simpleClass struct {
	newFn func() module.Instance
	nig   int
	nog   int
}

func (c simpleClass) New() module.Instance { return c.newFn() }
func (c simpleClass) NumIGates() int       { return c.nig }
func (c simpleClass) NumOGates() int       { return c.nog }

// RegisterAll registers Source, Drop, Sink, and HashLB under their
// conventional class names. Called once by cmd/dataplaned at startup and by
// tests that need a populated registry.
func RegisterAll(reg *module.Registry) error {
	if err := reg.Register("Source", simpleClass{newFn: func() module.Instance { return NewSource() }, nig: 0, nog: 1}); err != nil {
		return err
	}
	if err := reg.Register("Drop", simpleClass{newFn: func() module.Instance { return NewDrop() }, nig: 1, nog: 0}); err != nil {
		return err
	}
	if err := reg.Register("Sink", simpleClass{newFn: func() module.Instance { return NewSink() }, nig: 1, nog: 0}); err != nil {
		return err
	}
	if err := reg.Register("HashLB", simpleClass{newFn: func() module.Instance { return NewHashLB() }, nig: 1, nog: MaxHashLBGates}); err != nil {
		return err
	}
	return nil
}
