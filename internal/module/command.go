package module

import coreerrors "github.com/flowmesh/dataplane/pkg/errors"

// FindCommand looks up a named command on a module instance that implements
// CommandProvider. Returns NotFound if the module exposes no commands, or
// none by that name.
func FindCommand(inst Instance, name string) (Command, error) {
	provider, ok := inst.(CommandProvider)
	if !ok {
		return Command{}, coreerrors.NotFoundf("module does not expose any commands")
	}
	for _, cmd := range provider.Commands() {
		if cmd.Name == name {
			return cmd, nil
		}
	}
	return Command{}, coreerrors.NotFoundf("command %q not found", name)
}

// RunCommand dispatches arg to cmd.Handler. Callers are responsible for
// the thread-safety gate: a thread_unsafe command may only be
// invoked while every worker touching the owning module is paused, and
// that invariant is enforced by the pipeline, not here, since only the
// pipeline knows the full set of running workers.
func RunCommand(cmd Command, inst Instance, arg any) (any, error) {
	if cmd.Handler == nil {
		return nil, coreerrors.InternalFailuref("command %q has no handler", cmd.Name)
	}
	return cmd.Handler(inst, arg)
}
