package pipeline

import (
	"github.com/flowmesh/dataplane/internal/gate"
	"github.com/flowmesh/dataplane/internal/module"
	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// CreateModule instantiates className under name and initializes it with
// config. A nil or empty map[string]any config reaches Init as nil, so the
// class keeps its defaults. Requires all workers paused.
func (p *Pipeline) CreateModule(name, className string, config any) (*module.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return nil, err
	}
	if _, exists := p.modules[name]; exists {
		return nil, coreerrors.AlreadyExistsf("module %q already exists", name)
	}
	class, err := p.registry.Lookup(className)
	if err != nil {
		return nil, err
	}
	node := module.NewNode(name, className, class)
	if m, ok := config.(map[string]any); ok && len(m) == 0 {
		config = nil
	}
	if err := node.Instance.Init(config); err != nil {
		return nil, coreerrors.InvalidArgumentf("module %q failed to initialize: %v", name, err)
	}
	p.modules[name] = node
	p.log.Info().Str("module", name).Str("class", className).Msg("module created")
	return node, nil
}

// DestroyModule removes a module. Refuses to destroy a module with any
// gate still connected, or any task still attached; callers must
// Disconnect/detach first so the O(1) disconnect bookkeeping in
// internal/gate stays consistent.
func (p *Pipeline) DestroyModule(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return err
	}
	node, ok := p.modules[name]
	if !ok {
		return coreerrors.NotFoundf("module %q not found", name)
	}
	for _, og := range node.OGates {
		if _, _, connected := og.Target(); connected {
			return coreerrors.Busyf("module %q still has a connected ogate", name)
		}
	}
	for _, ig := range node.IGates {
		if len(ig.Upstream()) > 0 {
			return coreerrors.Busyf("module %q still has an upstream connection", name)
		}
	}
	if len(node.Tasks) > 0 {
		return coreerrors.Busyf("module %q still owns an attached task", name)
	}
	if err := node.Instance.Deinit(); err != nil {
		return coreerrors.InternalFailuref("module %q failed to deinitialize: %v", name, err)
	}
	delete(p.modules, name)
	p.log.Info().Str("module", name).Msg("module destroyed")
	return nil
}

// ConnectModules wires src's ogate to dst's igate.
// Fails InvalidArgument if dst does not implement ProcessBatch, Busy if the
// ogate is already connected.
func (p *Pipeline) ConnectModules(src string, ogateIdx int, dst string, igateIdx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return err
	}
	srcNode, ok := p.modules[src]
	if !ok {
		return coreerrors.NotFoundf("module %q not found", src)
	}
	dstNode, ok := p.modules[dst]
	if !ok {
		return coreerrors.NotFoundf("module %q not found", dst)
	}
	if ogateIdx < 0 || ogateIdx >= len(srcNode.OGates) {
		return coreerrors.InvalidArgumentf("module %q has no ogate %d", src, ogateIdx)
	}
	if igateIdx < 0 || igateIdx >= len(dstNode.IGates) {
		return coreerrors.InvalidArgumentf("module %q has no igate %d", dst, igateIdx)
	}
	if _, ok := dstNode.Instance.(module.ProcessBatcher); !ok {
		return coreerrors.InvalidArgumentf("module %q does not implement ProcessBatch", dst)
	}
	if err := gate.Link(srcNode.OGates[ogateIdx], dstNode.IGates[igateIdx]); err != nil {
		return err
	}
	p.log.Info().Str("src", src).Int("ogate", ogateIdx).Str("dst", dst).Int("igate", igateIdx).Msg("modules connected")
	return nil
}

// DisconnectModules tears down src's ogate connection. Idempotent.
func (p *Pipeline) DisconnectModules(src string, ogateIdx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return err
	}
	srcNode, ok := p.modules[src]
	if !ok {
		return coreerrors.NotFoundf("module %q not found", src)
	}
	if ogateIdx < 0 || ogateIdx >= len(srcNode.OGates) {
		return coreerrors.InvalidArgumentf("module %q has no ogate %d", src, ogateIdx)
	}
	og := srcNode.OGates[ogateIdx]
	target, igateIdx, connected := og.Target()
	if !connected {
		return nil
	}
	dstNode, ok := p.modules[string(target)]
	var dstIGate *gate.IGate
	if ok && igateIdx < len(dstNode.IGates) {
		dstIGate = dstNode.IGates[igateIdx]
	}
	gate.Unlink(og, dstIGate)
	return nil
}

// SetMergeable opts a module's igate in or out of merge-deferred delivery.
// Igates start non-mergeable, so emissions ride the chained fast path;
// merging trades that for coalescing concurrent emissions within one task
// into a single batch.
func (p *Pipeline) SetMergeable(moduleName string, igateIdx int, mergeable bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return err
	}
	node, ok := p.modules[moduleName]
	if !ok {
		return coreerrors.NotFoundf("module %q not found", moduleName)
	}
	if igateIdx < 0 || igateIdx >= len(node.IGates) {
		return coreerrors.InvalidArgumentf("module %q has no igate %d", moduleName, igateIdx)
	}
	node.IGates[igateIdx].Mergeable = mergeable
	return nil
}

// EnableTcpdump attaches a TcpdumpHook to module/ogate writing to the FIFO
// at fifoPath.
func (p *Pipeline) EnableTcpdump(moduleName string, ogateIdx int, fifoPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return err
	}
	node, ok := p.modules[moduleName]
	if !ok {
		return coreerrors.NotFoundf("module %q not found", moduleName)
	}
	if ogateIdx < 0 || ogateIdx >= len(node.OGates) {
		return coreerrors.InvalidArgumentf("module %q has no ogate %d", moduleName, ogateIdx)
	}
	hook, err := gate.OpenTcpdumpHook("tcpdump", 0, fifoPath)
	if err != nil {
		return coreerrors.InvalidArgumentf("opening tcpdump fifo %q: %v", fifoPath, err)
	}
	return node.OGates[ogateIdx].AddHook(hook)
}

// DisableTcpdump removes the tcpdump hook from module/ogate, closing its
// FIFO handle.
func (p *Pipeline) DisableTcpdump(moduleName string, ogateIdx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return err
	}
	node, ok := p.modules[moduleName]
	if !ok {
		return coreerrors.NotFoundf("module %q not found", moduleName)
	}
	if ogateIdx < 0 || ogateIdx >= len(node.OGates) {
		return coreerrors.InvalidArgumentf("module %q has no ogate %d", moduleName, ogateIdx)
	}
	og := node.OGates[ogateIdx]
	for _, h := range og.Hooks() {
		if hook, ok := h.(*gate.TcpdumpHook); ok {
			_ = hook.Close()
			og.RemoveHook(hook.Name())
			return nil
		}
	}
	return coreerrors.NotFoundf("ogate %s[%d] has no tcpdump hook enabled", moduleName, ogateIdx)
}

// RunCommand dispatches a named command to a module. thread_safe
// commands may be run regardless of worker state; thread_unsafe commands
// require every worker paused first.
func (p *Pipeline) RunCommand(moduleName, commandName string, arg any) (any, error) {
	p.mu.RLock()
	node, ok := p.modules[moduleName]
	p.mu.RUnlock()
	if !ok {
		return nil, coreerrors.NotFoundf("module %q not found", moduleName)
	}
	cmd, err := module.FindCommand(node.Instance, commandName)
	if err != nil {
		return nil, err
	}
	if !cmd.ThreadSafe && p.AnyWorkerRunning() {
		return nil, coreerrors.Busyf("command %q is thread-unsafe; pause all workers first", commandName)
	}
	return module.RunCommand(cmd, node.Instance, arg)
}

// Module returns the named module node, for read-only inspection by the
// control surface.
func (p *Pipeline) Module(name string) (*module.Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.modules[name]
	return n, ok
}

// ModuleNames lists every currently registered module name.
func (p *Pipeline) ModuleNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.modules))
	for name := range p.modules {
		names = append(names, name)
	}
	return names
}
