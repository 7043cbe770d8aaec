package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dop251/goja"

	"github.com/me/myqueue/internal/encode"
	"github.com/me/myqueue/internal/fsutil"
	"github.com/me/myqueue/pkg/model"
)

type mode int

const (
	collecting mode = iota
	running
)

// Sentinels that end a script without it being an error.
var (
	errStopCollecting = errors.New("result not computed yet")
	errStopRunning    = errors.New("target task finished")
)

// Hidden properties marking the objects handed to scripts.
const (
	handleKey = "__mq_handle__"
	taskKey   = "__mq_task__"
)

type host struct {
	vm     *goja.Runtime
	ctx    context.Context
	mode   mode
	script string
	folder string
	target string
	opts   Options

	records []*record
	byName  map[string]*record
	// pending holds task() results of create_tasks scripts until they are
	// returned.
	pending []*record

	halt  error // sentinel that ended the script
	fatal error // error raised from Go code
	ran   bool
}

func newHost(m mode, script, folder, target string, opts Options) *host {
	h := &host{
		vm:     goja.New(),
		mode:   m,
		script: script,
		folder: folder,
		target: target,
		opts:   opts,
		byName: make(map[string]*record),
	}
	_ = h.vm.Set("print", h.print)
	_ = h.vm.Set("sh", h.sh)
	_ = h.vm.Set("task", h.task)
	return h
}

// execute loads the script and calls its entry point.
func (h *host) execute(ctx context.Context) error {
	h.ctx = ctx
	src, err := os.ReadFile(h.script)
	if err != nil {
		return fmt.Errorf("read workflow script: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			h.vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	if _, err := h.vm.RunScript(h.script, string(src)); err != nil {
		return h.scriptError(err)
	}
	if fn, ok := goja.AssertFunction(h.vm.Get("workflow")); ok {
		_, err := fn(goja.Undefined(), h.vm.ToValue(h.wrap), h.vm.ToValue(h.run))
		return h.scriptError(err)
	}
	if fn, ok := goja.AssertFunction(h.vm.Get("create_tasks")); ok {
		v, err := fn(goja.Undefined())
		if err != nil {
			return h.scriptError(err)
		}
		return h.addReturned(v)
	}
	return model.Errorf("%s defines neither workflow() nor create_tasks()", filepath.Base(h.script))
}

func (h *host) scriptError(err error) error {
	if h.fatal != nil {
		return h.fatal
	}
	if err == nil || h.halt != nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("workflow %s: %w", filepath.Base(h.script), h.ctx.Err())
	}
	return fmt.Errorf("workflow %s: %w", filepath.Base(h.script), err)
}

// stop ends the script with a sentinel.
func (h *host) stop(sentinel error) {
	h.halt = sentinel
	panic(h.vm.NewGoError(sentinel))
}

// fail ends the script with err, which Collect or Run return unchanged.
func (h *host) fail(err error) {
	h.fatal = err
	panic(h.vm.NewGoError(err))
}

// wrap(fn, opts) returns a function that declares a task calling fn.
func (h *host) wrap(call goja.FunctionCall) goja.Value {
	fnVal := call.Argument(0)
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		h.fail(model.Errorf("wrap: first argument must be a function"))
	}
	opts := h.object(call.Argument(1), "wrap")
	name := h.stringOpt(opts, "name")
	if name == "" {
		if v := fnVal.ToObject(h.vm).Get("name"); v != nil {
			name = v.String()
		}
	}
	if name == "" {
		h.fail(model.Errorf("wrap: anonymous function needs a name option"))
	}
	return h.vm.ToValue(func(inner goja.FunctionCall) goja.Value {
		rec := h.newRecord(name, model.NewWorkflowCommand(h.script, name), opts, inner.Arguments)
		h.add(rec)
		if h.mode == running && name == h.target {
			h.runTarget(name, fn, inner.Arguments)
		}
		return h.handle(name)
	})
}

// run(opts) declares a plain command task.
func (h *host) run(call goja.FunctionCall) goja.Value {
	opts := h.object(call.Argument(0), "run")
	if opts == nil {
		h.fail(model.Errorf("run: expected an options object"))
	}
	cmd := h.command(opts)
	rec := h.newRecord(cmd.Name(), cmd, opts, nil)
	h.add(rec)
	return h.handle(rec.name)
}

// task(cmd, opts) builds a task for create_tasks() to return.
func (h *host) task(call goja.FunctionCall) goja.Value {
	s := call.Argument(0)
	if goja.IsUndefined(s) {
		h.fail(model.Errorf("task: missing command"))
	}
	cmd, err := model.ParseCommand(s.String(), h.opts.Finder)
	if err != nil {
		h.fail(err)
	}
	opts := h.object(call.Argument(1), "task")
	if name := h.stringOpt(opts, "name"); name != "" {
		cmd.Alias = name
	}
	rec := h.newRecord(cmd.Name(), cmd, opts, nil)
	h.pending = append(h.pending, rec)
	obj := h.vm.NewObject()
	_ = obj.Set(taskKey, len(h.pending)-1)
	_ = obj.Set("name", rec.name)
	return obj
}

func (h *host) addReturned(v goja.Value) error {
	list, ok := v.(*goja.Object)
	if !ok || list.ClassName() != "Array" {
		return model.Errorf("create_tasks() must return a list of task() objects")
	}
	n := int(list.Get("length").ToInteger())
	for i := 0; i < n; i++ {
		obj, ok := list.Get(fmt.Sprint(i)).(*goja.Object)
		if !ok {
			return model.Errorf("create_tasks(): item %d is not a task() object", i)
		}
		idx := obj.Get(taskKey)
		if idx == nil {
			return model.Errorf("create_tasks(): item %d is not a task() object", i)
		}
		rec := h.pending[idx.ToInteger()]
		if _, dup := h.byName[rec.name]; dup {
			return model.Errorf("duplicate task name %q in %s", rec.name, filepath.Base(h.script))
		}
		h.records = append(h.records, rec)
		h.byName[rec.name] = rec
	}
	return nil
}

func (h *host) add(rec *record) {
	if _, dup := h.byName[rec.name]; dup {
		h.fail(model.Errorf("duplicate task name %q in %s", rec.name, filepath.Base(h.script)))
	}
	h.records = append(h.records, rec)
	h.byName[rec.name] = rec
}

var commandKinds = []struct {
	key string
	typ model.CommandType
}{
	{"shell", model.ShellScript},
	{"script", model.PythonScript},
	{"module", model.PythonModule},
	{"function", model.PythonFunction},
}

func (h *host) command(opts *goja.Object) model.Command {
	var cmd model.Command
	for _, k := range commandKinds {
		v := h.stringOpt(opts, k.key)
		if v == "" {
			continue
		}
		if cmd.Cmd != "" {
			h.fail(model.Errorf("run: give only one of shell, script, module or function"))
		}
		cmd = model.Command{Type: k.typ, Cmd: v}
	}
	if cmd.Cmd == "" {
		h.fail(model.Errorf("run: one of shell, script, module or function is required"))
	}
	if cmd.Type == model.PythonFunction && !strings.Contains(cmd.Cmd, ".") {
		h.fail(model.Errorf("run: python function %q must be given as module.function", cmd.Cmd))
	}
	cmd.Args = h.stringsOpt(opts, "args")
	cmd.Alias = h.stringOpt(opts, "name")
	return cmd
}

func (h *host) newRecord(name string, cmd model.Command, opts *goja.Object, args []goja.Value) *record {
	res, err := h.resources(opts)
	if err != nil {
		h.fail(fmt.Errorf("task %s: %w", name, err))
	}
	rec := &record{
		name:          name,
		cmd:           cmd,
		res:           res,
		restart:       int(h.intOpt(opts, "restart")),
		diskspace:     h.intOpt(opts, "diskspace"),
		creates:       h.stringsOpt(opts, "creates"),
		notifications: h.stringOpt(opts, "notifications"),
	}
	if rec.notifications != "" {
		set, err := model.ParseStateSet(rec.notifications)
		if err != nil {
			h.fail(fmt.Errorf("task %s: %w", name, err))
		}
		rec.notifications = set.Letters()
	}
	for _, a := range args {
		h.collectDeps(a, &rec.deps, false, 0)
	}
	h.collectDeps(h.opt(opts, "deps"), &rec.deps, true, 0)
	if slices.Contains(rec.deps, name) {
		h.fail(model.Errorf("task %s depends on itself", name))
	}
	return rec
}

func (h *host) resources(opts *goja.Object) (model.Resources, error) {
	if s := h.stringOpt(opts, "resources"); s != "" {
		return model.ParseResources(s)
	}
	cores := int(h.intOpt(opts, "cores"))
	if cores == 0 {
		cores = 1
	}
	tmax := 0
	if v := h.opt(opts, "tmax"); v != nil {
		if s, ok := v.Export().(string); ok {
			n, err := model.ParseSeconds(s)
			if err != nil {
				return model.Resources{}, err
			}
			tmax = n
		} else {
			tmax = int(v.ToInteger())
		}
	}
	return model.NewResources(cores, int(h.intOpt(opts, "processes")), h.stringOpt(opts, "nodename"), tmax)
}

// collectDeps appends the names of the handles and task() objects found
// in v, looking into arrays and plain objects. With names set, strings
// directly in v (or in the list v) name tasks too.
func (h *host) collectDeps(v goja.Value, deps *[]string, names bool, depth int) {
	if v == nil || depth > 32 || goja.IsUndefined(v) || goja.IsNull(v) {
		return
	}
	add := func(name string) {
		if !slices.Contains(*deps, name) {
			*deps = append(*deps, name)
		}
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		if s, ok := v.Export().(string); ok && names {
			add(s)
		}
		return
	}
	if n := obj.Get(handleKey); n != nil {
		add(n.String())
		return
	}
	if idx := obj.Get(taskKey); idx != nil {
		add(h.pending[idx.ToInteger()].name)
		return
	}
	switch obj.ClassName() {
	case "Array":
		n := int(obj.Get("length").ToInteger())
		for i := 0; i < n; i++ {
			h.collectDeps(obj.Get(fmt.Sprint(i)), deps, names && depth == 0, depth+1)
		}
	case "Object":
		for _, k := range obj.Keys() {
			h.collectDeps(obj.Get(k), deps, false, depth+1)
		}
	}
}

func (h *host) resultPath(name string) string {
	return filepath.Join(h.folder, name+".done")
}

// cached returns the stored result of task name.
func (h *host) cached(name string) (goja.Value, bool, error) {
	data, err := os.ReadFile(h.resultPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return goja.Null(), true, nil
	}
	v, err := encode.Unmarshal(data)
	if err != nil {
		return nil, false, fmt.Errorf("result of %s: %w", name, err)
	}
	jv, err := toJS(h.vm, v)
	if err != nil {
		return nil, false, fmt.Errorf("result of %s: %w", name, err)
	}
	return jv, true, nil
}

// handle is the stand-in a script gets for the result of a task.
func (h *host) handle(name string) goja.Value {
	value := func(goja.FunctionCall) goja.Value {
		v, ok, err := h.cached(name)
		if err != nil {
			h.fail(err)
		}
		if !ok {
			h.stop(errStopCollecting)
		}
		return v
	}
	obj := h.vm.NewObject()
	_ = obj.Set(handleKey, name)
	_ = obj.Set("name", name)
	_ = obj.Set("done", fsutil.Exists(h.resultPath(name)))
	_ = obj.Set("valueOf", value)
	_ = obj.Set("toString", func(c goja.FunctionCall) goja.Value {
		return h.vm.ToValue(value(c).String())
	})
	_ = obj.DefineAccessorProperty("value", h.vm.ToValue(value), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	return obj
}

func (h *host) runTarget(name string, fn goja.Callable, args []goja.Value) {
	resolved := make([]goja.Value, len(args))
	for i, a := range args {
		v, err := h.resolve(a, 0)
		if err != nil {
			h.fail(fmt.Errorf("task %s: %w", name, err))
		}
		resolved[i] = v
	}
	res, err := fn(goja.Undefined(), resolved...)
	if err != nil {
		h.fail(fmt.Errorf("task %s: %w", name, err))
	}
	v, err := fromJS(res.Export())
	if err != nil {
		h.fail(fmt.Errorf("task %s: %w", name, err))
	}
	data, err := encode.Marshal(v)
	if err != nil {
		h.fail(fmt.Errorf("task %s: %w", name, err))
	}
	if err := fsutil.WriteFileAtomic(h.resultPath(name), data, 0o644); err != nil {
		h.fail(err)
	}
	h.opts.Logger.Debug("workflow task finished", "task", name, "result", h.resultPath(name))
	h.ran = true
	h.stop(errStopRunning)
}

// resolve replaces handles in v by the cached results they stand for.
func (h *host) resolve(v goja.Value, depth int) (goja.Value, error) {
	obj, ok := v.(*goja.Object)
	if !ok || depth > 32 {
		return v, nil
	}
	if n := obj.Get(handleKey); n != nil {
		cv, ok, err := h.cached(n.String())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("dependency %s has no result", n.String())
		}
		return cv, nil
	}
	switch obj.ClassName() {
	case "Array":
		n := int(obj.Get("length").ToInteger())
		items := make([]any, n)
		for i := 0; i < n; i++ {
			r, err := h.resolve(obj.Get(fmt.Sprint(i)), depth+1)
			if err != nil {
				return nil, err
			}
			items[i] = r
		}
		return h.vm.NewArray(items...), nil
	case "Object":
		out := h.vm.NewObject()
		for _, k := range obj.Keys() {
			r, err := h.resolve(obj.Get(k), depth+1)
			if err != nil {
				return nil, err
			}
			_ = out.Set(k, r)
		}
		return out, nil
	}
	return v, nil
}

func (h *host) print(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, a := range call.Arguments {
		parts[i] = a.String()
	}
	fmt.Fprintln(h.opts.Out, strings.Join(parts, " "))
	return goja.Undefined()
}

// sh runs a shell command in the task folder and returns its stdout.
func (h *host) sh(call goja.FunctionCall) goja.Value {
	if h.mode != running {
		panic(h.vm.NewTypeError("sh() can only be used while a task runs"))
	}
	cmd := exec.CommandContext(h.ctx, "sh", "-c", call.Argument(0).String())
	cmd.Dir = h.folder
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		panic(h.vm.NewGoError(fmt.Errorf("sh %q: %w: %s", call.Argument(0).String(), err, strings.TrimSpace(stderr.String()))))
	}
	return h.vm.ToValue(string(out))
}

func (h *host) object(v goja.Value, fn string) *goja.Object {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		h.fail(model.Errorf("%s: options must be an object", fn))
	}
	return obj
}

func (h *host) opt(opts *goja.Object, key string) goja.Value {
	if opts == nil {
		return nil
	}
	v := opts.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v
}

func (h *host) stringOpt(opts *goja.Object, key string) string {
	if v := h.opt(opts, key); v != nil {
		return v.String()
	}
	return ""
}

func (h *host) intOpt(opts *goja.Object, key string) int64 {
	if v := h.opt(opts, key); v != nil {
		return v.ToInteger()
	}
	return 0
}

func (h *host) stringsOpt(opts *goja.Object, key string) []string {
	v := h.opt(opts, key)
	if v == nil {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Array" {
		return []string{v.String()}
	}
	n := int(obj.Get("length").ToInteger())
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = obj.Get(fmt.Sprint(i)).String()
	}
	return out
}
