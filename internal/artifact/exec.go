package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/net/html"

	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/expr"
	"github.com/conneroisu/quill/internal/options"
)

// maxIncludeDepth bounds runtime include chains so a template including
// itself fails instead of overflowing the stack.
const maxIncludeDepth = 64

// InlineFunc implements a registered inline function tag.
type InlineFunc func(params map[string]interface{}) (interface{}, error)

// BlockFunc implements a registered block function tag; content is the
// rendered body.
type BlockFunc func(params map[string]interface{}, content string) (interface{}, error)

// Env is what an executing artifact needs from its engine.
type Env interface {
	Modifier(name string, mask options.Mask) (expr.Func, bool)
	Function(name string, mask options.Mask) (expr.Func, bool)
	InlineFunction(name string) (InlineFunc, bool)
	BlockFunction(name string) (BlockFunc, bool)
	Global(name string) (interface{}, bool)
	Include(ctx context.Context, name string, mask options.Mask) (*Artifact, error)
	MacroLimit() int
}

// signal carries break/continue out of nested bodies. levels counts the
// loops (or switches, for break) still to unwind, the last one included.
type signal struct {
	op     Op
	levels int
}

type renderer struct {
	ctx          context.Context
	env          Env
	art          *Artifact
	scope        map[string]interface{}
	cycles       map[int]int
	macroDepth   int
	includeDepth int
}

// Render executes the artifact, writing output to w. vars is copied; the
// template never mutates the caller's top-level map.
func (a *Artifact) Render(ctx context.Context, w io.Writer, vars map[string]interface{}, env Env) error {
	r := &renderer{
		ctx:    ctx,
		env:    env,
		art:    a,
		scope:  copyScope(vars),
		cycles: make(map[int]int),
	}
	_, err := r.exec(w, a.Body)
	return err
}

func copyScope(vars map[string]interface{}) map[string]interface{} {
	scope := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		scope[k] = v
	}
	return scope
}

// expr.Env

func (r *renderer) Var(name string) (interface{}, bool) {
	v, ok := r.scope[name]
	return v, ok
}

func (r *renderer) Global(name string) (interface{}, bool) {
	switch name {
	case "tpl":
		return map[string]interface{}{
			"name":    r.art.Name,
			"mask":    r.art.Mask.Hex(),
			"options": r.art.Mask.Map(),
		}, true
	case "now":
		return time.Now(), true
	}
	return r.env.Global(name)
}

func (r *renderer) Modifier(name string) (expr.Func, bool) {
	return r.env.Modifier(name, r.art.Mask)
}

func (r *renderer) Function(name string) (expr.Func, bool) {
	return r.env.Function(name, r.art.Mask)
}

func (r *renderer) eval(n *expr.Node) (interface{}, error) {
	return expr.Eval(n, r)
}

func (r *renderer) located(err error, n *Node) error {
	var e *qerrors.Error
	if errors.As(err, &e) {
		if e.Template == "" {
			e.Template = r.art.Name
			e.Line = n.Line
		}
		return err
	}
	return qerrors.WrapRuntime(err, qerrors.ErrCodeRender, "render failed").WithLocation(r.art.Name, 0, n.Line, 0)
}

func (r *renderer) write(w io.Writer, v interface{}, escape bool) error {
	s := expr.ToString(v)
	if escape && !expr.IsSafe(v) {
		s = html.EscapeString(s)
	}
	_, err := io.WriteString(w, s)
	return err
}

func (r *renderer) exec(w io.Writer, nodes []*Node) (*signal, error) {
	for _, n := range nodes {
		sig, err := r.execNode(w, n)
		if err != nil {
			return nil, r.located(err, n)
		}
		if sig != nil {
			return sig, nil
		}
	}
	return nil, nil
}

func (r *renderer) execNode(w io.Writer, n *Node) (*signal, error) {
	switch n.Op {
	case OpText:
		_, err := io.WriteString(w, n.Text)
		return nil, err

	case OpPrint:
		v, err := r.eval(n.Expr)
		if err != nil {
			return nil, err
		}
		return nil, r.write(w, v, n.Escape)

	case OpIf:
		for _, b := range n.Branches {
			cond, err := r.eval(b.Cond)
			if err != nil {
				return nil, err
			}
			if expr.Truthy(cond) {
				return r.exec(w, b.Body)
			}
		}
		return r.exec(w, n.Else)

	case OpForeach:
		return r.execForeach(w, n)

	case OpFor:
		return r.execFor(w, n)

	case OpWhile:
		for {
			if err := r.ctx.Err(); err != nil {
				return nil, err
			}
			cond, err := r.eval(n.Expr)
			if err != nil {
				return nil, err
			}
			if !expr.Truthy(cond) {
				return nil, nil
			}
			sig, err := r.exec(w, n.Body)
			if err != nil {
				return nil, err
			}
			if stop, out := loopSignal(sig); stop {
				return out, nil
			}
		}

	case OpSwitch:
		return r.execSwitch(w, n)

	case OpBreak, OpContinue:
		levels := n.Levels
		if levels < 1 {
			levels = 1
		}
		return &signal{op: n.Op, levels: levels}, nil

	case OpAssign:
		v, err := r.eval(n.Expr)
		if err != nil {
			return nil, err
		}
		return nil, expr.Assign(r.scope, n.Value, v, r)

	case OpCapture:
		var buf bytes.Buffer
		sig, err := r.exec(&buf, n.Body)
		if err != nil {
			return nil, err
		}
		var v interface{} = expr.Safe(buf.String())
		if len(n.Mods) > 0 {
			if v, err = expr.ApplyModifiers(n.Mods, buf.String(), r); err != nil {
				return nil, err
			}
		}
		if err := expr.Assign(r.scope, n.Value, v, r); err != nil {
			return nil, err
		}
		return sig, nil

	case OpFilter:
		var buf bytes.Buffer
		sig, err := r.exec(&buf, n.Body)
		if err != nil {
			return nil, err
		}
		v, err := expr.ApplyModifiers(n.Mods, buf.String(), r)
		if err != nil {
			return nil, err
		}
		return sig, r.write(w, v, false)

	case OpInclude:
		return nil, r.execInclude(w, n)

	case OpBlock:
		return r.exec(w, n.Body)

	case OpParent:
		return nil, nil

	case OpMacroCall:
		return nil, r.execMacro(w, n)

	case OpCycle:
		return nil, r.execCycle(w, n)

	case OpCall:
		fn, ok := r.env.InlineFunction(n.Name)
		if !ok {
			return nil, qerrors.NewRuntimeError(qerrors.ErrCodeUnknownFunction, "unknown function tag: "+n.Name, nil)
		}
		params, err := r.params(n.Params)
		if err != nil {
			return nil, err
		}
		v, err := fn(params)
		if err != nil {
			return nil, qerrors.WrapRuntime(err, qerrors.ErrCodeRender, "function "+n.Name+" failed")
		}
		return nil, r.write(w, v, n.Escape)

	case OpBlockCall:
		fn, ok := r.env.BlockFunction(n.Name)
		if !ok {
			return nil, qerrors.NewRuntimeError(qerrors.ErrCodeUnknownFunction, "unknown block function tag: "+n.Name, nil)
		}
		params, err := r.params(n.Params)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if _, err := r.exec(&buf, n.Body); err != nil {
			return nil, err
		}
		v, err := fn(params, buf.String())
		if err != nil {
			return nil, qerrors.WrapRuntime(err, qerrors.ErrCodeRender, "block function "+n.Name+" failed")
		}
		return nil, r.write(w, v, n.Escape)
	}
	return nil, qerrors.NewInternalError(qerrors.ErrCodeInternalError, fmt.Sprintf("unknown node op %q", n.Op), nil)
}

// loopSignal decides what a loop does with a signal from its body: stop
// reports whether the loop ends, out is the signal to pass upward.
func loopSignal(sig *signal) (stop bool, out *signal) {
	if sig == nil {
		return false, nil
	}
	if sig.levels > 1 {
		return true, &signal{op: sig.op, levels: sig.levels - 1}
	}
	return sig.op == OpBreak, nil
}

func (r *renderer) loopVars(n *Node, i int, last bool) error {
	set := func(target *expr.Node, v interface{}) error {
		if target == nil {
			return nil
		}
		return expr.Assign(r.scope, target, v, r)
	}
	if err := set(n.Index, int64(i)); err != nil {
		return err
	}
	if err := set(n.First, i == 0); err != nil {
		return err
	}
	return set(n.Last, last)
}

func (r *renderer) execForeach(w io.Writer, n *Node) (*signal, error) {
	v, err := r.eval(n.Expr)
	if err != nil {
		return nil, err
	}
	entries, ok := expr.Entries(v)
	if !ok || len(entries) == 0 {
		return r.exec(w, n.Else)
	}

	for i, e := range entries {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		if n.Key != nil {
			if err := expr.Assign(r.scope, n.Key, e.Key, r); err != nil {
				return nil, err
			}
		}
		if err := expr.Assign(r.scope, n.Value, e.Value, r); err != nil {
			return nil, err
		}
		if err := r.loopVars(n, i, i == len(entries)-1); err != nil {
			return nil, err
		}
		sig, err := r.exec(w, n.Body)
		if err != nil {
			return nil, err
		}
		if stop, out := loopSignal(sig); stop {
			return out, nil
		}
	}
	return nil, nil
}

func (r *renderer) execFor(w io.Writer, n *Node) (*signal, error) {
	from, err := r.eval(n.From)
	if err != nil {
		return nil, err
	}
	to, err := r.eval(n.To)
	if err != nil {
		return nil, err
	}
	var step interface{} = int64(1)
	if n.Step != nil {
		if step, err = r.eval(n.Step); err != nil {
			return nil, err
		}
	}

	fi, ff, fInt, ok1 := expr.Number(from)
	ti, tf, tInt, ok2 := expr.Number(to)
	si, sf, sInt, ok3 := expr.Number(step)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("for loop bounds must be numeric")
	}
	if sf == 0 {
		return nil, fmt.Errorf("for loop step must not be zero")
	}

	iterate := func(i int, v interface{}, last bool) (*signal, bool, error) {
		if err := r.ctx.Err(); err != nil {
			return nil, true, err
		}
		if err := expr.Assign(r.scope, n.Value, v, r); err != nil {
			return nil, true, err
		}
		if err := r.loopVars(n, i, last); err != nil {
			return nil, true, err
		}
		sig, err := r.exec(w, n.Body)
		if err != nil {
			return nil, true, err
		}
		stop, out := loopSignal(sig)
		return out, stop, nil
	}

	// Values are produced one at a time; last is known once the next value
	// falls outside the range or stops moving.
	if fInt && tInt && sInt {
		within := func(v int64) bool { return (si > 0 && v <= ti) || (si < 0 && v >= ti) }
		if !within(fi) {
			return r.exec(w, n.Else)
		}
		for i, v := 0, fi; ; i++ {
			next := v + si
			last := !within(next) || (si > 0) != (next > v)
			out, stop, err := iterate(i, v, last)
			if err != nil || stop || last {
				return out, err
			}
			v = next
		}
	}

	within := func(f float64) bool { return (sf > 0 && f <= tf) || (sf < 0 && f >= tf) }
	if !within(ff) {
		return r.exec(w, n.Else)
	}
	for i, f := 0, ff; ; i++ {
		next := f + sf
		last := !within(next) || (sf > 0) != (next > f)
		out, stop, err := iterate(i, f, last)
		if err != nil || stop || last {
			return out, err
		}
		f = next
	}
}

func (r *renderer) execSwitch(w io.Writer, n *Node) (*signal, error) {
	v, err := r.eval(n.Expr)
	if err != nil {
		return nil, err
	}

	body := n.Else
	for _, c := range n.Cases {
		matched := false
		for _, cv := range c.Values {
			want, err := r.eval(cv)
			if err != nil {
				return nil, err
			}
			if expr.Equal(v, want) {
				matched = true
				break
			}
		}
		if matched {
			body = c.Body
			break
		}
	}

	sig, err := r.exec(w, body)
	if err != nil || sig == nil {
		return nil, err
	}
	if sig.op != OpBreak {
		return sig, nil
	}
	if sig.levels > 1 {
		return &signal{op: OpBreak, levels: sig.levels - 1}, nil
	}
	return nil, nil
}

func (r *renderer) params(list []expr.Param) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(list))
	for _, p := range list {
		v, err := r.eval(p.Value)
		if err != nil {
			return nil, err
		}
		out[p.Name] = v
	}
	return out, nil
}

func (r *renderer) execInclude(w io.Writer, n *Node) error {
	nameV, err := r.eval(n.Expr)
	if err != nil {
		return err
	}
	name := expr.ToString(nameV)

	if r.includeDepth >= maxIncludeDepth {
		return qerrors.NewRuntimeError(qerrors.ErrCodeRender, "include depth limit exceeded at "+name, nil)
	}

	child, err := r.env.Include(r.ctx, name, r.art.Mask)
	if err != nil {
		if qerrors.IsNotFound(err) && !r.art.Mask.Has(options.ForceInclude) {
			return nil
		}
		return err
	}

	params, err := r.params(n.Params)
	if err != nil {
		return err
	}
	scope := copyScope(r.scope)
	for k, v := range params {
		scope[k] = v
	}

	sub := &renderer{
		ctx:          r.ctx,
		env:          r.env,
		art:          child,
		scope:        scope,
		cycles:       make(map[int]int),
		includeDepth: r.includeDepth + 1,
	}
	_, err = sub.exec(w, child.Body)
	return err
}

func (r *renderer) execMacro(w io.Writer, n *Node) error {
	m, ok := r.art.Macros[n.Name]
	if !ok {
		return qerrors.NewRuntimeError(qerrors.ErrCodeUndefinedMacro, "undefined macro: "+n.Name, nil)
	}
	limit := r.env.MacroLimit()
	if r.macroDepth >= limit {
		return qerrors.ErrMacroRecursion(n.Name, limit)
	}

	given := make(map[string]*expr.Node, len(n.Params))
	for _, p := range n.Params {
		given[p.Name] = p.Value
	}

	scope := make(map[string]interface{}, len(m.Params))
	for _, p := range m.Params {
		var (
			v   interface{}
			err error
		)
		if arg, ok := given[p.Name]; ok {
			v, err = r.eval(arg)
		} else if p.Value != nil {
			v, err = r.eval(p.Value)
		}
		if err != nil {
			return err
		}
		scope[p.Name] = v
	}

	saved := r.scope
	r.scope = scope
	r.macroDepth++
	_, err := r.exec(w, m.Body)
	r.macroDepth--
	r.scope = saved
	return err
}

func (r *renderer) execCycle(w io.Writer, n *Node) error {
	v, err := r.eval(n.Expr)
	if err != nil {
		return err
	}
	entries, ok := expr.Entries(v)
	if !ok || len(entries) == 0 {
		return nil
	}

	var idx int64
	if n.Index != nil {
		iv, err := r.eval(n.Index)
		if err != nil {
			return err
		}
		idx, _ = expr.ToInt(iv)
	} else {
		idx = int64(r.cycles[n.ID])
		r.cycles[n.ID]++
	}
	idx %= int64(len(entries))
	if idx < 0 {
		idx += int64(len(entries))
	}
	return r.write(w, entries[idx].Value, n.Escape)
}
