package expr

import (
	"fmt"
	"strconv"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

// Func is a modifier or function callable. Modifiers receive the modified
// value as their first argument.
type Func func(args ...interface{}) (interface{}, error)

// Env supplies variables and callables during evaluation.
type Env interface {
	Var(name string) (interface{}, bool)
	Global(name string) (interface{}, bool)
	Modifier(name string) (Func, bool)
	Function(name string) (Func, bool)
}

// Eval evaluates n against env.
func Eval(n *Node, env Env) (interface{}, error) {
	if n == nil {
		return nil, nil
	}
	switch n.Kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return n.Bool, nil
	case KindInt:
		return n.Int, nil
	case KindFloat:
		return n.Float, nil
	case KindString:
		return n.Str, nil

	case KindArray:
		return evalArray(n, env)

	case KindVar:
		v, _ := env.Var(n.Name)
		return v, nil

	case KindGlobal:
		v, _ := env.Global(n.Name)
		return v, nil

	case KindField, KindProp:
		obj, err := Eval(n.X, env)
		if err != nil {
			return nil, err
		}
		return Field(obj, n.Name), nil

	case KindIndex:
		obj, err := Eval(n.X, env)
		if err != nil {
			return nil, err
		}
		key, err := Eval(n.Y, env)
		if err != nil {
			return nil, err
		}
		return Index(obj, key), nil

	case KindMethod:
		obj, err := Eval(n.X, env)
		if err != nil {
			return nil, err
		}
		args, err := evalList(n.Args, env)
		if err != nil {
			return nil, err
		}
		v, err := CallMethod(obj, n.Name, args)
		if err != nil {
			return nil, runtimeErr(n, err)
		}
		return v, nil

	case KindCall:
		fn, ok := env.Function(n.Name)
		if !ok {
			return nil, runtimeErr(n, fmt.Errorf("unknown function %s", n.Name))
		}
		args, err := evalList(n.Args, env)
		if err != nil {
			return nil, err
		}
		v, err := fn(args...)
		if err != nil {
			return nil, runtimeErr(n, fmt.Errorf("%s: %w", n.Name, err))
		}
		return v, nil

	case KindModifier:
		if n.X == nil {
			return nil, runtimeErr(n, fmt.Errorf("modifier %s has no input", n.Name))
		}
		in, err := Eval(n.X, env)
		if err != nil {
			return nil, err
		}
		return applyModifier(n, in, env)

	case KindUnary:
		x, err := Eval(n.X, env)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case "!":
			return !Truthy(x), nil
		case "-":
			v, err := arith("-", int64(0), x)
			if err != nil {
				return nil, runtimeErr(n, err)
			}
			return v, nil
		case "+":
			v, err := arith("+", int64(0), x)
			if err != nil {
				return nil, runtimeErr(n, err)
			}
			return v, nil
		}
		return nil, runtimeErr(n, fmt.Errorf("unknown unary operator %s", n.Op))

	case KindBinary:
		return evalBinary(n, env)

	case KindTernary:
		cond, err := Eval(n.X, env)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			if n.Y == nil {
				return cond, nil
			}
			return Eval(n.Y, env)
		}
		return Eval(n.Z, env)
	}
	return nil, runtimeErr(n, fmt.Errorf("cannot evaluate %s node", n.Kind))
}

func evalList(nodes []*Node, env Env) ([]interface{}, error) {
	out := make([]interface{}, len(nodes))
	for i, a := range nodes {
		v, err := Eval(a, env)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func evalArray(n *Node, env Env) (interface{}, error) {
	if len(n.Keys) == 0 {
		return evalList(n.Args, env)
	}
	out := make(map[string]interface{}, len(n.Args))
	next := int64(0)
	for i, a := range n.Args {
		v, err := Eval(a, env)
		if err != nil {
			return nil, err
		}
		var key string
		if k := n.Keys[i]; k != nil {
			kv, err := Eval(k, env)
			if err != nil {
				return nil, err
			}
			key = ToString(kv)
			if ki, ok := kv.(int64); ok && ki >= next {
				next = ki + 1
			}
		} else {
			key = strconv.FormatInt(next, 10)
			next++
		}
		out[key] = v
	}
	return out, nil
}

func evalBinary(n *Node, env Env) (interface{}, error) {
	left, err := Eval(n.X, env)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "&&":
		if !Truthy(left) {
			return false, nil
		}
		right, err := Eval(n.Y, env)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "||":
		if Truthy(left) {
			return true, nil
		}
		right, err := Eval(n.Y, env)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	right, err := Eval(n.Y, env)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "~":
		return ToString(left) + ToString(right), nil
	case "+", "-", "*", "/", "%":
		v, err := arith(n.Op, left, right)
		if err != nil {
			return nil, runtimeErr(n, err)
		}
		return v, nil
	case "==":
		return Equal(left, right), nil
	case "!=":
		return !Equal(left, right), nil
	case "===":
		return StrictEqual(left, right), nil
	case "!==":
		return !StrictEqual(left, right), nil
	case "<", ">", "<=", ">=":
		c, err := Compare(left, right)
		if err != nil {
			return nil, runtimeErr(n, err)
		}
		switch n.Op {
		case "<":
			return c < 0, nil
		case ">":
			return c > 0, nil
		case "<=":
			return c <= 0, nil
		}
		return c >= 0, nil
	case "in":
		return Contains(right, left), nil
	}
	return nil, runtimeErr(n, fmt.Errorf("unknown operator %s", n.Op))
}

func applyModifier(n *Node, in interface{}, env Env) (interface{}, error) {
	fn, ok := env.Modifier(n.Name)
	if !ok {
		return nil, runtimeErr(n, fmt.Errorf("unknown modifier %s", n.Name))
	}
	args := make([]interface{}, 1, len(n.Args)+1)
	args[0] = in
	for _, a := range n.Args {
		v, err := Eval(a, env)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	v, err := fn(args...)
	if err != nil {
		return nil, runtimeErr(n, fmt.Errorf("modifier %s: %w", n.Name, err))
	}
	return v, nil
}

// ApplyModifiers runs a detached modifier chain over in.
func ApplyModifiers(chain []*Node, in interface{}, env Env) (interface{}, error) {
	v := in
	for _, m := range chain {
		var err error
		if v, err = applyModifier(m, v, env); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Assign stores value at target inside scope, creating intermediate maps
// for "$a.b.c = ..." style targets.
func Assign(scope map[string]interface{}, target *Node, value interface{}, env Env) error {
	if target.Kind == KindVar {
		scope[target.Name] = value
		return nil
	}
	if !target.IsAssignable() {
		return runtimeErr(target, fmt.Errorf("%s is not assignable", target))
	}

	key := target.Name
	if target.Kind == KindIndex {
		k, err := Eval(target.Y, env)
		if err != nil {
			return err
		}
		key = ToString(k)
	}

	parent, err := container(scope, target.X, env)
	if err != nil {
		return err
	}
	switch c := parent.(type) {
	case map[string]interface{}:
		c[key] = value
	case []interface{}:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return runtimeErr(target, fmt.Errorf("index %s out of range", key))
		}
		c[i] = value
	}
	return nil
}

// container returns the map or list that n refers to, creating maps on the
// way when a step is missing or not a container.
func container(scope map[string]interface{}, n *Node, env Env) (interface{}, error) {
	if n.Kind == KindVar {
		switch v := scope[n.Name].(type) {
		case map[string]interface{}, []interface{}:
			return v, nil
		}
		m := make(map[string]interface{})
		scope[n.Name] = m
		return m, nil
	}

	parent, err := container(scope, n.X, env)
	if err != nil {
		return nil, err
	}
	key := n.Name
	if n.Kind == KindIndex {
		k, err := Eval(n.Y, env)
		if err != nil {
			return nil, err
		}
		key = ToString(k)
	}

	switch c := parent.(type) {
	case map[string]interface{}:
		switch v := c[key].(type) {
		case map[string]interface{}, []interface{}:
			return v, nil
		}
		m := make(map[string]interface{})
		c[key] = m
		return m, nil
	case []interface{}:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return nil, runtimeErr(n, fmt.Errorf("index %s out of range", key))
		}
		switch v := c[i].(type) {
		case map[string]interface{}, []interface{}:
			return v, nil
		}
		m := make(map[string]interface{})
		c[i] = m
		return m, nil
	}
	return nil, runtimeErr(n, fmt.Errorf("cannot assign into %T", parent))
}

func runtimeErr(n *Node, err error) error {
	e := qerrors.NewRuntimeError(qerrors.ErrCodeRender, "cannot evaluate "+n.String(), err)
	e.Offset = n.Pos
	return e
}
