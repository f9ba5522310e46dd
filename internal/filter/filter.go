// Package filter implements the boolean combinator tree gating which new
// entries produce notifications.
package filter

import (
	"fmt"

	"feedmail/internal/render"
)

// Spec is the recursive filter tree as written in the config file.
// Exactly one field must be set per node. An explicitly empty `and` list
// passes everything; an empty `or` list passes nothing.
type Spec struct {
	And        []Spec `toml:"and"`
	Or         []Spec `toml:"or"`
	Not        *Spec  `toml:"not"`
	TitleRegex string `toml:"title-regex"`
	BodyRegex  string `toml:"body-regex"`
	Expr       string `toml:"expr"`
}

// Validate checks that every node of the tree sets exactly one variant.
func (s *Spec) Validate() error {
	set := 0
	if s.And != nil {
		set++
	}
	if s.Or != nil {
		set++
	}
	if s.Not != nil {
		set++
	}
	if s.TitleRegex != "" {
		set++
	}
	if s.BodyRegex != "" {
		set++
	}
	if s.Expr != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("filter node must set exactly one of and/or/not/title-regex/body-regex/expr, got %d", set)
	}

	for i := range s.And {
		if err := s.And[i].Validate(); err != nil {
			return err
		}
	}
	for i := range s.Or {
		if err := s.Or[i].Validate(); err != nil {
			return err
		}
	}
	if s.Not != nil {
		return s.Not.Validate()
	}
	return nil
}

// Item is one candidate entry as the filter sees it: plain-text title
// and body, plus an evaluator bound to the entry's {feed, item} context.
type Item struct {
	Title string
	Body  string
	Eval  *render.Evaluator
}

// Node is one compiled filter tree node.
type Node interface {
	Eval(item *Item) (bool, error)
}

// Compile builds the evaluable tree from a spec. Regex patterns are
// compiled through the per-generation cache; expression leaves are
// compiled to Lua. Compilation failures are configuration errors.
func Compile(spec *Spec, cache *RegexCache) (Node, error) {
	if spec == nil {
		return nil, nil
	}

	switch {
	case spec.And != nil:
		children, err := compileList(spec.And, cache)
		if err != nil {
			return nil, err
		}
		return andNode(children), nil
	case spec.Or != nil:
		children, err := compileList(spec.Or, cache)
		if err != nil {
			return nil, err
		}
		return orNode(children), nil
	case spec.Not != nil:
		child, err := Compile(spec.Not, cache)
		if err != nil {
			return nil, err
		}
		return notNode{child: child}, nil
	case spec.TitleRegex != "":
		re, err := cache.Get(spec.TitleRegex)
		if err != nil {
			return nil, fmt.Errorf("invalid title-regex: %w", err)
		}
		return titleRegexNode{re: re}, nil
	case spec.BodyRegex != "":
		re, err := cache.Get(spec.BodyRegex)
		if err != nil {
			return nil, fmt.Errorf("invalid body-regex: %w", err)
		}
		return bodyRegexNode{re: re}, nil
	case spec.Expr != "":
		expr, err := render.CompileExpr(spec.Expr)
		if err != nil {
			return nil, fmt.Errorf("invalid filter expression: %w", err)
		}
		return exprNode{expr: expr}, nil
	default:
		return nil, fmt.Errorf("empty filter node")
	}
}

func compileList(specs []Spec, cache *RegexCache) ([]Node, error) {
	children := make([]Node, 0, len(specs))
	for i := range specs {
		child, err := Compile(&specs[i], cache)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

type andNode []Node

func (n andNode) Eval(item *Item) (bool, error) {
	for _, child := range n {
		ok, err := child.Eval(item)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type orNode []Node

func (n orNode) Eval(item *Item) (bool, error) {
	for _, child := range n {
		ok, err := child.Eval(item)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type notNode struct {
	child Node
}

type exprNode struct {
	expr *render.Expr
}

func (n exprNode) Eval(item *Item) (bool, error) {
	return item.Eval.EvalBool(n.expr)
}

func (n notNode) Eval(item *Item) (bool, error) {
	ok, err := n.child.Eval(item)
	if err != nil {
		return false, err
	}
	return !ok, nil
}
