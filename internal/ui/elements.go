package ui

import "sort"

// Elements holds located UI elements. A name lives in exactly one of the two
// maps: Singles for elements that appear once, Lists for repeated ones.
type Elements struct {
	Singles map[string]Point
	Lists   map[string][]Point
}

func NewElements() *Elements {
	return &Elements{
		Singles: make(map[string]Point),
		Lists:   make(map[string][]Point),
	}
}

// SetSingle records name as a single element, replacing any list entry.
func (e *Elements) SetSingle(name string, p Point) {
	delete(e.Lists, name)
	e.Singles[name] = p
}

// AddToList appends p to the list element name, replacing any single entry.
func (e *Elements) AddToList(name string, p Point) {
	delete(e.Singles, name)
	e.Lists[name] = append(e.Lists[name], p)
}

func (e *Elements) Single(name string) (Point, bool) {
	p, ok := e.Singles[name]
	return p, ok
}

func (e *Elements) List(name string) []Point {
	return e.Lists[name]
}

// SortedByYDesc returns a copy of the list element ordered bottom-most first.
func (e *Elements) SortedByYDesc(name string) []Point {
	out := append([]Point(nil), e.Lists[name]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Y > out[j].Y })
	return out
}
