// Package walk provides a lazy depth-first iterator over checkout
// trees.  Display code and the runner use the same traversal, so what
// an operator sees is the order things execute in.
package walk

// Entry is one visited node with its position in the tree.  Path is
// the child index at each level; the root's Path is empty.
type Entry[T any] struct {
	Node  T
	Path  []int
	Depth int
}

// Iterator walks a tree in pre-order, visiting children in their
// stored order.  Children are only asked for as their parent is
// visited, so walking the top of a big tree is cheap.  The tree must
// not be mutated while an Iterator is live; starting over is just a
// new Iterator.
type Iterator[T any] struct {
	children func(T) []T
	stack    []Entry[T]
}

// New starts a traversal at root.  The children function defines the
// tree shape.
func New[T any](root T, children func(T) []T) *Iterator[T] {
	return &Iterator[T]{
		children: children,
		stack:    []Entry[T]{{Node: root}},
	}
}

// Next returns the next entry, reporting false when the traversal is
// done.
func (it *Iterator[T]) Next() (Entry[T], bool) {
	if 0 == len(it.stack) {
		var zero Entry[T]
		return zero, false
	}

	e := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]

	kids := it.children(e.Node)
	for i := len(kids) - 1; 0 <= i; i-- {
		path := make([]int, len(e.Path)+1)
		copy(path, e.Path)
		path[len(e.Path)] = i
		it.stack = append(it.stack, Entry[T]{
			Node:  kids[i],
			Path:  path,
			Depth: e.Depth + 1,
		})
	}

	return e, true
}

// All drains the iterator.
func (it *Iterator[T]) All() []Entry[T] {
	var entries []Entry[T]
	for {
		e, more := it.Next()
		if !more {
			return entries
		}
		entries = append(entries, e)
	}
}
