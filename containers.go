package documap

import (
	"fmt"
	"sort"
)

// TrackedList is a list value bound to its owning document. Mutations mark
// the owning field changed: index writes record the element path, shape
// changes record the whole list.
type TrackedList struct {
	doc   *Document
	path  string
	elems []any

	// write puts a reallocated backing slice back into the owning slot
	write func(elems []any)
}

func newTrackedList(doc *Document, path string, elems []any, write func([]any)) *TrackedList {
	return &TrackedList{doc: doc, path: path, elems: elems, write: write}
}

func (l *TrackedList) sync() {
	if l.write != nil {
		l.write(l.elems)
	}
}

func (l *TrackedList) mark(sub string) {
	if l.doc == nil {
		return
	}
	if sub == "" {
		l.doc.markChanged(l.path)
		return
	}
	l.doc.markChanged(l.path + "." + sub)
}

func (l *TrackedList) Len() int { return len(l.elems) }

// Get returns the element at i, binding nested containers to the owning
// document so their mutations are tracked too.
func (l *TrackedList) Get(i int) any {
	return wrapTracked(l.doc, fmt.Sprintf("%s.%d", l.path, i), l.elems[i],
		func(nv any) { l.elems[i] = nv })
}

func (l *TrackedList) Set(i int, v any) {
	l.elems[i] = v
	l.mark(fmt.Sprintf("%d", i))
}

func (l *TrackedList) Append(vs ...any) {
	l.elems = append(l.elems, vs...)
	l.sync()
	l.mark("")
}

func (l *TrackedList) Insert(i int, v any) {
	l.elems = append(l.elems, nil)
	copy(l.elems[i+1:], l.elems[i:])
	l.elems[i] = v
	l.sync()
	l.mark("")
}

func (l *TrackedList) RemoveAt(i int) any {
	v := l.elems[i]
	l.elems = append(l.elems[:i], l.elems[i+1:]...)
	l.sync()
	l.mark("")
	return v
}

// Remove deletes the first element equal to v, reporting whether one was
// found.
func (l *TrackedList) Remove(v any) bool {
	for i, e := range l.elems {
		if equalValues(e, v) {
			l.RemoveAt(i)
			return true
		}
	}
	return false
}

func (l *TrackedList) Clear() {
	l.elems = l.elems[:0]
	l.sync()
	l.mark("")
}

func (l *TrackedList) Sort(less func(a, b any) bool) {
	sort.SliceStable(l.elems, func(i, j int) bool { return less(l.elems[i], l.elems[j]) })
	l.mark("")
}

// Values returns the backing slice. Mutating it directly bypasses change
// tracking.
func (l *TrackedList) Values() []any { return l.elems }

// TrackedMap is the map counterpart of TrackedList.
type TrackedMap struct {
	doc   *Document
	path  string
	elems map[string]any
}

func newTrackedMap(doc *Document, path string, elems map[string]any) *TrackedMap {
	return &TrackedMap{doc: doc, path: path, elems: elems}
}

func (m *TrackedMap) mark(sub string) {
	if m.doc == nil {
		return
	}
	if sub == "" {
		m.doc.markChanged(m.path)
		return
	}
	m.doc.markChanged(m.path + "." + sub)
}

func (m *TrackedMap) Len() int { return len(m.elems) }

func (m *TrackedMap) Get(k string) (any, bool) {
	v, ok := m.elems[k]
	if !ok {
		return nil, false
	}
	return wrapTracked(m.doc, m.path+"."+k, v,
		func(nv any) { m.elems[k] = nv }), true
}

func (m *TrackedMap) Set(k string, v any) {
	m.elems[k] = v
	m.mark(k)
}

func (m *TrackedMap) Delete(k string) {
	delete(m.elems, k)
	m.mark(k)
}

func (m *TrackedMap) Clear() {
	for k := range m.elems {
		delete(m.elems, k)
	}
	m.mark("")
}

// Keys returns the map keys in sorted order.
func (m *TrackedMap) Keys() []string {
	keys := make([]string, 0, len(m.elems))
	for k := range m.elems {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the backing map. Mutating it directly bypasses change
// tracking.
func (m *TrackedMap) Values() map[string]any { return m.elems }

// wrapTracked binds plain containers read out of a document to the owner
// so nested mutations mark the right dotted path. Embedded documents get
// their owner bound the same way so edits inside a list or map surface on
// the root's change set. write receives the backing slice when a list
// mutation reallocates it.
func wrapTracked(doc *Document, path string, v any, write func(any)) any {
	if doc == nil {
		return v
	}
	switch c := v.(type) {
	case []any:
		var wb func([]any)
		if write != nil {
			wb = func(elems []any) { write(elems) }
		}
		return newTrackedList(doc, path, c, wb)
	case map[string]any:
		return newTrackedMap(doc, path, c)
	case *Document:
		c.owner = doc
		c.ownerPath = path
		return c
	case *TrackedList:
		return c
	case *TrackedMap:
		return c
	}
	return v
}
