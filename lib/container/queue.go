package container

// UniqueList is an ordered list that has unique items.
// Same values cannot be exist in this list, so a value can be found,
// moved or removed without walking the list.
//
// UniqueList is not safe for concurrent use.
type UniqueList[T comparable] struct {
	has   map[T]*listItem[T]
	first *listItem[T]
	last  *listItem[T]
}

// listItem wraps a value.
// It directs the prev and next listItem, so the list can traverse both ways.
type listItem[T comparable] struct {
	v    T
	prev *listItem[T]
	next *listItem[T]
}

// NewUniqueList creates a new UniqueList.
func NewUniqueList[T comparable]() *UniqueList[T] {
	return &UniqueList[T]{
		has: make(map[T]*listItem[T]),
	}
}

// Len returns number of values in the list.
func (l *UniqueList[T]) Len() int {
	return len(l.has)
}

// Has reports whether the value is in the list.
func (l *UniqueList[T]) Has(v T) bool {
	_, ok := l.has[v]
	return ok
}

// PushBack pushes a value to the end of the list.
// If the same value has already exists in the list, it does nothing and returns false.
func (l *UniqueList[T]) PushBack(v T) bool {
	if l.Has(v) {
		return false
	}
	item := &listItem[T]{v: v, prev: l.last}
	if l.last == nil {
		l.first = item
	} else {
		l.last.next = item
	}
	l.last = item
	l.has[v] = item
	return true
}

// PushFront pushes a value to the front of the list.
// If the same value has already exists in the list, it does nothing and returns false.
func (l *UniqueList[T]) PushFront(v T) bool {
	if l.Has(v) {
		return false
	}
	item := &listItem[T]{v: v, next: l.first}
	if l.first == nil {
		l.last = item
	} else {
		l.first.prev = item
	}
	l.first = item
	l.has[v] = item
	return true
}

// InsertBefore inserts a value right before mark.
// It returns false when the value already exists or mark isn't in the list.
func (l *UniqueList[T]) InsertBefore(v, mark T) bool {
	if l.Has(v) {
		return false
	}
	at, ok := l.has[mark]
	if !ok {
		return false
	}
	if at == l.first {
		return l.PushFront(v)
	}
	item := &listItem[T]{v: v, prev: at.prev, next: at}
	at.prev.next = item
	at.prev = item
	l.has[v] = item
	return true
}

// Remove finds and removes the given value from the list.
// If the list has the value, it removes the value and returns true.
// Otherwise, it does nothing and returns false.
func (l *UniqueList[T]) Remove(v T) bool {
	item, ok := l.has[v]
	if !ok {
		return false
	}
	delete(l.has, v)
	if item.prev == nil {
		l.first = item.next
	} else {
		item.prev.next = item.next
	}
	if item.next == nil {
		l.last = item.prev
	} else {
		item.next.prev = item.prev
	}
	item.prev = nil
	item.next = nil
	return true
}

// Front returns the first value of the list.
// ok will be false if the list is empty.
func (l *UniqueList[T]) Front() (v T, ok bool) {
	if l.first == nil {
		return v, false
	}
	return l.first.v, true
}

// PopFront pops the first value of the list.
// ok will be false if the list is empty.
func (l *UniqueList[T]) PopFront() (v T, ok bool) {
	v, ok = l.Front()
	if !ok {
		return v, false
	}
	l.Remove(v)
	return v, true
}

// Next returns a value that follows v.
// ok will be false if v is the last value or v isn't in the list.
func (l *UniqueList[T]) Next(v T) (next T, ok bool) {
	item, has := l.has[v]
	if !has || item.next == nil {
		return next, false
	}
	return item.next.v, true
}

// Values returns all values of the list in order.
func (l *UniqueList[T]) Values() []T {
	vals := make([]T, 0, len(l.has))
	for it := l.first; it != nil; it = it.next {
		vals = append(vals, it.v)
	}
	return vals
}
