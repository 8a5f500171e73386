package utils

import (
	"github.com/cockroachdb/errors"
)

// Element is a node of a List. An element belongs to at most one list at a time.
type Element[T any] struct {
	prev, next *Element[T]
	list       *List[T]

	Value T
}

// Next returns the following element, or nil at the tail
func (e *Element[T]) Next() *Element[T] {
	return e.next
}

// Prev returns the preceding element, or nil at the head
func (e *Element[T]) Prev() *Element[T] {
	return e.prev
}

// List is an insertion-ordered doubly linked list. Managers use it for their deferred and free
// lists, where elements are appended at the tail and removed from anywhere.
//
// The zero value is an empty list ready to use. List is not synchronized.
type List[T any] struct {
	head, tail *Element[T]
	count      int
}

func (l *List[T]) Len() int {
	return l.count
}

func (l *List[T]) Front() *Element[T] {
	return l.head
}

func (l *List[T]) Back() *Element[T] {
	return l.tail
}

// Contains returns true if e is currently linked into this list
func (l *List[T]) Contains(e *Element[T]) bool {
	return e != nil && e.list == l
}

// PushBack appends value to the tail of the list and returns its element
func (l *List[T]) PushBack(value T) *Element[T] {
	e := &Element[T]{Value: value}
	l.PushBackElement(e)
	return e
}

// PushBackElement links a detached element at the tail of the list
func (l *List[T]) PushBackElement(e *Element[T]) {
	if e.list != nil {
		panic("attempted to push an element that is already in a list")
	}

	e.list = l
	e.next = nil
	e.prev = l.tail

	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.count++
}

// Remove unlinks e from the list. The element may be pushed onto another list afterward.
func (l *List[T]) Remove(e *Element[T]) {
	if e.list != l {
		panic("attempted to remove an element from a list it does not belong to")
	}

	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}

	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}

	e.prev = nil
	e.next = nil
	e.list = nil
	l.count--
}

// Validate walks the list in both directions and checks that the links and count agree
func (l *List[T]) Validate() error {
	actualCount := 0
	var prev *Element[T]
	for e := l.head; e != nil; e = e.next {
		if e.list != l {
			return errors.Newf("element %d is linked into this list but belongs to another", actualCount)
		}
		if e.prev != prev {
			return errors.Newf("element %d has a previous link that does not match the preceding element", actualCount)
		}
		prev = e
		actualCount++
	}

	if prev != l.tail {
		return errors.New("the last element of the list is not the list's tail")
	}

	if actualCount != l.count {
		return errors.Newf("the listed number of elements in the list (%d) does not match the actual number of elements (%d)", l.count, actualCount)
	}

	return nil
}
